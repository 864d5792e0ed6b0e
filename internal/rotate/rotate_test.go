package rotate_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sammimk830/fortigate/internal/fortios"
	"github.com/sammimk830/fortigate/internal/rotate"
)

// fakeAppliance records the operations the workflow performs, in order.
type fakeAppliance struct {
	calls []string

	exists     bool
	activeCert string
	expired    []string
	deleteErr  map[string]error
	listErr    error
}

func (f *fakeAppliance) ImportIntermediateCA(ctx context.Context, ca []byte) error {
	f.calls = append(f.calls, "import_ca")
	return nil
}

func (f *fakeAppliance) CertificateExists(ctx context.Context, name string) (bool, error) {
	f.calls = append(f.calls, "exists "+name)
	return f.exists, nil
}

func (f *fakeAppliance) ImportLeafCertificate(ctx context.Context, name string, cert, key []byte) error {
	f.calls = append(f.calls, "import "+name)
	return nil
}

func (f *fakeAppliance) SetSSLVPNCertificate(ctx context.Context, name string) error {
	f.calls = append(f.calls, "set_sslvpn "+name)
	return nil
}

func (f *fakeAppliance) SetHTTPSMgmtCertificate(ctx context.Context, name string) error {
	f.calls = append(f.calls, "set_mgmt "+name)
	if f.activeCert == "" {
		f.activeCert = name
	}

	return nil
}

func (f *fakeAppliance) HTTPSMgmtCertificate(ctx context.Context) (string, error) {
	f.calls = append(f.calls, "get_mgmt")
	return f.activeCert, nil
}

func (f *fakeAppliance) ExpiredCertificates(ctx context.Context) (iter.Seq[string], error) {
	f.calls = append(f.calls, "expired")
	if f.listErr != nil {
		return nil, f.listErr
	}

	return slices.Values(f.expired), nil
}

func (f *fakeAppliance) DeleteCertificate(ctx context.Context, name string) error {
	f.calls = append(f.calls, "delete "+name)
	return f.deleteErr[name]
}

func writeCertFile(t *testing.T, name string, mtime time.Time) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("CERT"), 0o600))
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	return path
}

func TestCertificateName(t *testing.T) {
	mtime := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	path := writeCertFile(t, "example.pem", mtime)

	name, base, err := rotate.CertificateName(path, "20060102")
	require.NoError(t, err)
	require.Equal(t, "example_20230501", name)
	require.Equal(t, "example", base)
}

func TestCertificateNameMissingFile(t *testing.T) {
	_, _, err := rotate.CertificateName(filepath.Join(t.TempDir(), "missing.pem"), "20060102")
	require.Error(t, err)
}

func TestRunEndToEnd(t *testing.T) {
	fgt := &fakeAppliance{
		expired: []string{"LetsEncrypt-a_20200101", "other_20200101", "LetsEncrypt-b_20210101"},
	}

	err := rotate.Run(context.Background(), fgt, rotate.Options{
		Name:        "example_20230501",
		Base:        "example",
		Certificate: []byte("CERT"),
		PrivateKey:  []byte("KEY"),
		PrunePrefix: "LetsEncrypt-",
	})
	require.NoError(t, err)

	require.Equal(t, []string{
		"exists example_20230501",
		"import example_20230501",
		"set_sslvpn example_20230501",
		"set_mgmt example_20230501",
		"get_mgmt",
		"expired",
		"delete LetsEncrypt-a_20200101",
		"delete LetsEncrypt-b_20210101",
	}, fgt.calls)
}

func TestRunSecondRunSkipsImport(t *testing.T) {
	fgt := &fakeAppliance{exists: true}

	err := rotate.Run(context.Background(), fgt, rotate.Options{
		Name:        "example_20230501",
		Base:        "example",
		Certificate: []byte("CERT"),
		PrivateKey:  []byte("KEY"),
		PrunePrefix: "LetsEncrypt-",
	})
	require.NoError(t, err)

	require.NotContains(t, fgt.calls, "import example_20230501")
	require.Contains(t, fgt.calls, "set_sslvpn example_20230501")
	require.Contains(t, fgt.calls, "get_mgmt")
}

func TestRunImportsIntermediateCAFirst(t *testing.T) {
	fgt := &fakeAppliance{}

	err := rotate.Run(context.Background(), fgt, rotate.Options{
		Name:           "example_20230501",
		Certificate:    []byte("CERT"),
		PrivateKey:     []byte("KEY"),
		IntermediateCA: []byte("CA"),
	})
	require.NoError(t, err)

	require.Equal(t, "import_ca", fgt.calls[0])
}

func TestRunVerificationMismatch(t *testing.T) {
	fgt := &fakeAppliance{activeCert: "stale_20220101", expired: []string{"LetsEncrypt-a_20200101"}}

	err := rotate.Run(context.Background(), fgt, rotate.Options{
		Name:        "example_20230501",
		Base:        "example",
		Certificate: []byte("CERT"),
		PrivateKey:  []byte("KEY"),
		PrunePrefix: "LetsEncrypt-",
	})

	var verifyErr *rotate.VerificationError
	require.ErrorAs(t, err, &verifyErr)
	require.Equal(t, "example_20230501", verifyErr.Want)
	require.Equal(t, "stale_20220101", verifyErr.Got)

	// No prune after a failed verification.
	require.NotContains(t, fgt.calls, "expired")
}

func TestRunPruneToleratesFailedDelete(t *testing.T) {
	fgt := &fakeAppliance{
		expired: []string{"LetsEncrypt-a_20200101", "LetsEncrypt-b_20200101", "LetsEncrypt-c_20200101"},
		deleteErr: map[string]error{
			"LetsEncrypt-b_20200101": &fortios.RequestError{Status: http.StatusInternalServerError, Body: "in use"},
		},
	}

	err := rotate.Run(context.Background(), fgt, rotate.Options{
		Name:        "example_20230501",
		Base:        "example",
		Certificate: []byte("CERT"),
		PrivateKey:  []byte("KEY"),
		PrunePrefix: "LetsEncrypt-",
	})
	require.NoError(t, err)

	require.Contains(t, fgt.calls, "delete LetsEncrypt-a_20200101")
	require.Contains(t, fgt.calls, "delete LetsEncrypt-b_20200101")
	require.Contains(t, fgt.calls, "delete LetsEncrypt-c_20200101")
}

func TestRunPruneStopsOnTransportError(t *testing.T) {
	transportErr := fmt.Errorf("dial tcp: connection refused")
	fgt := &fakeAppliance{
		expired: []string{"LetsEncrypt-a_20200101", "LetsEncrypt-b_20200101"},
		deleteErr: map[string]error{
			"LetsEncrypt-a_20200101": transportErr,
		},
	}

	err := rotate.Run(context.Background(), fgt, rotate.Options{
		Name:        "example_20230501",
		Base:        "example",
		Certificate: []byte("CERT"),
		PrivateKey:  []byte("KEY"),
		PrunePrefix: "LetsEncrypt-",
	})
	require.ErrorIs(t, err, transportErr)
	require.NotContains(t, fgt.calls, "delete LetsEncrypt-b_20200101")
}

func TestRunSkipsPruneWithoutBase(t *testing.T) {
	fgt := &fakeAppliance{expired: []string{"LetsEncrypt-a_20200101"}}

	err := rotate.Run(context.Background(), fgt, rotate.Options{
		Name:        "example_20230501",
		Certificate: []byte("CERT"),
		PrivateKey:  []byte("KEY"),
		PrunePrefix: "LetsEncrypt-",
	})
	require.NoError(t, err)

	require.NotContains(t, fgt.calls, "expired")
}

func TestRunListExpiredFailure(t *testing.T) {
	fgt := &fakeAppliance{listErr: errors.New("listing failed")}

	err := rotate.Run(context.Background(), fgt, rotate.Options{
		Name:        "example_20230501",
		Base:        "example",
		Certificate: []byte("CERT"),
		PrivateKey:  []byte("KEY"),
	})
	require.ErrorContains(t, err, "listing failed")
}

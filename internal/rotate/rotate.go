// Package rotate sequences the certificate swap against an appliance: upload
// if missing, activate for SSL-VPN and HTTPS management, verify, then prune
// expired leftovers.
package rotate

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sammimk830/fortigate/internal/fortios"
)

// Appliance is the subset of the API client the workflow drives.
type Appliance interface {
	ImportIntermediateCA(ctx context.Context, ca []byte) error
	CertificateExists(ctx context.Context, name string) (bool, error)
	ImportLeafCertificate(ctx context.Context, name string, cert, key []byte) error
	SetSSLVPNCertificate(ctx context.Context, name string) error
	SetHTTPSMgmtCertificate(ctx context.Context, name string) error
	HTTPSMgmtCertificate(ctx context.Context) (string, error)
	ExpiredCertificates(ctx context.Context) (iter.Seq[string], error)
	DeleteCertificate(ctx context.Context, name string) error
}

// VerificationError means the appliance reports a different active management
// certificate than the one just deployed. It is always fatal.
type VerificationError struct {
	Want string
	Got  string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("rotate: appliance reports active certificate %q, expected %q", e.Got, e.Want)
}

// Options carries the inputs for one rotation run.
type Options struct {
	// Name is the appliance-side certificate name, normally derived with
	// CertificateName.
	Name string
	// Base is the prefix portion of Name. Pruning is skipped when empty.
	Base string

	Certificate []byte
	PrivateKey  []byte
	// IntermediateCA is uploaded before the leaf when non-empty.
	IntermediateCA []byte

	// PrunePrefix selects which expired certificates are deleted after a
	// verified swap.
	PrunePrefix string

	Log logrus.FieldLogger
}

// CertificateName derives the appliance-side certificate name from the local
// certificate file: its base name without extension, joined with the file's
// modification date formatted with layout. The returned base is the name
// without the date suffix.
func CertificateName(path, layout string) (name, base string, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", "", fmt.Errorf("stat certificate file: %w", err)
	}

	base = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	return fmt.Sprintf("%s_%s", base, fi.ModTime().Format(layout)), base, nil
}

// Run performs one full rotation. The sequence is safe to re-run: the upload
// is guarded by an existence check and activation is idempotent on the
// appliance. Deletes only happen after the read-back verification succeeded,
// and only against expired certificates.
func Run(ctx context.Context, fgt Appliance, opts Options) error {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	if len(opts.IntermediateCA) > 0 {
		if err := fgt.ImportIntermediateCA(ctx, opts.IntermediateCA); err != nil {
			return fmt.Errorf("import intermediate CA: %w", err)
		}
		log.Info("intermediate CA imported")
	}

	exists, err := fgt.CertificateExists(ctx, opts.Name)
	if err != nil {
		return fmt.Errorf("check certificate %q: %w", opts.Name, err)
	}
	if exists {
		log.WithField("name", opts.Name).Info("certificate already uploaded, skipping import")
	} else {
		if err := fgt.ImportLeafCertificate(ctx, opts.Name, opts.Certificate, opts.PrivateKey); err != nil {
			return fmt.Errorf("import certificate %q: %w", opts.Name, err)
		}
		log.WithField("name", opts.Name).Info("certificate uploaded")
	}

	if err := fgt.SetSSLVPNCertificate(ctx, opts.Name); err != nil {
		return fmt.Errorf("set SSL-VPN certificate: %w", err)
	}
	if err := fgt.SetHTTPSMgmtCertificate(ctx, opts.Name); err != nil {
		return fmt.Errorf("set HTTPS management certificate: %w", err)
	}
	log.WithField("name", opts.Name).Info("certificate activated for SSL-VPN and HTTPS management")

	active, err := fgt.HTTPSMgmtCertificate(ctx)
	if err != nil {
		return fmt.Errorf("read back management certificate: %w", err)
	}
	if active != opts.Name {
		return &VerificationError{Want: opts.Name, Got: active}
	}
	log.WithField("name", active).Info("appliance confirms active certificate")

	if opts.Base == "" {
		return nil
	}

	return prune(ctx, fgt, opts.PrunePrefix, log)
}

// prune deletes expired certificates matching the prefix. Individual delete
// failures reported by the appliance are logged and skipped; anything else
// aborts the loop.
func prune(ctx context.Context, fgt Appliance, prefix string, log logrus.FieldLogger) error {
	expired, err := fgt.ExpiredCertificates(ctx)
	if err != nil {
		return fmt.Errorf("list expired certificates: %w", err)
	}

	for name := range expired {
		if !strings.HasPrefix(name, prefix) {
			continue
		}

		if err := fgt.DeleteCertificate(ctx, name); err != nil {
			var reqErr *fortios.RequestError
			if errors.As(err, &reqErr) {
				log.WithField("name", name).WithError(err).Warn("failed to prune expired certificate")
				continue
			}

			return fmt.Errorf("delete certificate %q: %w", name, err)
		}
		log.WithField("name", name).Info("pruned expired certificate")
	}

	return nil
}

// Package fortios is a minimal client for the FortiGate management API,
// covering the handful of certificate endpoints needed to rotate the
// SSL-VPN and HTTPS administration certificates.
package fortios

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const apiPrefix = "/api/v2"

// errDuplicateCA is the FortiOS error code returned when importing a CA
// certificate the appliance already holds.
const errDuplicateCA = -328

// RequestError reports an appliance response that did not match the expected
// outcome of an API call. Body holds the raw response for diagnostics.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("fortios: unexpected response (HTTP %d): %s", e.Status, e.Body)
}

// Config holds the connection parameters for a single appliance.
type Config struct {
	Host     string
	Port     int
	Token    string
	Insecure bool
	Timeout  time.Duration
	Logger   logrus.FieldLogger
}

// Client talks to one FortiGate appliance. It is read-only after New and safe
// to reuse across sequential calls.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     logrus.FieldLogger
}

// New returns a client bound to the given appliance. Insecure disables
// verification of the appliance's own TLS certificate, which is required for
// the first rotation against a fresh appliance that still presents its
// factory certificate.
func New(cfg Config) *Client {
	port := cfg.Port
	if port == 0 {
		port = 443
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Client{
		baseURL: fmt.Sprintf("https://%s:%d%s", cfg.Host, port, apiPrefix),
		token:   cfg.Token,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.Insecure},
			},
		},
		log: log,
	}
}

// do performs one API request and returns the response status and body.
// Transport-level failures are returned as-is so callers can distinguish them
// from appliance responses.
func (c *Client) do(ctx context.Context, method, endpoint string, params url.Values, body any) (int, []byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("access_token", c.token)

	reqURL := c.baseURL + "/" + endpoint + "?" + params.Encode()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.log.WithFields(logrus.Fields{"method": method, "endpoint": endpoint}).Debug("API request")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}

	c.log.WithFields(logrus.Fields{"method": method, "endpoint": endpoint, "status": resp.StatusCode}).Debug("API response")

	return resp.StatusCode, respBody, nil
}

type caImportRequest struct {
	ImportMethod string `json:"import_method"`
	Scope        string `json:"scope"`
	FileContent  string `json:"file_content"`
}

// ImportIntermediateCA uploads an intermediate CA certificate. Importing a CA
// the appliance already holds is treated as success.
func (c *Client) ImportIntermediateCA(ctx context.Context, ca []byte) error {
	status, body, err := c.do(ctx, http.MethodPost, "monitor/vpn-certificate/ca/import", nil, caImportRequest{
		ImportMethod: "file",
		Scope:        "global",
		FileContent:  base64.StdEncoding.EncodeToString(ca),
	})
	if err != nil {
		return err
	}

	if status == http.StatusInternalServerError {
		var result struct {
			Error int `json:"error"`
		}
		if json.Unmarshal(body, &result) == nil && result.Error == errDuplicateCA {
			c.log.Debug("intermediate CA already present on appliance")
			return nil
		}
	}

	if status != http.StatusOK {
		return &RequestError{Status: status, Body: string(body)}
	}

	return nil
}

// CertificateExists reports whether a local certificate with the given name
// is present on the appliance.
func (c *Client) CertificateExists(ctx context.Context, name string) (bool, error) {
	status, body, err := c.do(ctx, http.MethodGet, "cmdb/certificate/local/"+url.PathEscape(name), nil, nil)
	if err != nil {
		return false, err
	}

	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, &RequestError{Status: status, Body: string(body)}
	}
}

// DeleteCertificate removes a local certificate from the appliance.
func (c *Client) DeleteCertificate(ctx context.Context, name string) error {
	status, body, err := c.do(ctx, http.MethodDelete, "cmdb/certificate/local/"+url.PathEscape(name), nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &RequestError{Status: status, Body: string(body)}
	}

	return nil
}

type leafImportRequest struct {
	Type           string `json:"type"`
	CertName       string `json:"certname"`
	Scope          string `json:"scope"`
	ImportMethod   string `json:"import_method"`
	FileContent    string `json:"file_content"`
	KeyFileContent string `json:"key_file_content"`
}

// ImportLeafCertificate uploads a certificate and its private key under the
// given name.
func (c *Client) ImportLeafCertificate(ctx context.Context, name string, cert, key []byte) error {
	status, body, err := c.do(ctx, http.MethodPost, "monitor/vpn-certificate/local/import", nil, leafImportRequest{
		Type:           "regular",
		CertName:       name,
		Scope:          "global",
		ImportMethod:   "file",
		FileContent:    base64.StdEncoding.EncodeToString(cert),
		KeyFileContent: base64.StdEncoding.EncodeToString(key),
	})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &RequestError{Status: status, Body: string(body)}
	}

	return nil
}

// SetSSLVPNCertificate points the SSL-VPN portal at the named certificate.
// The appliance drops established TLS sessions when this setting changes, so
// a connection reset during the call counts as success.
func (c *Client) SetSSLVPNCertificate(ctx context.Context, name string) error {
	return c.putSetting(ctx, "cmdb/vpn.ssl/settings", map[string]string{"servercert": name})
}

// SetHTTPSMgmtCertificate points the HTTPS administration interface at the
// named certificate, with the same connection-drop tolerance as
// SetSSLVPNCertificate.
func (c *Client) SetHTTPSMgmtCertificate(ctx context.Context, name string) error {
	return c.putSetting(ctx, "cmdb/system/global", map[string]string{"admin-server-cert": name})
}

func (c *Client) putSetting(ctx context.Context, endpoint string, body map[string]string) error {
	status, respBody, err := c.do(ctx, http.MethodPut, endpoint, nil, body)
	if err != nil {
		if isConnectionDrop(err) {
			c.log.WithField("endpoint", endpoint).Debug("connection dropped while changing certificate setting, treating as applied")
			return nil
		}

		return err
	}
	if status != http.StatusOK {
		return &RequestError{Status: status, Body: string(respBody)}
	}

	return nil
}

// isConnectionDrop reports whether err looks like the peer closing the
// connection mid-request. Only the two settings PUTs may interpret this as
// success.
func isConnectionDrop(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// HTTPSMgmtCertificate returns the certificate name currently configured for
// the HTTPS administration interface.
func (c *Client) HTTPSMgmtCertificate(ctx context.Context) (string, error) {
	status, body, err := c.do(ctx, http.MethodGet, "cmdb/system/global", nil, nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", &RequestError{Status: status, Body: string(body)}
	}

	var result struct {
		Results struct {
			AdminServerCert string `json:"admin-server-cert"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &result); err != nil || result.Results.AdminServerCert == "" {
		return "", &RequestError{Status: status, Body: string(body)}
	}

	return result.Results.AdminServerCert, nil
}

// ExpiredCertificates returns the names of certificates whose validity ended
// before now, as a single-use sequence over the one page the appliance
// returns.
func (c *Client) ExpiredCertificates(ctx context.Context) (iter.Seq[string], error) {
	status, body, err := c.do(ctx, http.MethodGet, "monitor/system/available-certificates", url.Values{"scope": {"global"}}, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &RequestError{Status: status, Body: string(body)}
	}

	var result struct {
		Results []struct {
			Name    string `json:"name"`
			ValidTo int64  `json:"valid_to"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &RequestError{Status: status, Body: string(body)}
	}

	now := time.Now().Unix()
	return func(yield func(string) bool) {
		for _, cert := range result.Results {
			if cert.ValidTo >= now {
				continue
			}

			if !yield(cert.Name) {
				return
			}
		}
	}, nil
}

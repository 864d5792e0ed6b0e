// Package logging configures the process logger and makes sure secrets never
// reach a log line.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/sammimk830/fortigate/internal/config"
)

// scrubPatterns redact API tokens and PEM material from rendered log lines.
var scrubPatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)(access_token=)[A-Za-z0-9._\-]+`), `${1}<REDACTED>`},
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9._\-]+=*`), `${1}<REDACTED>`},
	{regexp.MustCompile(`(?is)(["']?token["']?\s*[:=]\s*["']?)[^"'\s]+`), `${1}<REDACTED>`},
	{regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`), `<PRIVATE-KEY-REDACTED>`},
	{regexp.MustCompile(`(?s)-----BEGIN CERTIFICATE-----.*?-----END CERTIFICATE-----`), `<CERTIFICATE-REDACTED>`},
}

// Scrub removes secrets from a rendered log line.
func Scrub(line []byte) []byte {
	for _, p := range scrubPatterns {
		line = p.re.ReplaceAll(line, []byte(p.replacement))
	}

	return line
}

type scrubFormatter struct {
	inner logrus.Formatter
}

func (f scrubFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	line, err := f.inner.Format(entry)
	if err != nil {
		return nil, err
	}

	return Scrub(line), nil
}

// Setup returns a logger writing scrubbed text to stderr and, when path is
// non-empty, appending to the given file (parent directories are created).
func Setup(path, level string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(scrubFormatter{inner: &logrus.TextFormatter{FullTimestamp: true}})

	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	if path == "" {
		return log, nil
	}

	path, err := config.ExpandHome(path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stderr, file))

	return log, nil
}

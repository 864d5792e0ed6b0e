package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sammimk830/fortigate/internal/config"
	"github.com/sammimk830/fortigate/internal/fortios"
	"github.com/sammimk830/fortigate/internal/logging"
	"github.com/sammimk830/fortigate/internal/rotate"
	"github.com/sammimk830/fortigate/internal/version"
)

type cmdRotate struct {
	flagConfig string
	flags      config.Config
}

func main() {
	rotateCmd := cmdRotate{}

	app := &cobra.Command{
		Use:   "fortigate-cert-rotate",
		Short: "Rotate the SSL-VPN and HTTPS management certificates on a FortiGate",
		Long: `Description:
  Upload a certificate to a FortiGate, switch the SSL-VPN portal and the HTTPS
  management interface to it, verify the switch took effect and prune expired
  certificates matching a naming prefix.
`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          rotateCmd.run,
	}

	app.Flags().StringVar(&rotateCmd.flagConfig, "config", "", "Path to YAML configuration file")
	app.Flags().StringVar(&rotateCmd.flags.Host, "host", "", "FortiGate host or IP address")
	app.Flags().IntVar(&rotateCmd.flags.Port, "port", 0, "FortiGate HTTPS port (default 443)")
	app.Flags().StringVar(&rotateCmd.flags.TokenFile, "token-file", "", "Path to a file holding the API token")
	app.Flags().StringVar(&rotateCmd.flags.Cert, "cert", "", "Path to the leaf certificate (PEM)")
	app.Flags().StringVar(&rotateCmd.flags.Key, "key", "", "Path to the private key (PEM)")
	app.Flags().StringVar(&rotateCmd.flags.Chain, "chain", "", "Path to an intermediate CA certificate to import first (PEM, optional)")
	app.Flags().StringVar(&rotateCmd.flags.DateFormat, "date-format", "", "Go time layout for the certificate name suffix (default 20060102)")
	app.Flags().StringVar(&rotateCmd.flags.PrunePrefix, "prune-prefix", "", "Delete expired certificates whose name starts with this prefix")
	app.Flags().BoolVar(&rotateCmd.flags.Insecure, "insecure", false, "Skip verification of the appliance TLS certificate")
	app.Flags().IntVar(&rotateCmd.flags.Timeout, "timeout", 0, "HTTP timeout in seconds (default 30)")
	app.Flags().StringVar(&rotateCmd.flags.Log, "log", "", "Log file path")
	app.Flags().StringVar(&rotateCmd.flags.LogLevel, "log-level", "", "Log level (info|debug)")

	err := app.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (c *cmdRotate) run(cmd *cobra.Command, args []string) error {
	cfg := config.Defaults()
	if c.flagConfig != "" {
		fileCfg, err := config.Load(c.flagConfig)
		if err != nil {
			return err
		}
		cfg = config.Merge(cfg, fileCfg)
	}
	cfg = config.Merge(cfg, c.flags)

	err := cfg.Validate()
	if err != nil {
		return err
	}

	log, err := logging.Setup(cfg.Log, cfg.LogLevel)
	if err != nil {
		return err
	}

	token, err := loadFile(cfg.TokenFile)
	if err != nil {
		return err
	}

	certPEM, err := loadFile(cfg.Cert)
	if err != nil {
		return err
	}

	keyPEM, err := loadFile(cfg.Key)
	if err != nil {
		return err
	}

	var chainPEM []byte
	if cfg.Chain != "" {
		chainPEM, err = loadFile(cfg.Chain)
		if err != nil {
			return err
		}
	}

	certPath, err := config.ExpandHome(cfg.Cert)
	if err != nil {
		return err
	}

	name, base, err := rotate.CertificateName(certPath, cfg.DateFormat)
	if err != nil {
		return err
	}

	log.WithFields(map[string]any{"host": cfg.Host, "name": name}).Info("starting certificate rotation")

	client := fortios.New(fortios.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Token:    strings.TrimSpace(string(token)),
		Insecure: cfg.Insecure,
		Timeout:  time.Duration(cfg.Timeout) * time.Second,
		Logger:   log,
	})

	err = rotate.Run(cmd.Context(), client, rotate.Options{
		Name:           name,
		Base:           base,
		Certificate:    certPEM,
		PrivateKey:     keyPEM,
		IntermediateCA: chainPEM,
		PrunePrefix:    cfg.PrunePrefix,
		Log:            log,
	})
	if err != nil {
		return err
	}

	log.WithField("name", name).Info("certificate rotation completed")

	return nil
}

func loadFile(path string) ([]byte, error) {
	path, err := config.ExpandHome(path)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("file is empty: %s", path)
	}

	return content, nil
}

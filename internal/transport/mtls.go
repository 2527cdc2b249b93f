package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/ferrydb/ferry/internal/config"
)

// BuildTLSConfig turns the mTLS section into a *tls.Config for node-to-node
// HTTP. Disabled mTLS yields a nil config (plain client TLS defaults).
// Enabled mTLS with missing or unreadable material is a hard error: a
// partially configured trust boundary must stop startup, not degrade to
// unauthenticated transport.
func BuildTLSConfig(cfg config.MTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.CAFile == "" || cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, fmt.Errorf("mtls enabled but ca_file, cert_file and key_file are not all set")
	}

	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("reading mtls ca_file: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("mtls ca_file %s contains no usable certificates", cfg.CAFile)
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading mtls keypair: %w", err)
	}

	return &tls.Config{
		RootCAs:      caPool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

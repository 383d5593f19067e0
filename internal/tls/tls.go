// Package tls builds the admin server's TLS configuration from files on
// disk, generating a self-signed pair on first use when asked to.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/daemonkit/internal/config"
)

const (
	dirCert = "tls.crt"
	dirKey  = "tls.key"

	defaultValidDays = 365 * 5
)

func parseMinVersion(ver string) (uint16, error) {
	switch strings.ToLower(ver) {
	case "", "default", "1.3", "tls1.3":
		return tls.VersionTLS13, nil
	case "1.2", "tls1.2":
		return tls.VersionTLS12, nil
	default:
		return 0, fmt.Errorf("unsupported tls min_version %q", ver)
	}
}

// certLoader re-reads the pair on every handshake, so rotated certificates
// are served without a reload.
func certLoader(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	certFile, keyFile = filepath.Clean(certFile), filepath.Clean(keyFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		pair, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		return &pair, nil
	}
}

// Setup returns nil when TLS is disabled.
func Setup(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	minVer, err := parseMinVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}

	certPath, keyPath := cfg.CertFile, cfg.KeyFile
	if certPath == "" || keyPath == "" {
		if cfg.Dir == "" {
			return nil, errors.New("tls enabled but no certificate configured")
		}
		certPath, keyPath = filepath.Join(cfg.Dir, dirCert), filepath.Join(cfg.Dir, dirKey)
		if cfg.AutoGenerate && !exists(certPath, keyPath) {
			if err := generate(cfg, certPath, keyPath); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	// Fail at startup rather than on the first handshake.
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}

	// #nosec G402 min version is configurable down to 1.2 only
	return &tls.Config{
		GetCertificate: certLoader(certPath, keyPath),
		MinVersion:     minVer,
	}, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func generate(cfg config.TLSConfig, certPath, keyPath string) error {
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return err
	}
	cn := cfg.CommonName
	if cn == "" {
		cn = "localhost"
	}
	days := cfg.ValidDays
	if days <= 0 {
		days = defaultValidDays
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   cn,
		Organization: "daemonkit",
		DNSNames:     []string{cn, "localhost"},
		IPAddresses:  []string{"127.0.0.1", "::1"},
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     certPath,
		KeyPath:      keyPath,
	})
}

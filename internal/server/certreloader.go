// -------------------------------------------------------------------------------
// CertReloader - Management API TLS
//
// Author: Alex Freidah
//
// Holds the management API certificate behind an atomic pointer so a SIGHUP
// can swap it while handshakes are in flight, and builds the listener's
// tls.Config from the server.tls settings including optional client
// certificate verification.
// -------------------------------------------------------------------------------

package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/afreidah/shortlinkd/internal/config"
)

// -------------------------------------------------------------------------
// CERT RELOADER
// -------------------------------------------------------------------------

// CertReloader serves the current certificate to TLS handshakes and replaces
// it on Reload.
type CertReloader struct {
	certFile string
	keyFile  string
	cert     atomic.Pointer[tls.Certificate]
}

// NewCertReloader loads the initial certificate from disk.
func NewCertReloader(certFile, keyFile string) (*CertReloader, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	cr := &CertReloader{certFile: certFile, keyFile: keyFile}
	cr.cert.Store(&cert)
	return cr, nil
}

// GetCertificate is the tls.Config.GetCertificate callback.
func (cr *CertReloader) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return cr.cert.Load(), nil
}

// Reload re-reads the key pair. Invalid files leave the current certificate
// in place.
func (cr *CertReloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(cr.certFile, cr.keyFile)
	if err != nil {
		return fmt.Errorf("failed to reload TLS certificate: %w", err)
	}
	cr.cert.Store(&cert)
	slog.Info("TLS certificate reloaded", "cert_file", cr.certFile)
	return nil
}

// -------------------------------------------------------------------------
// TLS CONFIG
// -------------------------------------------------------------------------

// NewTLSConfig builds the management listener's TLS configuration around
// the reloader. A client CA file turns on mutual TLS.
func NewTLSConfig(cfg config.TLSConfig, cr *CertReloader) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		GetCertificate: cr.GetCertificate,
		MinVersion:     parseTLSVersion(cfg.MinVersion),
	}

	if cfg.ClientCAFile != "" {
		caCert, err := os.ReadFile(cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in client CA file %s", cfg.ClientCAFile)
		}
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		tlsCfg.ClientCAs = pool
	}

	return tlsCfg, nil
}

// parseTLSVersion maps a config string to a tls.VersionTLS constant.
func parseTLSVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

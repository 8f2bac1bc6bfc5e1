package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/kadeem-park/revtun/pkg/tunnelerr"
)

// loadChain loads a PEM/DER key pair and parses every certificate in the
// chain (not just the leaf), since the mTLS listener config and the
// client dialer config below treat specific elements of the bundle as
// trust anchors rather than just presenting the leaf.
func loadChain(certFile, keyFile string) (tls.Certificate, []*x509.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, nil, tunnelerr.NewTLS("load key pair", err)
	}
	chain := make([]*x509.Certificate, len(cert.Certificate))
	for i, der := range cert.Certificate {
		parsed, err := x509.ParseCertificate(der)
		if err != nil {
			return tls.Certificate{}, nil, tunnelerr.NewTLS("parse certificate chain", err)
		}
		chain[i] = parsed
	}
	return cert, chain, nil
}

func withSecureProfile(cfg *tls.Config) *tls.Config {
	ApplyVersionProfile(cfg, ProfileSecure)
	ApplyCipherSuites(cfg, cfg.MinVersion)
	return cfg
}

// BuildHTTPSListenerConfig returns the TLS server config for the
// externally reachable HTTPS port: server certificate only, no client
// authentication.
func BuildHTTPSListenerConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, _, err := loadChain(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return withSecureProfile(&tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}), nil
}

// BuildMTLSListenerConfig returns the TLS server config for the
// Client-facing control port: the server's own certificate chain's
// first element is used as the trust anchor a connecting Client's
// certificate must chain to, so only Clients holding a certificate
// signed by that same root are accepted.
func BuildMTLSListenerConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, chain, err := loadChain(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, tunnelerr.NewConfigInvalid("server certificate file contains no certificates")
	}

	pool := x509.NewCertPool()
	pool.AddCert(chain[0])

	return withSecureProfile(&tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
	}), nil
}

// BuildClientDialerConfig returns the TLS client config the tunnel
// Client uses to reach the Server's control port (both for the
// long-lived control link and for every fresh back-channel). The
// Client's own certificate is presented for mutual authentication;
// every certificate in its bundle except the first is treated as a
// trusted root for verifying the Server, mirroring the Server's
// "first element of its own chain is the trust anchor" convention.
func BuildClientDialerConfig(certFile, keyFile, serverName string) (*tls.Config, error) {
	cert, chain, err := loadChain(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	if len(chain) < 2 {
		return nil, tunnelerr.NewConfigInvalid("client certificate bundle must include at least one trusted root after the leaf")
	}

	pool := x509.NewCertPool()
	for _, c := range chain[1:] {
		pool.AddCert(c)
	}

	return withSecureProfile(&tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   serverName,
	}), nil
}

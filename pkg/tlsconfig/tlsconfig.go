// Package tlsconfig provides the TLS version/cipher-suite profile this
// system pins every listener and dialer to.
package tlsconfig

import "crypto/tls"

// TLS protocol version identifiers, aliased for readability at call sites.
const (
	VersionTLS12 uint16 = tls.VersionTLS12
	VersionTLS13 uint16 = tls.VersionTLS13
)

// VersionProfile names a version range to apply to a tls.Config.
type VersionProfile struct {
	Min         uint16
	Max         uint16
	Description string
}

// ProfileSecure is the only profile this system uses: TLS 1.2 through
// 1.3. Every listener and dialer in the tunnel speaks only these
// versions; there is no legacy-compatibility mode to fall back to.
var ProfileSecure = VersionProfile{
	Min:         VersionTLS12,
	Max:         VersionTLS13,
	Description: "TLS 1.2+ - secure and widely compatible",
}

// CipherSuitesTLS12Secure is the ECDHE/AEAD cipher suite list applied to
// a TLS 1.2 handshake. TLS 1.3 negotiates its own suites and ignores
// this list entirely.
var CipherSuitesTLS12Secure = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

// ApplyVersionProfile applies profile's version range to config.
func ApplyVersionProfile(config *tls.Config, profile VersionProfile) {
	config.MinVersion = profile.Min
	config.MaxVersion = profile.Max
}

// ApplyCipherSuites sets config's cipher suite list for a TLS 1.2
// handshake, or clears it for TLS 1.3 where the suite list plays no part
// in negotiation.
func ApplyCipherSuites(config *tls.Config, minVersion uint16) {
	if minVersion >= VersionTLS13 {
		config.CipherSuites = nil
		return
	}
	config.CipherSuites = CipherSuitesTLS12Secure
}

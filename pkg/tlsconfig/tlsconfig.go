// Package tlsconfig turns one of the engine's two real TLS security
// postures — Strict and Lenient (spec §3/§4.5; Cleartext carries no TLS
// config at all) — into concrete crypto/tls.Config version bounds and
// cipher suites. Only the versions and profiles the escalation ladder can
// actually produce are represented here; there is no SSL 3.0 or
// TLS-1.1-only tier because the ladder never negotiates one.
package tlsconfig

import "crypto/tls"

// SSL/TLS protocol version identifiers the escalation ladder can produce.
const (
	// VersionTLS10 is the floor of the Lenient profile (spec §4.5: Lenient
	// widens compatibility but never disables TLS outright — that's what
	// Cleartext is for).
	VersionTLS10 uint16 = tls.VersionTLS10

	// VersionTLS12 is the floor of the Strict profile and the minimum this
	// package ever calls "secure."
	VersionTLS12 uint16 = tls.VersionTLS12

	// VersionTLS13 is the ceiling of every profile below.
	VersionTLS13 uint16 = tls.VersionTLS13
)

// VersionProfile names a [Min, Max] TLS version range.
type VersionProfile struct {
	Min         uint16
	Max         uint16
	Description string
}

var (
	// ProfileSecure backs the Strict security level: TLS 1.2+, no
	// concession to older peers.
	ProfileSecure = VersionProfile{
		Min:         VersionTLS12,
		Max:         VersionTLS13,
		Description: "TLS 1.2+ - secure and widely compatible",
	}

	// ProfileCompatible backs the Lenient security level: TLS 1.0+, the
	// floor spec §4.5's fallback step is still willing to negotiate.
	ProfileCompatible = VersionProfile{
		Min:         VersionTLS10,
		Max:         VersionTLS13,
		Description: "TLS 1.0+ - maximum compatibility short of cleartext",
	}
)

// GetVersionName returns a human-readable name for a negotiated TLS
// version, used in connection-established log fields (internal/transport)
// instead of a second, duplicate switch over the same version constants.
func GetVersionName(version uint16) string {
	switch version {
	case VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case VersionTLS12:
		return "TLS 1.2"
	case VersionTLS13:
		return "TLS 1.3"
	default:
		return "unknown TLS version"
	}
}

// IsVersionDeprecated reports whether version falls below the Strict
// floor — only reachable once a connection has fallen back to Lenient,
// and worth a warn-level log line when it happens.
func IsVersionDeprecated(version uint16) bool {
	return version < VersionTLS12
}

// Cipher suites this package is willing to negotiate, strongest first.
var (
	// CipherSuitesTLS13 is informational only: TLS 1.3 suite selection is
	// handled entirely by crypto/tls when Config.CipherSuites is nil.
	CipherSuitesTLS13 = []uint16{
		tls.TLS_AES_128_GCM_SHA256,
		tls.TLS_AES_256_GCM_SHA384,
		tls.TLS_CHACHA20_POLY1305_SHA256,
	}

	// CipherSuitesSecure backs ProfileSecure: ECDHE with AEAD only.
	CipherSuitesSecure = []uint16{
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	}

	// CipherSuitesCompatible backs ProfileCompatible: the secure set plus
	// CBC-mode suites older peers may still require.
	CipherSuitesCompatible = []uint16{
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
		tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	}
)

// GetCipherSuiteName returns a human-readable name for a negotiated cipher
// suite, used alongside GetVersionName in connection-established log
// fields.
func GetCipherSuiteName(suite uint16) string {
	switch suite {
	case tls.TLS_AES_128_GCM_SHA256:
		return "TLS_AES_128_GCM_SHA256"
	case tls.TLS_AES_256_GCM_SHA384:
		return "TLS_AES_256_GCM_SHA384"
	case tls.TLS_CHACHA20_POLY1305_SHA256:
		return "TLS_CHACHA20_POLY1305_SHA256"

	case tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256:
		return "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256"
	case tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384:
		return "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384"
	case tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256:
		return "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256"
	case tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384:
		return "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384"
	case tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256:
		return "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256"
	case tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256:
		return "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256"

	case tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256:
		return "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256"
	case tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA:
		return "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA"
	case tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256:
		return "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256"
	case tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA:
		return "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA"
	case tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA:
		return "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA"
	case tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA:
		return "TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA"

	default:
		return "unknown cipher suite"
	}
}

// ApplyVersionProfile applies profile's version bounds to config.
func ApplyVersionProfile(config *tls.Config, profile VersionProfile) {
	config.MinVersion = profile.Min
	config.MaxVersion = profile.Max
}

// ApplyCipherSuites picks the cipher suite list matching minVersion. TLS
// 1.3 leaves config.CipherSuites nil since crypto/tls chooses its own
// fixed TLS 1.3 suites regardless of this field.
func ApplyCipherSuites(config *tls.Config, minVersion uint16) {
	switch {
	case minVersion >= VersionTLS13:
		config.CipherSuites = nil
	case minVersion >= VersionTLS12:
		config.CipherSuites = CipherSuitesSecure
	default:
		config.CipherSuites = CipherSuitesCompatible
	}
}

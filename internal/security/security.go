// Package security implements the Stream Security Policy View and the TLS
// escalation ladder (Strict → Lenient → Cleartext) described in spec §3/§4.5.
package security

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/nimbuschat/pubsocket/pkg/tlsconfig"
)

// Level is the connection's current security posture. A connection starts
// at Strict (at Cleartext when its snapshot does not prefer secure
// transport) and only ever steps down, never back up, within one lifetime
// (spec §4.5).
type Level int

const (
	Strict Level = iota
	Lenient
	Cleartext
)

func (l Level) String() string {
	switch l {
	case Strict:
		return "strict"
	case Lenient:
		return "lenient"
	case Cleartext:
		return "cleartext"
	default:
		return "unknown"
	}
}

// Next returns the next weaker level and whether fallback is still
// possible. Cleartext has no further fallback (spec §4.5: "failure at
// Cleartext is terminal").
func (l Level) Next() (Level, bool) {
	switch l {
	case Strict:
		return Lenient, true
	case Lenient:
		return Cleartext, true
	default:
		return l, false
	}
}

// Port returns the default origin port for a level (spec §3/§4.5: 443 for
// Strict/Lenient, 80 for Cleartext).
func (l Level) Port() int {
	if l == Cleartext {
		return 80
	}
	return 443
}

// Options is the Stream Security Policy View of spec §3: the concrete set
// of SSL options in effect for one connect attempt.
type Options struct {
	Level Level

	// MinVersion/MaxVersion bound the negotiated TLS version.
	MinVersion uint16
	MaxVersion uint16

	// ValidateChain, when false, disables crypto/tls's built-in chain
	// verification and installs the custom verifier that applies the
	// Allow* flags below (Lenient).
	ValidateChain bool

	// AllowExpiredCert and AllowExpiredRoots permit expired leaf/root
	// certificates to still be accepted. They take effect only when
	// ValidateChain is false.
	AllowExpiredCert  bool
	AllowExpiredRoots bool

	// AllowAnyRoot skips root-of-trust pinning, accepting any
	// self-signed or otherwise untrusted root.
	AllowAnyRoot bool

	// PinnedPeerCert, when non-nil, requires the leaf certificate to
	// match exactly (certificate pinning), overriding chain validation.
	PinnedPeerCert *x509.Certificate

	RootCAs []byte // optional custom CA bundle, PEM-encoded
}

// PolicyForLevel returns the Options in effect for level, or nil for
// Cleartext (spec §4.5: Cleartext carries no TLS options at all).
func PolicyForLevel(level Level) *Options {
	switch level {
	case Strict:
		return &Options{
			Level:         Strict,
			MinVersion:    tlsconfig.VersionTLS12,
			MaxVersion:    tlsconfig.VersionTLS13,
			ValidateChain: true,
		}
	case Lenient:
		return &Options{
			Level:             Lenient,
			MinVersion:        tlsconfig.VersionTLS10,
			MaxVersion:        tlsconfig.VersionTLS13,
			ValidateChain:     false,
			AllowExpiredCert:  true,
			AllowExpiredRoots: true,
			AllowAnyRoot:      true,
		}
	default:
		return nil
	}
}

// TLSConfig builds a concrete crypto/tls.Config realizing these options
// against host. Callers must check the connection's Level != Cleartext
// before calling this (Cleartext has no Options at all).
func (o *Options) TLSConfig(host string) *tls.Config {
	cfg := &tls.Config{
		ServerName: host,
		NextProtos: []string{"http/1.1"},
	}

	profile := tlsconfig.ProfileSecure
	if o.Level == Lenient {
		profile = tlsconfig.ProfileCompatible
	}
	if o.MinVersion != 0 {
		profile.Min = o.MinVersion
	}
	if o.MaxVersion != 0 {
		profile.Max = o.MaxVersion
	}
	tlsconfig.ApplyVersionProfile(cfg, profile)
	tlsconfig.ApplyCipherSuites(cfg, cfg.MinVersion)

	if len(o.RootCAs) > 0 {
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(o.RootCAs)
		cfg.RootCAs = pool
	}

	if !o.ValidateChain {
		// Lenient: disable Go's built-in verification but still run our
		// own permissive check so expired-cert/expired-roots/any-root can
		// be realized individually rather than accepting everything.
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = o.verifyPeerCertificate()
	}

	if o.PinnedPeerCert != nil {
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = o.verifyPinnedCertificate()
	}

	return cfg
}

// verifyPeerCertificate implements the Lenient chain check: parse the
// chain (so a genuinely malformed certificate still fails) and then gate
// leaf expiry and root trust on AllowExpiredCert/AllowExpiredRoots/
// AllowAnyRoot individually, rather than treating them as one combined
// "accept everything" switch.
func (o *Options) verifyPeerCertificate() func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("security: no peer certificate presented")
		}
		certs := make([]*x509.Certificate, len(rawCerts))
		for i, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("security: parsing peer certificate: %w", err)
			}
			certs[i] = cert
		}
		leaf := certs[0]

		if !o.AllowExpiredCert {
			now := time.Now()
			if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
				return fmt.Errorf("security: peer certificate is expired or not yet valid")
			}
		}

		if o.AllowAnyRoot {
			return nil
		}

		intermediates := x509.NewCertPool()
		for _, c := range certs[1:] {
			intermediates.AddCert(c)
		}
		verifyTime := time.Now()
		if o.AllowExpiredCert {
			// The leaf may be outside its own validity window and that's
			// allowed; pin verification time inside the leaf's window so
			// root trust isn't rejected purely on the leaf's own clock.
			verifyTime = leaf.NotBefore.Add(time.Hour)
		}
		_, err := leaf.Verify(x509.VerifyOptions{
			Roots:         o.rootPool(),
			Intermediates: intermediates,
			CurrentTime:   verifyTime,
		})
		if err != nil && !(o.AllowExpiredRoots && isExpiryError(err)) {
			return fmt.Errorf("security: root trust check failed: %w", err)
		}
		return nil
	}
}

// rootPool returns the configured RootCAs pool, or nil to make Verify fall
// back to the system root pool.
func (o *Options) rootPool() *x509.CertPool {
	if len(o.RootCAs) == 0 {
		return nil
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(o.RootCAs)
	return pool
}

func isExpiryError(err error) bool {
	var invalid x509.CertificateInvalidError
	return errors.As(err, &invalid) && invalid.Reason == x509.Expired
}

func (o *Options) verifyPinnedCertificate() func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("security: no peer certificate presented")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("security: parsing peer certificate: %w", err)
		}
		if !leaf.Equal(o.PinnedPeerCert) {
			return fmt.Errorf("security: peer certificate does not match pinned certificate")
		}
		return nil
	}
}

// Package config loads the Configuration snapshot of spec §3/§6 through
// github.com/spf13/viper, matching the ambient configuration pattern the
// rest of the retrieval pack (nabbar-golib/config) uses: a typed struct
// populated from a viper instance backed by file, environment, or
// programmatic values.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Snapshot is the configuration a Connection is constructed from. Per
// spec §6, it is read once at construction time; later changes to the
// backing viper instance never retroactively reconfigure an open
// connection.
type Snapshot struct {
	OriginHost             string
	OriginPort             int // 0 derives the port from the current security level (443/80)
	PreferSecure           bool
	AllowReduceSecurity    bool
	AllowCleartextFallback bool

	ConnTimeout time.Duration
	DNSTimeout  time.Duration
}

// Load reads a Snapshot from v. Missing keys fall back to the defaults
// below, matching the teacher lineage's "sensible defaults for backward
// compatibility" posture.
func Load(v *viper.Viper) Snapshot {
	if v == nil {
		v = viper.New()
	}

	v.SetDefault("origin_host", "")
	v.SetDefault("origin_port", 0)
	v.SetDefault("prefer_secure", true)
	v.SetDefault("allow_reduce_security", true)
	v.SetDefault("allow_cleartext_fallback", false)
	v.SetDefault("conn_timeout", 10*time.Second)
	v.SetDefault("dns_timeout", 5*time.Second)

	return Snapshot{
		OriginHost:             v.GetString("origin_host"),
		OriginPort:             v.GetInt("origin_port"),
		PreferSecure:           v.GetBool("prefer_secure"),
		AllowReduceSecurity:    v.GetBool("allow_reduce_security"),
		AllowCleartextFallback: v.GetBool("allow_cleartext_fallback"),
		ConnTimeout:            v.GetDuration("conn_timeout"),
		DNSTimeout:             v.GetDuration("dns_timeout"),
	}
}

// New builds a Snapshot directly from values, bypassing viper, for callers
// that construct configuration programmatically rather than from a file
// or environment (e.g. tests).
func New(originHost string, preferSecure, allowReduceSecurity, allowCleartextFallback bool) Snapshot {
	return Snapshot{
		OriginHost:             originHost,
		PreferSecure:           preferSecure,
		AllowReduceSecurity:    allowReduceSecurity,
		AllowCleartextFallback: allowCleartextFallback,
		ConnTimeout:            10 * time.Second,
		DNSTimeout:             5 * time.Second,
	}
}

// WithPort returns a copy of the snapshot pinned to an explicit origin
// port instead of deriving one from the security level — for origins
// already fronted on a non-standard port, and for tests driving a
// loopback listener.
func (s Snapshot) WithPort(port int) Snapshot {
	s.OriginPort = port
	return s
}

// Package timing measures the phases of a connection engine's socket
// lifecycle: DNS resolution, TCP connect, and TLS handshake for a single
// prepare/connect attempt, plus the request/response latency of whatever
// is currently in flight on an already-established connection. A fresh
// Timer is created each time Connection.prepare runs (spec §4.2), so a
// TLS-fallback reconnect gets its own Timer rather than reusing timings
// from the rejected attempt.
package timing

import (
	"fmt"
	"time"
)

// AttemptMetrics captures how long one connect attempt spent in each phase.
type AttemptMetrics struct {
	// DNSLookup is the time spent resolving the origin host.
	DNSLookup time.Duration `json:"dns_lookup"`

	// TCPConnect is the time spent establishing the TCP socket.
	TCPConnect time.Duration `json:"tcp_connect"`

	// TLSHandshake is the time spent negotiating TLS (zero at Cleartext).
	TLSHandshake time.Duration `json:"tls_handshake"`

	// SinceStart is elapsed time from Timer construction to the GetMetrics
	// call, i.e. the full prepare-to-connected span for this attempt.
	SinceStart time.Duration `json:"since_start"`
}

// Timer measures one connect attempt's phases plus, once the connection
// is open, the round-trip of whichever request is currently in flight on
// the socket (spec §4.3/§4.4: write-complete to first response byte).
type Timer struct {
	start    time.Time
	dnsStart time.Time
	dnsEnd   time.Time
	tcpStart time.Time
	tcpEnd   time.Time
	tlsStart time.Time
	tlsEnd   time.Time

	inFlightStart time.Time
	lastRoundTrip time.Duration
}

// NewTimer starts timing a new connect attempt.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// StartDNS marks the beginning of DNS resolution.
func (t *Timer) StartDNS() { t.dnsStart = time.Now() }

// EndDNS marks the end of DNS resolution.
func (t *Timer) EndDNS() { t.dnsEnd = time.Now() }

// StartTCP marks the beginning of the TCP handshake.
func (t *Timer) StartTCP() { t.tcpStart = time.Now() }

// EndTCP marks the end of the TCP handshake.
func (t *Timer) EndTCP() { t.tcpEnd = time.Now() }

// StartTLS marks the beginning of the TLS handshake.
func (t *Timer) StartTLS() { t.tlsStart = time.Now() }

// EndTLS marks the end of the TLS handshake.
func (t *Timer) EndTLS() { t.tlsEnd = time.Now() }

// StartRoundTrip marks the moment an in-flight write buffer finished
// draining onto the socket (spec §4.3: the write-step's "fully sent"
// branch), starting the clock on the wait for the first response byte.
func (t *Timer) StartRoundTrip() { t.inFlightStart = time.Now() }

// EndRoundTrip records the elapsed time since StartRoundTrip, typically
// called the first time the read half delivers data after a write
// completes (spec §4.4's EventCanRead). A StartRoundTrip not yet paired
// with an EndRoundTrip call is simply ignored.
func (t *Timer) EndRoundTrip() {
	if t.inFlightStart.IsZero() {
		return
	}
	t.lastRoundTrip = time.Since(t.inFlightStart)
	t.inFlightStart = time.Time{}
}

// GetMetrics returns the attempt's phase durations as measured so far.
func (t *Timer) GetMetrics() AttemptMetrics {
	m := AttemptMetrics{SinceStart: time.Since(t.start)}

	if !t.dnsStart.IsZero() && !t.dnsEnd.IsZero() {
		m.DNSLookup = t.dnsEnd.Sub(t.dnsStart)
	}
	if !t.tcpStart.IsZero() && !t.tcpEnd.IsZero() {
		m.TCPConnect = t.tcpEnd.Sub(t.tcpStart)
	}
	if !t.tlsStart.IsZero() && !t.tlsEnd.IsZero() {
		m.TLSHandshake = t.tlsEnd.Sub(t.tlsStart)
	}
	return m
}

// LastRoundTrip returns the most recently completed StartRoundTrip/
// EndRoundTrip span, or zero if none has completed yet.
func (t *Timer) LastRoundTrip() time.Duration { return t.lastRoundTrip }

// ConnectTime returns the total time spent opening the socket: DNS
// resolution plus TCP connect plus TLS handshake.
func (m AttemptMetrics) ConnectTime() time.Duration {
	return m.DNSLookup + m.TCPConnect + m.TLSHandshake
}

// String provides a human-readable representation of the attempt metrics.
func (m AttemptMetrics) String() string {
	return fmt.Sprintf("DNSLookup: %v, TCPConnect: %v, TLSHandshake: %v, SinceStart: %v",
		m.DNSLookup, m.TCPConnect, m.TLSHandshake, m.SinceStart)
}

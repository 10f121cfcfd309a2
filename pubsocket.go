// Package pubsocket provides the Connection Engine for a real-time
// publish/subscribe client: a long-lived, full-duplex HTTP(S) connection to
// a single origin that multiplexes outbound request buffers onto one
// socket, streams back response bytes, escalates TLS security on
// rejection, and fans connection lifecycle events out to delegates.
package pubsocket

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"

	"github.com/nimbuschat/pubsocket/internal/config"
	"github.com/nimbuschat/pubsocket/internal/delegate"
	"github.com/nimbuschat/pubsocket/internal/engine"
	"github.com/nimbuschat/pubsocket/internal/metrics"
	"github.com/nimbuschat/pubsocket/internal/registry"
	"github.com/nimbuschat/pubsocket/internal/security"
	"github.com/nimbuschat/pubsocket/internal/transport"
	"github.com/nimbuschat/pubsocket/internal/writebuffer"
	"github.com/nimbuschat/pubsocket/pkg/errors"
)

// Version is the current version of the pubsocket library.
const Version = "0.1.0"

// GetVersion returns the current version of the library.
func GetVersion() string {
	return Version
}

// Re-export key types for easier usage.
type (
	// Connection is the pair-stream lifecycle of spec §3/§4.2.
	Connection = engine.Connection

	// ConnectionOptions configures a new Connection.
	ConnectionOptions = engine.Options

	// DataSource is the outbound request contract the write pipeline polls.
	DataSource = engine.DataSource

	// WriteBuffer is one request's outbound bytes and write progress.
	WriteBuffer = writebuffer.Buffer

	// Delegate receives connection lifecycle callbacks.
	Delegate = delegate.Delegate

	// DelegateHolder is the strong reference a caller must retain for as
	// long as its Delegate should keep receiving callbacks.
	DelegateHolder = delegate.Holder

	// Subscribers is a delegate subscriber set (HandheldSet or DesktopSet).
	Subscribers = delegate.Subscribers

	// BusEvent is a process-wide connection lifecycle event.
	BusEvent = delegate.BusEvent

	// BusListener receives bus events from the default EventBus.
	BusListener = delegate.Listener

	// SecurityLevel is the connection's current TLS escalation level.
	SecurityLevel = security.Level

	// SecurityOptions is the Stream Security Policy View for one level.
	SecurityOptions = security.Options

	// ProxyConfig describes an upstream proxy a Dialer should tunnel
	// through before reaching the origin.
	ProxyConfig = transport.ProxyConfig

	// ConnectionMetadata records what a connect attempt actually did.
	ConnectionMetadata = transport.Metadata

	// ConfigSnapshot is the Configuration snapshot a Connection is built
	// from (origin host, security preferences, timeouts).
	ConfigSnapshot = config.Snapshot

	// Metrics holds the engine's prometheus collectors.
	Metrics = metrics.Metrics

	// Registry is the identifier → Connection map of spec §4.1.
	Registry = registry.Registry

	// RegistryMode selects the registry's collapsing behavior.
	RegistryMode = registry.Mode

	// Error represents a structured error with context information.
	Error = errors.Error

	// ErrorKind is one of the five engine-level error classification kinds.
	ErrorKind = engine.ErrorKind
)

// Re-export security levels for convenience.
const (
	LevelStrict    = security.Strict
	LevelLenient   = security.Lenient
	LevelCleartext = security.Cleartext
)

// Re-export registry modes for convenience.
const (
	ModeHandheld = registry.Handheld
	ModeDesktop  = registry.Desktop
)

// Re-export bus event kinds for convenience.
const (
	EventConnect          = delegate.EventConnect
	EventDisconnect       = delegate.EventDisconnect
	EventDisconnectError  = delegate.EventDisconnectError
	EventConnectionFailed = delegate.EventConnectionFailed
)

// Re-export error types for convenience.
const (
	ErrorTypeDNS        = errors.ErrorTypeDNS
	ErrorTypeConnection = errors.ErrorTypeConnection
	ErrorTypeTLS        = errors.ErrorTypeTLS
	ErrorTypeTimeout    = errors.ErrorTypeTimeout
	ErrorTypeProtocol   = errors.ErrorTypeProtocol
	ErrorTypeIO         = errors.ErrorTypeIO
	ErrorTypeValidation = errors.ErrorTypeValidation
	ErrorTypeProxy      = errors.ErrorTypeProxy
)

// NewConnection constructs a Connection in state NotConfigured. Call
// Connect to begin preparing and opening its streams.
func NewConnection(opts ConnectionOptions) *Connection {
	return engine.New(opts)
}

// NewWriteBuffer constructs an outbound request buffer for the write
// pipeline.
func NewWriteBuffer(requestID string, payload []byte) *WriteBuffer {
	return writebuffer.New(requestID, payload)
}

// NewHandheldSubscribers returns an ordered, multi-delegate subscriber set
// (spec §3: handheld mode).
func NewHandheldSubscribers() Subscribers {
	return &delegate.HandheldSet{}
}

// NewDesktopSubscribers returns a single-slot weak delegate subscriber set
// (spec §3: desktop mode).
func NewDesktopSubscribers() Subscribers {
	return &delegate.DesktopSet{}
}

// DefaultEventBus returns the process-wide event bus (spec §4.6).
func DefaultEventBus() *delegate.EventBus {
	return delegate.Default()
}

// NewRegistry constructs a Connection Registry (spec §4.1). Most callers
// want DefaultRegistry, the process-wide singleton.
func NewRegistry(mode RegistryMode, factory registry.Factory, m *Metrics) *Registry {
	return registry.New(mode, factory, m)
}

// DefaultRegistry returns the process-wide registry singleton, constructed
// from the first caller's mode/factory/metrics (spec §3: "initialized
// lazily on first access").
func DefaultRegistry(mode RegistryMode, factory registry.Factory, m *Metrics) *Registry {
	return registry.Default(mode, factory, m)
}

// NewMetrics builds the engine's prometheus collector set and registers it
// with reg. A nil reg returns unregistered, freestanding collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return metrics.New(reg)
}

// LoadConfigSnapshot reads a ConfigSnapshot from a viper instance (spec §6:
// "read once at construction time").
func LoadConfigSnapshot(v *viper.Viper) ConfigSnapshot {
	return config.Load(v)
}

// NewConfigSnapshot builds a ConfigSnapshot directly from values, bypassing
// viper.
func NewConfigSnapshot(originHost string, preferSecure, allowReduceSecurity, allowCleartextFallback bool) ConfigSnapshot {
	return config.New(originHost, preferSecure, allowReduceSecurity, allowCleartextFallback)
}

// IsEOF reports whether err represents a clean remote close.
func IsEOF(err error) bool {
	return errors.IsEOF(err)
}

// IsTimeoutError checks if an error is a timeout error.
func IsTimeoutError(err error) bool {
	return errors.IsTimeoutError(err)
}

// GetErrorType returns the error type if it's a structured error.
func GetErrorType(err error) string {
	return string(errors.GetErrorType(err))
}

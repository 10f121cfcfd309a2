// Package registry implements the Connection Registry of spec §3/§4.1: a
// process-wide identifier → connection map, lazily initialized, collapsing
// every lookup onto one shared connection in handheld mode and keeping a
// distinct connection per identifier in desktop mode.
package registry

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nimbuschat/pubsocket/internal/engine"
	"github.com/nimbuschat/pubsocket/internal/metrics"
)

// SharedIdentifier is the fixed, reserved registry key every lookup
// collapses onto in handheld mode (spec §3/§4.1). It is a constant token,
// not a per-Registry-instance value, so two Registry instances in the same
// process (e.g. in tests) alias the same logical "the shared connection"
// concept even though each keeps its own entries map.
const SharedIdentifier = "handheld-shared"

// Mode selects the registry's collapsing behavior (spec §3).
type Mode int

const (
	// Handheld collapses every identifier onto one reserved shared
	// connection, matching a constrained mobile-class deployment.
	Handheld Mode = iota
	// Desktop keeps a distinct connection per identifier.
	Desktop
)

// Factory constructs a fresh Connection for a registry-assigned identifier,
// from whatever ambient configuration snapshot the caller closed over.
type Factory func(identifier string) *engine.Connection

// Registry is the identifier → Connection map of spec §4.1.
type Registry struct {
	mu      sync.Mutex
	mode    Mode
	factory Factory
	metrics *metrics.Metrics
	entries map[string]*engine.Connection
}

// New constructs a Registry. Most callers want Default instead, which
// lazily constructs the process-wide singleton spec §3 describes.
func New(mode Mode, factory Factory, m *metrics.Metrics) *Registry {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Registry{
		mode:    mode,
		factory: factory,
		metrics: m,
		entries: make(map[string]*engine.Connection),
	}
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the process-wide registry singleton, constructing it on
// first call (spec §3: "initialized lazily on first access"). Only the
// first caller's mode/factory/metrics take effect; later calls return the
// already-constructed singleton unchanged.
func Default(mode Mode, factory Factory, m *metrics.Metrics) *Registry {
	defaultOnce.Do(func() {
		defaultReg = New(mode, factory, m)
	})
	return defaultReg
}

// Get implements spec §4.1's get operation.
func (r *Registry) Get(identifier string) *engine.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.entries[identifier]; ok {
		return conn
	}

	if r.mode == Handheld {
		shared, ok := r.entries[SharedIdentifier]
		if !ok {
			shared = r.factory(SharedIdentifier)
			r.entries[SharedIdentifier] = shared
		}
		r.entries[identifier] = shared
		r.metrics.RegistrySize.Set(float64(r.liveCount()))
		return shared
	}

	conn := r.factory(identifier)
	r.entries[identifier] = conn
	r.metrics.RegistrySize.Set(float64(r.liveCount()))
	return conn
}

// liveCount returns the number of distinct connections behind the
// registry's aliases; callers must already hold r.mu.
func (r *Registry) liveCount() int {
	seen := make(map[*engine.Connection]struct{}, len(r.entries))
	for _, conn := range r.entries {
		seen[conn] = struct{}{}
	}
	return len(seen)
}

// Destroy removes every identifier aliasing conn from the registry (spec
// §4.1: "does not close streams — the connection's destructor does").
func (r *Registry) Destroy(conn *engine.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, v := range r.entries {
		if v == conn {
			delete(r.entries, id)
		}
	}
	r.metrics.RegistrySize.Set(float64(r.liveCount()))
}

// CloseAll snapshots the current entries, clears the registry, then closes
// each distinct connection (spec §4.1: "no registry mutation while an
// iteration over the snapshot is in progress"). Handheld aliases collapse
// to the same *Connection, so each is shut down exactly once.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	seen := make(map[*engine.Connection]struct{}, len(r.entries))
	snapshot := make([]*engine.Connection, 0, len(r.entries))
	for _, conn := range r.entries {
		if _, dup := seen[conn]; dup {
			continue
		}
		seen[conn] = struct{}{}
		snapshot = append(snapshot, conn)
	}
	r.entries = make(map[string]*engine.Connection)
	r.mu.Unlock()

	r.metrics.RegistrySize.Set(0)

	var g errgroup.Group
	for _, conn := range snapshot {
		conn := conn
		g.Go(func() error { return conn.Shutdown() })
	}
	g.Wait()
}

// Size returns the number of distinct connections currently registered.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveCount()
}

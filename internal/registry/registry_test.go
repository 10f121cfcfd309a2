package registry

import (
	"testing"
	"time"

	"github.com/nimbuschat/pubsocket/internal/config"
	"github.com/nimbuschat/pubsocket/internal/engine"
)

func newTestFactory() Factory {
	return func(identifier string) *engine.Connection {
		return engine.New(engine.Options{
			Identifier: identifier,
			Snapshot:   config.Snapshot{OriginHost: "127.0.0.1"},
		})
	}
}

func TestHandheldModeCollapsesToSharedConnection(t *testing.T) {
	r := New(Handheld, newTestFactory(), nil)

	a := r.Get("channel-a")
	b := r.Get("channel-b")

	if a != b {
		t.Fatal("expected handheld mode to collapse distinct identifiers onto the same connection")
	}
	if r.Size() != 1 {
		t.Fatalf("expected a single distinct connection, got %d", r.Size())
	}
	if a.Identifier() != SharedIdentifier {
		t.Fatalf("expected the collapsed connection to carry the fixed shared identifier, got %q", a.Identifier())
	}
}

func TestSharedIdentifierIsAFixedConstant(t *testing.T) {
	first := New(Handheld, newTestFactory(), nil)
	second := New(Handheld, newTestFactory(), nil)

	a := first.Get("channel-a")
	b := second.Get("channel-a")

	if a.Identifier() != b.Identifier() {
		t.Fatalf("expected SharedIdentifier to be the same fixed token across independent Registry instances, got %q vs %q", a.Identifier(), b.Identifier())
	}
	if a.Identifier() != SharedIdentifier {
		t.Fatalf("expected the shared connection's identifier to equal registry.SharedIdentifier, got %q", a.Identifier())
	}
}

func TestDesktopModeKeepsDistinctConnections(t *testing.T) {
	r := New(Desktop, newTestFactory(), nil)

	a := r.Get("channel-a")
	b := r.Get("channel-b")

	if a == b {
		t.Fatal("expected desktop mode to keep distinct connections per identifier")
	}
	if r.Size() != 2 {
		t.Fatalf("expected two distinct connections, got %d", r.Size())
	}

	// Repeated Get for the same identifier returns the same connection.
	if r.Get("channel-a") != a {
		t.Fatal("expected repeated Get for the same identifier to return the same connection")
	}
}

func TestDestroyRemovesAllAliases(t *testing.T) {
	r := New(Handheld, newTestFactory(), nil)

	a := r.Get("channel-a")
	r.Get("channel-b")
	if r.Size() != 1 {
		t.Fatalf("expected one shared connection before Destroy, got %d", r.Size())
	}

	r.Destroy(a)
	if r.Size() != 0 {
		t.Fatalf("expected Destroy to remove every alias, got size %d", r.Size())
	}

	// A subsequent Get re-creates a fresh connection.
	fresh := r.Get("channel-a")
	if fresh == a {
		t.Fatal("expected Get after Destroy to build a new connection")
	}
}

func TestCloseAllShutsDownDistinctConnectionsOnce(t *testing.T) {
	r := New(Desktop, newTestFactory(), nil)

	a := r.Get("channel-a")
	b := r.Get("channel-b")

	r.CloseAll()

	if r.Size() != 0 {
		t.Fatalf("expected an empty registry after CloseAll, got size %d", r.Size())
	}
	if !a.WaitClosed(time.Second) {
		t.Fatal("expected connection a's loop goroutine to exit after CloseAll")
	}
	if !b.WaitClosed(time.Second) {
		t.Fatal("expected connection b's loop goroutine to exit after CloseAll")
	}
}

func TestCloseAllDedupesHandheldAliases(t *testing.T) {
	r := New(Handheld, newTestFactory(), nil)

	shared := r.Get("channel-a")
	r.Get("channel-b")
	r.Get("channel-c")

	r.CloseAll()

	if !shared.WaitClosed(time.Second) {
		t.Fatal("expected the single shared connection to shut down exactly once without hanging")
	}
}

func TestDefaultIsASingletonPerProcess(t *testing.T) {
	first := Default(Handheld, newTestFactory(), nil)
	second := Default(Desktop, newTestFactory(), nil)

	if first != second {
		t.Fatal("expected Default to return the same registry regardless of later mode/factory arguments")
	}
}

package engine

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nimbuschat/pubsocket/internal/config"
	"github.com/nimbuschat/pubsocket/internal/delegate"
	"github.com/nimbuschat/pubsocket/internal/security"
	"github.com/nimbuschat/pubsocket/internal/stream"
	"github.com/nimbuschat/pubsocket/internal/writebuffer"
)

// fakeDataSource hands out canned requests in enqueue order and records
// the callbacks the write pipeline fires against it.
type fakeDataSource struct {
	mu       sync.Mutex
	pending  map[string][]byte
	order    []string
	started  []string
	sent     []string
	failed   []string
}

func newFakeDataSource() *fakeDataSource {
	return &fakeDataSource{pending: make(map[string][]byte)}
}

func (f *fakeDataSource) enqueue(id string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[id] = payload
	f.order = append(f.order, id)
}

func (f *fakeDataSource) HasData(c *Connection) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order) > 0
}

func (f *fakeDataSource) NextRequestIdentifier(c *Connection) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.order) == 0 {
		return ""
	}
	return f.order[0]
}

func (f *fakeDataSource) RequestData(c *Connection, identifier string) *writebuffer.Buffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.pending[identifier]
	if !ok {
		return nil
	}
	delete(f.pending, identifier)
	f.order = f.order[1:]
	return writebuffer.New(identifier, payload)
}

func (f *fakeDataSource) ProcessingStarted(c *Connection, identifier string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, identifier)
}

func (f *fakeDataSource) DidSendRequest(c *Connection, identifier string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, identifier)
}

func (f *fakeDataSource) DidFailToProcessRequest(c *Connection, identifier string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, identifier)
}

func (f *fakeDataSource) snapshot() (started, sent, failed []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...), append([]string(nil), f.sent...), append([]string(nil), f.failed...)
}

func (f *fakeDataSource) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type recordingDelegate struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	willDisconnect []string
	failed       []string
}

func (d *recordingDelegate) DidConnectToHost(origin string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = append(d.connected, origin)
}
func (d *recordingDelegate) DidDisconnectFromHost(origin string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = append(d.disconnected, origin)
}
func (d *recordingDelegate) WillDisconnectFromHost(origin string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.willDisconnect = append(d.willDisconnect, origin)
}
func (d *recordingDelegate) ConnectionDidFailToHost(origin string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failed = append(d.failed, origin)
}

func (d *recordingDelegate) snapshot() (connected, disconnected []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.connected...), append([]string(nil), d.disconnected...)
}

func (d *recordingDelegate) failureSnapshot() (willDisconnect, failed []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.willDisconnect...), append([]string(nil), d.failed...)
}

func newLoopbackListener(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to open loopback listener: %v", err)
	}
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestConnectionConnectAndEcho(t *testing.T) {
	ln, port := newLoopbackListener(t)
	defer ln.Close()

	serverGotRequest := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		serverGotRequest <- buf[:n]
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	}()

	ds := newFakeDataSource()
	ds.enqueue("req-1", []byte("GET / HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n"))

	del := &recordingDelegate{}
	subscribers := &delegate.HandheldSet{}

	snapshot := config.Snapshot{
		OriginHost:   "127.0.0.1",
		PreferSecure: false,
		ConnTimeout:  2 * time.Second,
		DNSTimeout:   2 * time.Second,
	}.WithPort(port)

	conn := New(Options{
		Identifier:  "test-conn",
		Snapshot:    snapshot,
		DataSource:  ds,
		Subscribers: subscribers,
	})
	holder := conn.AssignDelegate(del)
	defer conn.ResignDelegate(holder)

	conn.Prepare()
	conn.Connect()

	deadline := time.After(2 * time.Second)
	for !conn.IsConnected() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for connection to establish")
		case <-time.After(10 * time.Millisecond):
		}
	}

	select {
	case got := <-serverGotRequest:
		if string(got) != "GET / HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n" {
			t.Fatalf("unexpected request bytes: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the request")
	}

	deadline = time.After(2 * time.Second)
	for ds.sentCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for DidSendRequest")
		case <-time.After(10 * time.Millisecond):
		}
	}

	started, sent, _ := ds.snapshot()
	if len(started) != 1 || started[0] != "req-1" {
		t.Fatalf("expected ProcessingStarted to fire once for req-1, got %v", started)
	}
	if len(sent) != 1 || sent[0] != "req-1" {
		t.Fatalf("expected DidSendRequest to fire once for req-1, got %v", sent)
	}

	connected, _ := del.snapshot()
	if len(connected) != 1 || connected[0] != "127.0.0.1" {
		t.Fatalf("expected DidConnectToHost to fire once, got %v", connected)
	}

	wantResponseLen := int64(len("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	deadline = time.After(time.Second)
	for conn.AccumulatorBytesBuffered() != wantResponseLen {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the read accumulator to buffer the response, got %d bytes", conn.AccumulatorBytesBuffered())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := conn.CloseConnection(); err != nil {
		t.Fatalf("unexpected error closing connection: %v", err)
	}
	if !conn.IsDisconnected() {
		t.Fatal("expected connection to be disconnected after CloseConnection")
	}

	_, disconnected := del.snapshot()
	if len(disconnected) != 1 || disconnected[0] != "127.0.0.1" {
		t.Fatalf("expected DidDisconnectFromHost to fire once, got %v", disconnected)
	}

	// Idempotent close: a second call must be a silent no-op.
	if err := conn.CloseConnection(); err != nil {
		t.Fatalf("expected idempotent close to succeed, got %v", err)
	}
	_, disconnected = del.snapshot()
	if len(disconnected) != 1 {
		t.Fatalf("expected no additional disconnect event on idempotent close, got %v", disconnected)
	}

	if err := conn.Shutdown(); err != nil {
		t.Fatalf("unexpected error on shutdown: %v", err)
	}
	if !conn.WaitClosed(time.Second) {
		t.Fatal("expected the loop goroutine to exit after Shutdown")
	}
}

func TestConnectionConnectRefusedEntersErrorState(t *testing.T) {
	ln, port := newLoopbackListener(t)
	ln.Close() // ensure nothing is listening on this port

	ds := newFakeDataSource()
	subscribers := &delegate.HandheldSet{}

	snapshot := config.Snapshot{
		OriginHost:   "127.0.0.1",
		PreferSecure: false,
		ConnTimeout:  time.Second,
		DNSTimeout:   time.Second,
	}.WithPort(port)

	conn := New(Options{
		Identifier:  "refused-conn",
		Snapshot:    snapshot,
		DataSource:  ds,
		Subscribers: subscribers,
	})
	defer conn.Shutdown()

	conn.Prepare()
	conn.Connect()

	inErrorState := func() bool {
		return conn.readHalf.Get() == stream.Error && conn.writeHalf.Get() == stream.Error
	}

	deadline := time.After(2 * time.Second)
	for !inErrorState() {
		if conn.IsConnected() {
			t.Fatal("expected connection to a closed port to fail, not succeed")
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the connection to settle into a terminal state")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// newSelfSignedServerCert builds an in-memory, self-signed certificate for
// 127.0.0.1 so a loopback TLS listener can reject a Strict handshake
// without any on-disk fixtures.
func newSelfSignedServerCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating server key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating server certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func newSelfSignedTLSListener(t *testing.T) (net.Listener, int) {
	t.Helper()
	cert := newSelfSignedServerCert(t)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatalf("failed to open TLS loopback listener: %v", err)
	}
	return ln, ln.Addr().(*net.TCPAddr).Port
}

// TestConnectionTLSEscalatesFromStrictToLenient drives the escalator (spec
// §4.5, scenario S4) through the real Connection rather than the unit-level
// classifier: a self-signed certificate is untrusted by Strict's default
// verification, so the first connect attempt's handshake must fail and
// tryTLSFallback must silently step the connection down to Lenient (whose
// policy allows the same untrusted root) without ever broadcasting a
// delegate failure for the rejected Strict attempt.
func TestConnectionTLSEscalatesFromStrictToLenient(t *testing.T) {
	ln, port := newSelfSignedTLSListener(t)
	defer ln.Close()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 4096)
				conn.Read(buf)
				conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
			}(c)
		}
	}()

	ds := newFakeDataSource()
	del := &recordingDelegate{}
	subscribers := &delegate.HandheldSet{}

	snapshot := config.Snapshot{
		OriginHost:          "127.0.0.1",
		PreferSecure:        true,
		AllowReduceSecurity: true,
		ConnTimeout:         2 * time.Second,
		DNSTimeout:          2 * time.Second,
	}.WithPort(port)

	conn := New(Options{
		Identifier:  "tls-fallback-conn",
		Snapshot:    snapshot,
		DataSource:  ds,
		Subscribers: subscribers,
	})
	defer conn.Shutdown()
	holder := conn.AssignDelegate(del)
	defer conn.ResignDelegate(holder)

	conn.Prepare()
	conn.Connect()

	deadline := time.After(3 * time.Second)
	for !conn.IsConnected() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for TLS fallback to connect; level=%v", conn.Level())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if conn.Level() != security.Lenient {
		t.Fatalf("expected the connection to have stepped down to Lenient after a rejected Strict handshake, got %v", conn.Level())
	}

	willDisconnect, failed := del.failureSnapshot()
	if len(willDisconnect) != 0 || len(failed) != 0 {
		t.Fatalf("expected the Strict->Lenient fallback to stay silent, got willDisconnect=%v failed=%v", willDisconnect, failed)
	}
}

// TestConnectionMidWriteFailureReportsRequestFailureOnly exercises
// writeStep's partially-sent branch (spec §4.3, scenario S5): a request
// large enough to require more than one WriteChunk call is interrupted by
// the server closing its side after the first chunk arrives, landing the
// in-flight buffer at offset>0 (IsPartiallySent()==true). That must fire
// DidFailToProcessRequest for the interrupted request and must not run the
// classifier/delegate broadcast path that a non-partial write error would.
func TestConnectionMidWriteFailureReportsRequestFailureOnly(t *testing.T) {
	ln, port := newLoopbackListener(t)
	defer ln.Close()

	firstChunkReceived := make(chan struct{})
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 4096)
		n, _ := c.Read(buf)
		if n > 0 {
			close(firstChunkReceived)
		}
		c.Close() // kill the connection before the client can finish writing
	}()

	ds := newFakeDataSource()
	// A payload large enough to exceed the kernel's loopback socket
	// buffers (the server only ever reads a single 4096-byte chunk before
	// closing), so the repeated 32KiB-capped WriteChunk calls in the
	// write-step loop eventually block and fail mid-buffer instead of
	// draining the whole payload before the server can close.
	bigPayload := make([]byte, 8*1024*1024)
	for i := range bigPayload {
		bigPayload[i] = 'a'
	}
	ds.enqueue("req-big", bigPayload)

	subscribers := &delegate.HandheldSet{}
	del := &recordingDelegate{}

	snapshot := config.Snapshot{
		OriginHost:   "127.0.0.1",
		PreferSecure: false,
		ConnTimeout:  2 * time.Second,
		DNSTimeout:   2 * time.Second,
	}.WithPort(port)

	conn := New(Options{
		Identifier:  "mid-write-failure-conn",
		Snapshot:    snapshot,
		DataSource:  ds,
		Subscribers: subscribers,
	})
	defer conn.Shutdown()
	holder := conn.AssignDelegate(del)
	defer conn.ResignDelegate(holder)

	conn.Prepare()
	conn.Connect()

	deadline := time.After(2 * time.Second)
	for !conn.IsConnected() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for connection to establish")
		case <-time.After(10 * time.Millisecond):
		}
	}

	select {
	case <-firstChunkReceived:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the first write chunk")
	}

	deadline = time.After(2 * time.Second)
	for {
		_, _, failed := ds.snapshot()
		if len(failed) == 1 && failed[0] == "req-big" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for DidFailToProcessRequest; failed so far: %v", failed)
		case <-time.After(10 * time.Millisecond):
		}
	}

	_, sent, _ := ds.snapshot()
	if len(sent) != 0 {
		t.Fatalf("expected the interrupted request to never report DidSendRequest, got %v", sent)
	}

	willDisconnect, connFailed := del.failureSnapshot()
	if len(willDisconnect) != 0 || len(connFailed) != 0 {
		t.Fatalf("expected a partially-sent write failure to skip the delegate broadcast path entirely, got willDisconnect=%v failed=%v", willDisconnect, connFailed)
	}
}

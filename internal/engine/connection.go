// Package engine implements the Connection State Machine, Write/Read
// Pipeline, and TLS Configuration Escalator of spec §4.2/§4.3/§4.4/§4.5 —
// the core of the connection engine.
package engine

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/nimbuschat/pubsocket/internal/config"
	"github.com/nimbuschat/pubsocket/internal/delegate"
	"github.com/nimbuschat/pubsocket/internal/metrics"
	"github.com/nimbuschat/pubsocket/internal/security"
	"github.com/nimbuschat/pubsocket/internal/stream"
	"github.com/nimbuschat/pubsocket/internal/transport"
	"github.com/nimbuschat/pubsocket/internal/writebuffer"
	"github.com/nimbuschat/pubsocket/pkg/buffer"
	pserrors "github.com/nimbuschat/pubsocket/pkg/errors"
	"github.com/nimbuschat/pubsocket/pkg/timing"
)

// DataSource is the inbound contract polled by the write pipeline
// (spec §6).
type DataSource interface {
	HasData(c *Connection) bool
	NextRequestIdentifier(c *Connection) string
	RequestData(c *Connection, identifier string) *writebuffer.Buffer
	ProcessingStarted(c *Connection, identifier string)
	DidSendRequest(c *Connection, identifier string)
	DidFailToProcessRequest(c *Connection, identifier string)
}

// Options configures a new Connection.
type Options struct {
	Identifier  string
	Snapshot    config.Snapshot
	DataSource  DataSource
	Subscribers delegate.Subscribers
	Bus         *delegate.EventBus
	Proxy       *transport.ProxyConfig
	Dialer      *transport.Dialer
	Logger      *logrus.Entry
	Metrics     *metrics.Metrics

	ClientCertPEM  []byte
	ClientKeyPEM   []byte
	ClientCertFile string
	ClientKeyFile  string
}

type openResult struct {
	conn net.Conn
	meta *transport.Metadata
	err  error
}

// Connection is the pair-stream lifecycle of spec §3/§4.2. All mutation of
// its non-Half fields happens on its own loop goroutine (loop-affine, spec
// §5); public methods enqueue closures onto cmds rather than mutating
// directly.
type Connection struct {
	id         string
	identifier string
	snapshot   config.Snapshot

	readHalf  stream.ReadHalf
	writeHalf stream.WriteHalf

	level   security.Level
	secOpts *security.Options

	conn        net.Conn
	accumulator *buffer.Buffer
	inFlight    *writebuffer.Buffer
	processNext bool
	connecting  bool
	initErr     error

	subscribers delegate.Subscribers
	bus         *delegate.EventBus
	dataSource  DataSource
	dialer      *transport.Dialer
	proxy       *transport.ProxyConfig

	clientCertPEM, clientKeyPEM   []byte
	clientCertFile, clientKeyFile string

	events     chan stream.Event
	opens      chan openResult
	cmds       chan func()
	stopReader chan struct{}
	done       chan struct{}

	logger  *logrus.Entry
	metrics *metrics.Metrics
	timer   *timing.Timer
}

// New constructs a Connection in state NotConfigured. It does not connect;
// the caller must call Connect().
func New(opts Options) *Connection {
	logger := opts.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(nopWriter{})
		logger = logrus.NewEntry(discard)
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	bus := opts.Bus
	if bus == nil {
		bus = delegate.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.NewDialer()
	}

	c := &Connection{
		id:             uuid.NewString(),
		identifier:     opts.Identifier,
		snapshot:       opts.Snapshot,
		level:          security.Strict,
		subscribers:    opts.Subscribers,
		bus:            bus,
		dataSource:     opts.DataSource,
		dialer:         dialer,
		proxy:          opts.Proxy,
		clientCertPEM:  opts.ClientCertPEM,
		clientKeyPEM:   opts.ClientKeyPEM,
		clientCertFile: opts.ClientCertFile,
		clientKeyFile:  opts.ClientKeyFile,
		events:         make(chan stream.Event, 16),
		opens:          make(chan openResult, 1),
		cmds:           make(chan func(), 16),
		done:           make(chan struct{}),
		logger:         logger.WithField("conn_id", uuid.NewString()),
		metrics:        m,
	}

	if !opts.Snapshot.PreferSecure {
		c.level = security.Cleartext
	}

	go c.run()
	return c
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// run is the connection's single loop goroutine — every field above this
// comment's package-level mutation happens here.
func (c *Connection) run() {
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case res := <-c.opens:
			c.handleOpenResult(res)
		case ev := <-c.events:
			c.handleEvent(ev)
		case <-c.done:
			return
		}
	}
}

// exec runs fn on the loop goroutine and blocks until it completes.
func (c *Connection) exec(fn func()) {
	done := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(done) }:
		<-done
	case <-c.done:
	}
}

// post runs fn on the loop goroutine without waiting (fire-and-forget,
// spec §7: "the engine never throws to the caller... those calls are
// fire-and-forget").
func (c *Connection) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.done:
	}
}

// Identifier returns the connection's registry key (or shared-identifier
// alias, in handheld mode).
func (c *Connection) Identifier() string { return c.identifier }

// IsReady reports whether both halves are Ready.
func (c *Connection) IsReady() bool {
	return c.readHalf.Get() == stream.Ready && c.writeHalf.Get() == stream.Ready
}

// IsConnecting reports whether both halves are Connecting (spec §9: the
// window where only one half has transitioned is neither state).
func (c *Connection) IsConnecting() bool {
	return c.readHalf.Get() == stream.Connecting && c.writeHalf.Get() == stream.Connecting
}

// IsConnected reports whether both halves are Connected.
func (c *Connection) IsConnected() bool {
	return c.readHalf.Get() == stream.Connected && c.writeHalf.Get() == stream.Connected
}

// IsDisconnected reports whether both halves are NotConfigured.
func (c *Connection) IsDisconnected() bool {
	return c.readHalf.Get() == stream.NotConfigured && c.writeHalf.Get() == stream.NotConfigured
}

// Level returns the connection's current security level.
func (c *Connection) Level() security.Level {
	return c.level
}

// AccumulatorBytesBuffered reports how many response bytes the current
// read accumulator holds (spec §4.4's "not truncated by the core"),
// diagnostic information the teacher lineage exposed as connection
// metadata. Zero before the first Prepare call or after CloseConnection.
func (c *Connection) AccumulatorBytesBuffered() int64 {
	var n int64
	c.exec(func() {
		if c.accumulator != nil {
			n = c.accumulator.Size()
		}
	})
	return n
}

// AssignDelegate registers d with the connection's subscriber set,
// returning the strong holder the caller must keep alive.
func (c *Connection) AssignDelegate(d delegate.Delegate) *delegate.Holder {
	return c.subscribers.Assign(d)
}

// ResignDelegate removes h from the subscriber set.
func (c *Connection) ResignDelegate(h *delegate.Holder) {
	c.subscribers.Resign(h)
}

// Prepare constructs the security option set and security level for the
// next connect attempt, transitioning both halves NotConfigured → Ready
// (spec §4.2). Idempotent if already Ready/Connecting/Connected.
func (c *Connection) Prepare() {
	c.post(c.prepare)
}

func (c *Connection) prepare() {
	if !c.IsDisconnected() {
		return
	}
	if c.level != security.Cleartext {
		c.secOpts = security.PolicyForLevel(c.level)
	} else {
		c.secOpts = nil
	}
	c.accumulator = buffer.New(0)
	c.timer = timing.NewTimer()
	c.readHalf.Set(stream.Ready)
	c.writeHalf.Set(stream.Ready)
	c.initErr = nil
}

// Connect is the fire-and-forget entry point of spec §4.2: guarded,
// idempotent, retries prepare once.
func (c *Connection) Connect() {
	c.post(func() { c.connect(true) })
}

func (c *Connection) connect(allowRetry bool) {
	if c.IsConnected() || c.connecting {
		return
	}

	if c.IsReady() {
		c.openBothHalves()
		return
	}

	if !c.IsConnecting() {
		c.prepare()
		if c.IsReady() {
			if allowRetry {
				c.connect(false)
			}
			return
		}
		c.initErr = pserrors.NewSetupFailed(c.snapshot.OriginHost, c.level.Port(), fmt.Errorf("stream pair could not be prepared"))
		c.fanOutSetupFailure(c.initErr)
	}
}

func (c *Connection) openBothHalves() {
	c.connecting = true
	c.readHalf.Set(stream.Connecting)
	c.writeHalf.Set(stream.Connecting)
	c.metrics.ConnectAttempts.WithLabelValues(c.level.String()).Inc()

	port := c.snapshot.OriginPort
	if port == 0 {
		port = c.level.Port()
	}
	cfg := transport.Config{
		Host:           c.snapshot.OriginHost,
		Port:           port,
		ConnTimeout:    c.snapshot.ConnTimeout,
		DNSTimeout:     c.snapshot.DNSTimeout,
		Proxy:          c.proxy,
		Security:       c.secOpts,
		ClientCertPEM:  c.clientCertPEM,
		ClientKeyPEM:   c.clientKeyPEM,
		ClientCertFile: c.clientCertFile,
		ClientKeyFile:  c.clientKeyFile,
	}

	dialer := c.dialer
	timer := c.timer
	opens := c.opens
	done := c.done

	go func() {
		conn, meta, err := dialer.Dial(context.Background(), cfg, timer)
		select {
		case opens <- openResult{conn: conn, meta: meta, err: err}:
		case <-done:
			if conn != nil {
				conn.Close()
			}
		}
	}()
}

func (c *Connection) handleOpenResult(res openResult) {
	c.connecting = false

	if res.err != nil {
		c.readHalf.Set(stream.Error)
		c.writeHalf.Set(stream.Error)
		c.classifyAndHandle(res.err)
		return
	}

	c.conn = res.conn
	c.readHalf.Set(stream.Connected)
	c.writeHalf.Set(stream.Connected)
	c.writeHalf.SetCanAcceptBytes(true)

	c.stopReader = make(chan struct{})
	go c.readHalf.Run(c.conn, c.events, c.stopReader)

	origin := c.snapshot.OriginHost
	fields := logrus.Fields{"origin": origin, "level": c.level.String()}
	if res.meta != nil {
		fields["remote_addr"] = res.meta.RemoteAddr
		fields["tls_version"] = res.meta.TLSVersion
		fields["proxy_used"] = res.meta.ProxyUsed
	}
	if c.timer != nil {
		fields["timing"] = c.timer.GetMetrics().String()
	}
	c.logger.WithFields(fields).Info("connection established")
	if res.meta != nil && res.meta.TLSVersionDeprecated {
		c.logger.WithFields(fields).Warn("negotiated a deprecated TLS version")
	}
	c.subscribers.Broadcast(func(d delegate.Delegate) { d.DidConnectToHost(origin) })
	c.bus.Publish(delegate.BusEvent{Kind: delegate.EventConnect, Origin: origin})

	c.scheduleNextRequestExecution()
}

// ScheduleNextRequestExecution is the write pipeline's scheduling contract
// (spec §4.3).
func (c *Connection) ScheduleNextRequestExecution() {
	c.post(c.scheduleNextRequestExecution)
}

func (c *Connection) scheduleNextRequestExecution() {
	if c.inFlight == nil {
		c.processNext = true
	}
	if !c.processNext || c.inFlight != nil {
		return
	}
	if !c.IsConnected() || c.dataSource == nil || !c.dataSource.HasData(c) {
		return
	}

	id := c.dataSource.NextRequestIdentifier(c)
	wb := c.dataSource.RequestData(c, id)
	if wb == nil {
		return
	}
	c.inFlight = wb

	if c.writeHalf.CanAcceptBytes() {
		c.writeStep()
	}
}

// UnscheduleRequestsExecution clears the "process next" flag without
// cancelling an in-flight write (spec §4.3).
func (c *Connection) UnscheduleRequestsExecution() {
	c.post(func() { c.processNext = false })
}

func (c *Connection) writeStep() {
	for {
		if c.inFlight == nil || !c.writeHalf.CanAcceptBytes() {
			return
		}
		wb := c.inFlight

		if wb.Offset == 0 && wb.MarkStarted() {
			c.dataSource.ProcessingStarted(c, wb.RequestID)
		}

		n, err := stream.WriteChunk(c.conn, wb.Remaining())
		if err != nil {
			c.inFlight = nil
			if wb.IsPartiallySent() {
				c.metrics.RequestsFailed.Inc()
				c.dataSource.DidFailToProcessRequest(c, wb.RequestID)
				return
			}
			c.classifyAndHandle(pserrors.NewIOError("write", err))
			return
		}

		c.metrics.BytesWritten.Add(float64(n))
		wb.Advance(n)

		if !wb.HasData() {
			c.inFlight = nil
			c.metrics.RequestsSent.Inc()
			if c.timer != nil {
				c.timer.StartRoundTrip()
			}
			c.dataSource.DidSendRequest(c, wb.RequestID)
			c.scheduleNextRequestExecution()
			return
		}
		// Partial write: loop to attempt the remainder, matching the
		// bounded-per-turn chunking of spec §4.3/S3 rather than a single
		// unbounded conn.Write call.
	}
}

func (c *Connection) handleEvent(ev stream.Event) {
	switch ev.Kind {
	case stream.EventCanRead:
		c.metrics.BytesRead.Add(float64(len(ev.Data)))
		if c.timer != nil {
			c.timer.EndRoundTrip()
		}
		if c.accumulator != nil {
			c.accumulator.Write(ev.Data)
			if !c.accumulator.IsSpilled() {
				preview := inspectResponse(c.accumulator.Bytes())
				if preview.StatusLine != "" {
					c.logger.WithFields(logrus.Fields{
						"status": preview.StatusCode, "content_length": preview.ContentLength,
					}).Debug("response preview")
				}
			}
		}
	case stream.EventEnd:
		c.logger.Info("remote closed connection (EOF treated as timeout)")
		c.closeConnection()
	case stream.EventErr:
		c.classifyAndHandle(ev.Err)
	}
}

// classifyAndHandle implements spec §4.5/§7's propagation policy.
func (c *Connection) classifyAndHandle(err error) {
	kind := ClassifyError(err)

	switch kind {
	case KindRemoteClosed:
		c.closeConnection()
		return
	case KindTlsRejected:
		if c.tryTLSFallback() {
			return
		}
	}

	shouldClose := kind == KindSetupFailed || kind == KindTlsRejected
	origin := c.snapshot.OriginHost

	if shouldClose {
		c.logger.WithError(err).Warn("connection failing, will disconnect")
		c.subscribers.Broadcast(func(d delegate.Delegate) { d.WillDisconnectFromHost(origin, err) })
		c.bus.Publish(delegate.BusEvent{Kind: delegate.EventDisconnectError, Origin: origin, Err: err})
		c.closeConnection()
		return
	}

	c.logger.WithError(err).Warn("connection failed to host")
	c.subscribers.Broadcast(func(d delegate.Delegate) { d.ConnectionDidFailToHost(origin, err) })
	c.bus.Publish(delegate.BusEvent{Kind: delegate.EventConnectionFailed, Origin: origin, Err: err})
}

func (c *Connection) fanOutSetupFailure(err error) {
	origin := c.snapshot.OriginHost
	c.logger.WithError(err).Error("setup failed")
	c.subscribers.Broadcast(func(d delegate.Delegate) { d.WillDisconnectFromHost(origin, err) })
	c.bus.Publish(delegate.BusEvent{Kind: delegate.EventDisconnectError, Origin: origin, Err: err})
}

// tryTLSFallback performs the three-step silent fallback of spec §4.5.
// Returns true if a fallback was attempted (caller must not also raise a
// delegate failure for this error).
func (c *Connection) tryTLSFallback() bool {
	if c.level == security.Strict && !c.snapshot.AllowReduceSecurity {
		return false
	}
	if c.level == security.Lenient && !c.snapshot.AllowCleartextFallback {
		return false
	}

	next, ok := c.level.Next()
	if !ok {
		return false
	}

	c.metrics.TLSFallbacks.WithLabelValues(c.level.String()).Inc()
	c.logger.WithFields(logrus.Fields{"from": c.level.String(), "to": next.String()}).Warn("TLS rejected, falling back silently")

	c.level = next
	c.closeBothSilently()
	c.connect(true)
	return true
}

// closeBothSilently tears down both halves without any delegate
// notification, as step 2 of the TLS fallback sequence.
func (c *Connection) closeBothSilently() {
	if c.stopReader != nil {
		close(c.stopReader)
		c.stopReader = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.readHalf.Set(stream.NotConfigured)
	c.writeHalf.Set(stream.NotConfigured)
	c.writeHalf.SetCanAcceptBytes(false)
	c.connecting = false
}

// CloseConnection tears down the connection (spec §4.2: idempotent, tears
// down both halves, releases the security option set and accumulator).
// Closing an already-closed connection is a no-op and fires no delegate
// events (spec §8, invariant on idempotent close).
func (c *Connection) CloseConnection() error {
	var result error
	c.exec(func() { result = c.closeConnection() })
	return result
}

// closeConnection is naturally idempotent: every teardown step is guarded
// by a nil check, and the "did we fire DidDisconnectFromHost" decision is
// derived from the halves' own state rather than a separate closed flag,
// so a second call against an already-NotConfigured pair is a pure no-op.
func (c *Connection) closeConnection() error {
	wasConnected := c.IsConnected()

	if c.inFlight != nil && c.inFlight.IsPartiallySent() {
		c.dataSource.DidFailToProcessRequest(c, c.inFlight.RequestID)
	}
	c.inFlight = nil
	c.processNext = false

	var errs *multierror.Error

	if c.stopReader != nil {
		close(c.stopReader)
		c.stopReader = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		c.conn = nil
	}
	c.readHalf.Set(stream.NotConfigured)
	c.writeHalf.Set(stream.NotConfigured)
	c.writeHalf.SetCanAcceptBytes(false)
	c.secOpts = nil
	if c.accumulator != nil {
		if err := c.accumulator.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		c.accumulator = nil
	}

	if wasConnected {
		origin := c.snapshot.OriginHost
		c.subscribers.Broadcast(func(d delegate.Delegate) { d.DidDisconnectFromHost(origin) })
		c.bus.Publish(delegate.BusEvent{Kind: delegate.EventDisconnect, Origin: origin})
	}

	return errs.ErrorOrNil()
}

// Shutdown permanently stops the connection's loop goroutine and releases
// all resources. Unlike CloseConnection, the Connection is unusable
// afterward (used by the registry on destroy/closeAll).
func (c *Connection) Shutdown() error {
	var result error
	c.exec(func() { result = c.closeConnection() })
	close(c.done)
	return result
}

// WaitClosed blocks until the connection's loop goroutine exits, with a
// bound so tests/callers never hang forever on a stuck connection.
func (c *Connection) WaitClosed(timeout time.Duration) bool {
	select {
	case <-c.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

/*
Package connection is the transport substrate of the client: one long-lived
full-duplex connection to the origin that multiplexes outbound request
buffers onto a single socket and streams response bytes back for inspection.

All stream readiness events and public entry points are serialized onto one
event loop per connection, so nothing in here is ever mutated from two
goroutines at once. The loop owns the per-half stream states, the in-flight
request buffer, and the response accumulator; callers only ever post
commands and observe results through delegates, the event bus, and the data
source callbacks.
*/
package connection

import (
	"fmt"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"gopkg.in/tomb.v2"

	"github.com/hfeeki/pubnub-api/config"
	"github.com/hfeeki/pubnub-api/connection/bus"
	"github.com/hfeeki/pubnub-api/connection/conerr"
	"github.com/hfeeki/pubnub-api/connection/delegate"
	"github.com/hfeeki/pubnub-api/connection/requestbuffer"
	"github.com/hfeeki/pubnub-api/connection/security"
	"github.com/hfeeki/pubnub-api/connection/transport"
	"github.com/hfeeki/pubnub-api/logger"
)

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdCloseConnection
	cmdScheduleNext
	cmdUnschedule
	cmdReconnect
	cmdSetDataSource
)

type command struct {
	kind       commandKind
	dataSource DataSource
}

type Connection struct {
	tmb    tomb.Tomb
	logger *logger.Logger

	// Identifier is the name the registry knows this connection by;
	// instanceId uniquely tags this connection object across its lifetime
	identifier string
	instanceId string

	// Configuration snapshot taken at construction; later ambient changes
	// never reconfigure an open connection
	cfg config.Snapshot

	// Current security level and the option set derived from it. The option
	// set exists only while the level uses TLS and is rebuilt on each level
	// change.
	level   security.Level
	options *security.Options

	// The socket-backed stream pair underneath us
	transporter transport.Transporter

	// Channels re-acquired from the transporter after each prepare; nil
	// whenever the streams are not configured
	events     <-chan transport.Event
	writableCh <-chan struct{}

	// mu guards the fields read by outside callers: stream states, the
	// response accumulator, and the data source pointer
	mu         sync.Mutex
	readState  StreamState
	writeState StreamState
	dataSource DataSource

	accumulator       []byte
	lastStatusCode    int
	lastContentLength int

	// Write pipeline state, touched only on the loop
	canAccept       bool
	processNext     bool
	inflight        *requestbuffer.Buffer
	inflightStarted bool

	delegates *delegate.Set
	eventBus  *bus.Bus

	commands chan command

	// Auto-reconnect bookkeeping
	reconnectBackoff *backoff.ExponentialBackOff
	reconnectPending bool

	initErr error
}

// New builds a connection toward the snapshot's origin over the given stream
// pair and starts its event loop. The connection starts disconnected;
// nothing touches the network until Connect.
func New(logger *logger.Logger, identifier string, cfg config.Snapshot, transporter transport.Transporter) *Connection {
	level := security.Cleartext
	if cfg.SecureConnection {
		level = security.Strict
	}

	mode := delegate.Exclusive
	if cfg.SharedConnection {
		mode = delegate.Shared
	}

	reconnectBackoff := backoff.NewExponentialBackOff()
	reconnectBackoff.MaxInterval = 15 * time.Minute
	reconnectBackoff.MaxElapsedTime = 0

	conn := &Connection{
		logger:           logger,
		identifier:       identifier,
		instanceId:       uuid.New().String(),
		cfg:              cfg,
		level:            level,
		transporter:      transporter,
		delegates:        delegate.NewSet(mode),
		eventBus:         bus.Default(),
		commands:         make(chan command, 16),
		reconnectBackoff: reconnectBackoff,
	}

	conn.logger.AddConnectionId(conn.instanceId)

	conn.tmb.Go(conn.run)

	return conn
}

func (c *Connection) Identifier() string {
	return c.identifier
}

func (c *Connection) InstanceId() string {
	return c.instanceId
}

func (c *Connection) SecurityLevel() security.Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

func (c *Connection) InitError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initErr
}

func (c *Connection) Done() <-chan struct{} {
	return c.tmb.Dead()
}

func (c *Connection) Err() error {
	return c.tmb.Err()
}

// Connect asks the loop to establish the stream pair. Fire and forget: the
// outcome is reported through delegates and the event bus.
func (c *Connection) Connect() {
	c.enqueue(command{kind: cmdConnect})
}

// CloseConnection asks the loop to tear the stream pair down. Closing an
// already-closed connection is a no-op.
func (c *Connection) CloseConnection() {
	c.enqueue(command{kind: cmdCloseConnection})
}

// ScheduleNextRequestExecution marks the request queue as runnable and, when
// connected, pulls the next request from the data source.
func (c *Connection) ScheduleNextRequestExecution() {
	c.enqueue(command{kind: cmdScheduleNext})
}

// UnscheduleRequestsExecution cancels future pulls from the data source. It
// does not cancel a request already in flight.
func (c *Connection) UnscheduleRequestsExecution() {
	c.enqueue(command{kind: cmdUnschedule})
}

// SetDataSource installs the producer of request buffers.
func (c *Connection) SetDataSource(dataSource DataSource) {
	c.enqueue(command{kind: cmdSetDataSource, dataSource: dataSource})
}

func (c *Connection) AssignDelegate(d delegate.Delegate) {
	c.delegates.Assign(d)
}

func (c *Connection) AssignDelegateWithLiveness(d delegate.Delegate, alive func() bool) {
	c.delegates.AssignWithLiveness(d, alive)
}

func (c *Connection) ResignDelegate(d delegate.Delegate) {
	c.delegates.Resign(d)
}

// Destroy tears down the streams, stops the event loop, and waits for it.
// The connection cannot be used afterwards.
func (c *Connection) Destroy(reason error) {
	if !c.tmb.Alive() {
		return
	}
	c.logger.Infof("Connection shutting down because: %s", reason)
	c.tmb.Kill(reason)
	c.tmb.Wait()
}

func (c *Connection) enqueue(cmd command) {
	select {
	case c.commands <- cmd:
	case <-c.tmb.Dying():
	}
}

func (c *Connection) run() error {
	c.logger.Infof("Connection loop started for %s", c.cfg.Origin)
	defer c.logger.Infof("Connection loop stopped")

	for {
		select {
		case <-c.tmb.Dying():
			c.teardownStreams(fmt.Errorf("connection destroyed"), true)
			return nil

		case cmd := <-c.commands:
			c.handleCommand(cmd)

		case event := <-c.events:
			c.handleStreamEvent(event)

		case <-c.writableCh:
			c.handleCanAcceptBytes()
		}
	}
}

func (c *Connection) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdConnect:
		c.connect()
	case cmdCloseConnection:
		c.closeConnection()
	case cmdScheduleNext:
		c.scheduleNextRequestExecution()
	case cmdUnschedule:
		c.processNext = false
	case cmdReconnect:
		c.reconnectPending = false
		if !c.IsConnected() {
			c.connect()
		}
	case cmdSetDataSource:
		c.mu.Lock()
		c.dataSource = cmd.dataSource
		c.mu.Unlock()
	}
}

// prepare constructs the stream pair toward origin:port, with the port and
// the TLS settings derived from the current security level. A no-op when the
// streams are already configured.
func (c *Connection) prepare() error {
	read, write := c.streamStates()
	if read != NotConfigured || write != NotConfigured {
		return nil
	}

	c.mu.Lock()
	c.options = security.ForLevel(c.level)
	options := c.options
	level := c.level
	c.mu.Unlock()

	tlsConfig := options.TLSConfig(c.cfg.Origin)

	if err := c.transporter.Prepare(c.cfg.Origin, level.Port(), tlsConfig); err != nil {
		setupErr := &conerr.SetupFailedError{Reason: err}

		c.mu.Lock()
		c.initErr = setupErr
		c.options = nil
		c.mu.Unlock()

		return setupErr
	}

	c.events = c.transporter.Events()
	c.writableCh = c.transporter.Writable()
	c.setStreamStates(Ready, Ready)

	return nil
}

// connect is guarded: connected or connecting is a no-op, ready opens,
// anything else re-prepares once and then opens. A preparation failure surfaces as a setup
// error to delegates; connect itself never reports one.
func (c *Connection) connect() {
	if c.IsConnected() {
		c.logger.Debugf("Connect requested but the connection is already established")
		return
	}

	if c.IsConnecting() {
		return
	}

	if !c.IsReady() {
		// A half-configured or failed pair is torn down and rebuilt once
		c.teardownStreams(fmt.Errorf("rebuilding stream pair"), false)
		if err := c.prepare(); err != nil {
			c.logger.Error(err)
			c.notifyDidFail(err)
			return
		}
	}

	c.open()
}

func (c *Connection) open() {
	c.setStreamStates(Connecting, Connecting)

	if err := c.transporter.Open(); err != nil {
		c.setStreamStates(StreamError, StreamError)
		c.handleStreamError(writeHalf, err)
	}
}

// closeConnection is the explicit, graceful close. A partially sent request
// is failed to the data source; an untouched in-flight buffer is kept so it
// can be written after a later reconnect.
func (c *Connection) closeConnection() {
	if c.IsDisconnected() {
		return
	}

	wasConnected := c.IsConnected()
	c.teardownStreams(fmt.Errorf("connection closed locally"), false)

	if wasConnected {
		c.notifyDidDisconnect()
	}
}

func (c *Connection) handleStreamEvent(event transport.Event) {
	switch event.Kind {
	case transport.OpenCompleted:
		c.handleOpenCompleted(event.Half)
	case transport.BytesAvailable:
		c.handleBytesAvailable(event.Data)
	case transport.EndEncountered:
		c.handleRemoteClose()
	case transport.ErrorOccurred:
		half := readHalf
		if event.Half == transport.WriteHalf {
			half = writeHalf
		}
		c.handleStreamError(half, event.Err)
	}
}

func (c *Connection) handleOpenCompleted(half transport.Half) {
	if half == transport.ReadHalf {
		c.setStreamState(readHalf, Connected)
	} else {
		c.setStreamState(writeHalf, Connected)
	}

	if !c.IsConnected() {
		return
	}

	c.logger.Infof("Connected to %s at the %s security level", c.cfg.Origin, c.level)
	c.reconnectBackoff.Reset()

	c.notifyDidConnect()

	// Readiness advertised; start draining the request queue
	c.processNext = true
	c.pullNextRequest()
}

// handleRemoteClose treats end-of-stream from the origin as a timeout: the
// streams close cleanly and delegates observe a plain disconnect.
func (c *Connection) handleRemoteClose() {
	c.logger.Infof("Origin closed the connection")

	c.teardownStreams(&conerr.RemoteClosedError{}, false)
	c.notifyDidDisconnect()

	c.scheduleReconnect()
}

// handleStreamError routes a transport failure through the classifier: a
// handshake rejection falls back to a weaker security level when the
// configuration permits it, everything else surfaces to delegates with a
// severity-dependent close.
func (c *Connection) handleStreamError(half streamHalf, err error) {
	if err == nil {
		return
	}

	if conerr.IsTLSHandshakeFailure(err) {
		if c.level == security.Strict && c.cfg.ReduceSecurityOnError {
			c.fallBack(security.Lenient, err)
			return
		}
		if c.level == security.Lenient && c.cfg.CleartextFallback {
			c.fallBack(security.Cleartext, err)
			return
		}
	}

	c.logger.Error(err)

	read, write := c.streamStates()
	established := read == Connected || write == Connected

	if established {
		c.failInflight()
		c.notifyWillDisconnect(err)
		c.teardownStreams(err, false)
		c.scheduleReconnect()
	} else {
		c.setStreamState(half, StreamError)
		c.notifyDidFail(err)
	}
}

// fallBack silently closes the stream pair, rebuilds the security option set
// at the weaker level, and restarts the handshake. Delegates never observe
// the intermediate failure.
func (c *Connection) fallBack(to security.Level, cause error) {
	c.logger.Infof("Origin rejected the %s handshake (%s), retrying at the %s level", c.level, cause, to)

	// An untouched request buffer survives the fallback; no bytes of it have
	// been written yet
	stash := c.inflight
	c.inflight = nil
	c.inflightStarted = false

	c.teardownStreams(cause, false)

	c.mu.Lock()
	c.level = to
	c.mu.Unlock()

	c.inflight = stash

	c.enqueueFromLoop(command{kind: cmdConnect})
}

// enqueueFromLoop posts a command from the loop itself without ever blocking
// on the loop's own queue.
func (c *Connection) enqueueFromLoop(cmd command) {
	select {
	case c.commands <- cmd:
	default:
		c.tmb.Go(func() error {
			c.enqueue(cmd)
			return nil
		})
	}
}

// teardownStreams is the single close path. It is idempotent; it unhooks the
// event channels, closes the transporter, releases the security option set
// and the accumulator, and settles the in-flight buffer. A partially sent
// buffer is always failed to the data source; an untouched one is failed
// only when failUntouched is set.
func (c *Connection) teardownStreams(reason error, failUntouched bool) {
	read, write := c.streamStates()
	if read == NotConfigured && write == NotConfigured {
		return
	}

	if c.inflight != nil && (c.inflight.IsPartiallySent() || failUntouched) {
		c.failInflight()
	}

	c.transporter.Close(reason)

	c.events = nil
	c.writableCh = nil
	c.canAccept = false
	c.inflightStarted = false

	c.mu.Lock()
	c.options = nil
	c.accumulator = nil
	c.mu.Unlock()

	c.setStreamStates(NotConfigured, NotConfigured)
}

// failInflight reports the in-flight request as failed to the data source
// and clears it.
func (c *Connection) failInflight() {
	if c.inflight == nil {
		return
	}

	requestId := c.inflight.RequestId()
	c.inflight = nil
	c.inflightStarted = false

	if source := c.currentDataSource(); source != nil {
		source.DidFailToProcessRequest(c.identifier, requestId)
	}
}

func (c *Connection) currentDataSource() DataSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataSource
}

// scheduleReconnect arms one delayed connect attempt when the configuration
// asks for automatic reconnection.
func (c *Connection) scheduleReconnect() {
	if !c.cfg.AutoReconnect || c.reconnectPending || !c.tmb.Alive() {
		return
	}

	delay := c.reconnectBackoff.NextBackOff()
	if delay == backoff.Stop {
		c.reconnectBackoff.Reset()
		delay = c.reconnectBackoff.NextBackOff()
	}

	c.reconnectPending = true
	c.logger.Infof("Lost connection to %s, reconnecting in %s", c.cfg.Origin, delay.Round(time.Millisecond))

	c.tmb.Go(func() error {
		select {
		case <-time.After(delay):
			c.enqueue(command{kind: cmdReconnect})
		case <-c.tmb.Dying():
		}
		return nil
	})
}

func (c *Connection) notifyDidConnect() {
	origin := c.cfg.Origin
	c.delegates.Broadcast(func(d delegate.Delegate) {
		d.DidConnectToHost(origin)
	})
	c.eventBus.Publish(bus.Notification{
		Event:        bus.Connected,
		ConnectionId: c.instanceId,
		Origin:       origin,
	})
}

func (c *Connection) notifyDidDisconnect() {
	origin := c.cfg.Origin
	c.delegates.Broadcast(func(d delegate.Delegate) {
		d.DidDisconnectFromHost(origin)
	})
	c.eventBus.Publish(bus.Notification{
		Event:        bus.Disconnected,
		ConnectionId: c.instanceId,
		Origin:       origin,
	})
}

func (c *Connection) notifyWillDisconnect(err error) {
	origin := c.cfg.Origin
	c.delegates.Broadcast(func(d delegate.Delegate) {
		d.WillDisconnectFromHost(origin, err)
	})
	c.eventBus.Publish(bus.Notification{
		Event:        bus.DisconnectedWithError,
		ConnectionId: c.instanceId,
		Origin:       origin,
		Err:          err,
	})
}

func (c *Connection) notifyDidFail(err error) {
	origin := c.cfg.Origin
	c.delegates.Broadcast(func(d delegate.Delegate) {
		d.ConnectionDidFailToHost(origin, err)
	})
	c.eventBus.Publish(bus.Notification{
		Event:        bus.Failed,
		ConnectionId: c.instanceId,
		Origin:       origin,
		Err:          err,
	})
}

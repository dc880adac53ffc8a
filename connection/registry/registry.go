/*
Package registry maps connection identifiers to live connections and owns
their construction. On shared-connection deployments every identifier
collapses onto one process-wide connection; otherwise each identifier gets
its own. The default registry is process-wide state built lazily on first
access.
*/
package registry

import (
	"fmt"
	"sync"

	"github.com/hfeeki/pubnub-api/config"
	"github.com/hfeeki/pubnub-api/connection"
	"github.com/hfeeki/pubnub-api/connection/transport"
	"github.com/hfeeki/pubnub-api/connection/transport/socket"
	"github.com/hfeeki/pubnub-api/logger"
)

// SharedIdentifier is the reserved name the process-wide connection lives
// under when the configuration collapses all identifiers onto one.
const SharedIdentifier = "_shared"

type Registry struct {
	mu     sync.Mutex
	logger *logger.Logger

	cfg   config.Snapshot
	proxy *transport.Proxy

	connections map[string]*connection.Connection
}

func New(logger *logger.Logger, cfg config.Snapshot) *Registry {
	return &Registry{
		logger:      logger,
		cfg:         cfg,
		connections: make(map[string]*connection.Connection),
	}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry, constructing it from the
// ambient configuration on first access.
func Default() *Registry {
	defaultOnce.Do(func() {
		log, _ := logger.New(&logger.Config{})
		defaultRegistry = New(log, config.Default())
	})
	return defaultRegistry
}

// SetProxy installs the proxy descriptor handed to connections built after
// this call.
func (r *Registry) SetProxy(proxy *transport.Proxy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proxy = proxy
}

// Get returns the connection registered under identifier, constructing one
// from the registry's configuration snapshot when none exists. With a shared
// configuration any identifier aliases the one process-wide connection.
func (r *Registry) Get(identifier string) *connection.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.connections[identifier]; ok {
		return conn
	}

	if r.cfg.SharedConnection {
		if conn, ok := r.connections[SharedIdentifier]; ok {
			r.connections[identifier] = conn
			return conn
		}

		conn := r.build(SharedIdentifier)
		r.connections[SharedIdentifier] = conn
		if identifier != SharedIdentifier {
			r.connections[identifier] = conn
		}
		return conn
	}

	conn := r.build(identifier)
	r.connections[identifier] = conn
	return conn
}

// Destroy removes every identifier registered to this connection. It does
// not close the connection's streams; the connection does that itself when
// it is destroyed.
func (r *Registry) Destroy(conn *connection.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for identifier, registered := range r.connections {
		if registered == conn {
			delete(r.connections, identifier)
		}
	}
}

// CloseAll snapshots the registered connections, empties the registry, and
// then shuts each one down. Nothing mutates the registry while the snapshot
// is being worked through.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	snapshot := make([]*connection.Connection, 0, len(r.connections))
	seen := make(map[string]bool, len(r.connections))
	for _, conn := range r.connections {
		if !seen[conn.InstanceId()] {
			seen[conn.InstanceId()] = true
			snapshot = append(snapshot, conn)
		}
	}
	r.connections = make(map[string]*connection.Connection)
	r.mu.Unlock()

	for _, conn := range snapshot {
		conn.Destroy(fmt.Errorf("registry closing all connections"))
	}
}

// Count returns how many identifiers are currently registered.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections)
}

func (r *Registry) build(identifier string) *connection.Connection {
	connLogger := r.logger.GetComponentLogger("Connection")
	socketLogger := connLogger.GetComponentLogger("Socket")

	r.logger.Infof("Constructing connection %s toward %s", identifier, r.cfg.Origin)

	transporter := socket.New(socketLogger, r.proxy)
	return connection.New(connLogger, identifier, r.cfg, transporter)
}

package server

import (
	"net"
	"sync"

	"github.com/hfeeki/pubnub-api/logger"
)

// TcpServer is a single-client TCP listener for exercising the socket layer
// in tests. It records everything the client writes and sends whatever the
// test scripts.
type TcpServer struct {
	logger   *logger.Logger
	listener net.Listener

	mu       sync.Mutex
	client   net.Conn
	received []byte

	accepted chan struct{}
}

func NewTcpServer(logger *logger.Logger) (*TcpServer, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	server := &TcpServer{
		logger:   logger,
		listener: listener,
		accepted: make(chan struct{}),
	}

	go server.serve()

	return server, nil
}

func (t *TcpServer) Addr() string {
	return t.listener.Addr().String()
}

func (t *TcpServer) Port() int {
	return t.listener.Addr().(*net.TCPAddr).Port
}

func (t *TcpServer) serve() {
	conn, err := t.listener.Accept()
	if err != nil {
		return
	}
	t.logger.Infof("Test server accepted client %s", conn.RemoteAddr())

	t.mu.Lock()
	t.client = conn
	t.mu.Unlock()
	close(t.accepted)

	buffer := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buffer)
		if n > 0 {
			t.mu.Lock()
			t.received = append(t.received, buffer[:n]...)
			t.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// WaitForClient blocks until the client connects.
func (t *TcpServer) WaitForClient() {
	<-t.accepted
}

// Received returns a copy of everything the client has written so far.
func (t *TcpServer) Received() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	received := make([]byte, len(t.received))
	copy(received, t.received)
	return received
}

// Send writes bytes to the connected client.
func (t *TcpServer) Send(data []byte) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	_, err := client.Write(data)
	return err
}

// CloseClient closes the server's end of the client connection, which the
// client observes as EOF.
func (t *TcpServer) CloseClient() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		t.client.Close()
	}
}

func (t *TcpServer) Shutdown() {
	t.listener.Close()
	t.CloseClient()
}

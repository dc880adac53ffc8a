/*
The socket package owns the raw TCP stream pair underneath a connection. It
dials the origin (optionally tunneling through an HTTP proxy), performs the
TLS handshake it is configured with, and reports readiness changes for both
halves as transport events. In terms of the overall connection layer
architecture, this package is at the lowest layer, providing raw bytes to the
connection for it to account and parse.
*/
package socket

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/hfeeki/pubnub-api/connection/conerr"
	"github.com/hfeeki/pubnub-api/connection/transport"
	"github.com/hfeeki/pubnub-api/logger"
)

const (
	// One read off the socket pulls at most this much
	readChunkSize = 32 * 1024

	// One write onto the socket pushes at most this much; the write half
	// signals Writable again after each accepted chunk
	maxWriteChunk = 32 * 1024

	dialTimeout = 30 * time.Second
)

type Socket struct {
	tmb    tomb.Tomb
	logger *logger.Logger

	host      string
	port      int
	tlsConfig *tls.Config
	proxy     *transport.Proxy

	// connMu serializes the handoff of conn between the dialing goroutine
	// and Close
	connMu sync.Mutex
	conn   net.Conn

	events   chan transport.Event
	writable chan struct{}

	prepared bool
}

func New(logger *logger.Logger, proxy *transport.Proxy) transport.Transporter {
	return &Socket{
		logger: logger,
		proxy:  proxy,
	}
}

// Prepare points the pair at its target and resets the event channels.
// Reinitializes the tomb in case this is post death.
func (s *Socket) Prepare(host string, port int, tlsConfig *tls.Config) error {
	if s.tmb.Alive() && s.prepared {
		return nil
	}

	if host == "" {
		return fmt.Errorf("cannot prepare stream pair without a host")
	}

	s.host = host
	s.port = port
	s.tlsConfig = tlsConfig
	s.conn = nil

	s.tmb = tomb.Tomb{}
	s.events = make(chan transport.Event, 32)
	s.writable = make(chan struct{}, 1)
	s.prepared = true

	return nil
}

// Open starts the asynchronous connect. The result arrives on Events as
// OpenCompleted for both halves, or as ErrorOccurred.
func (s *Socket) Open() error {
	if !s.prepared {
		return fmt.Errorf("stream pair opened before it was prepared")
	}

	s.tmb.Go(s.run)
	return nil
}

func (s *Socket) Events() <-chan transport.Event {
	return s.events
}

func (s *Socket) Writable() <-chan struct{} {
	return s.writable
}

func (s *Socket) Done() <-chan struct{} {
	return s.tmb.Dead()
}

func (s *Socket) Err() error {
	return s.tmb.Err()
}

// Write pushes at most one chunk onto the socket and re-arms the Writable
// signal. Returns the byte count the socket actually accepted.
func (s *Socket) Write(p []byte) (int, error) {
	if s.conn == nil {
		return 0, fmt.Errorf("cannot write because the socket is not open")
	}

	if len(p) > maxWriteChunk {
		p = p[:maxWriteChunk]
	}

	n, err := s.conn.Write(p)
	if err != nil {
		return n, wrapSocketError(err)
	}

	s.signalWritable()
	return n, nil
}

func (s *Socket) Close(reason error) {
	if s.tmb.Alive() {
		s.logger.Infof("Socket closing because: %s", reason)
		s.prepared = false

		s.tmb.Kill(reason)
		s.connMu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.connMu.Unlock()
		s.tmb.Wait()
	} else {
		// The read loop is already gone; make sure the descriptor is too
		s.prepared = false
		s.connMu.Lock()
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.connMu.Unlock()
	}
}

func (s *Socket) run() error {
	defer s.logger.Infof("Socket closed")

	conn, err := s.dial()
	if err != nil {
		s.emit(transport.Event{Kind: transport.ErrorOccurred, Half: transport.WriteHalf, Err: err})
		return nil
	}

	s.connMu.Lock()
	if !s.tmb.Alive() {
		s.connMu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.connMu.Unlock()

	s.logger.Infof("Socket connected to %s:%d", s.host, s.port)

	s.emit(transport.Event{Kind: transport.OpenCompleted, Half: transport.ReadHalf})
	s.emit(transport.Event{Kind: transport.OpenCompleted, Half: transport.WriteHalf})
	s.signalWritable()

	return s.receive()
}

// dial establishes the TCP stream, tunneling through the proxy when one is
// configured, then layers the TLS handshake on top when the current security
// level calls for one.
func (s *Socket) dial() (net.Conn, error) {
	address := fmt.Sprintf("%s:%d", s.host, s.port)

	var conn net.Conn
	var err error
	if s.proxy != nil {
		conn, err = s.dialProxy(address)
	} else {
		conn, err = net.DialTimeout("tcp", address, dialTimeout)
	}
	if err != nil {
		return nil, wrapSocketError(err)
	}

	if s.tlsConfig != nil {
		tlsConn := tls.Client(conn, s.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, wrapHandshakeError(err)
		}
		conn = tlsConn
	}

	return conn, nil
}

// dialProxy opens the TCP stream to the proxy and asks it to tunnel to the
// origin with an HTTP CONNECT exchange.
func (s *Socket) dialProxy(address string) (net.Conn, error) {
	proxyAddress := fmt.Sprintf("%s:%d", s.proxy.Host, s.proxy.Port)
	conn, err := net.DialTimeout("tcp", proxyAddress, dialTimeout)
	if err != nil {
		return nil, err
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", address, address); err != nil {
		conn.Close()
		return nil, err
	}

	response, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		return nil, err
	}
	response.Body.Close()

	if response.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy refused to tunnel to %s: %s", address, response.Status)
	}

	return conn, nil
}

func (s *Socket) receive() error {
	buffer := make([]byte, readChunkSize)

	for {
		n, err := s.conn.Read(buffer)

		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buffer[:n])
			if !s.emit(transport.Event{Kind: transport.BytesAvailable, Half: transport.ReadHalf, Data: chunk}) {
				return nil
			}
		}

		if !s.tmb.Alive() {
			return nil
		}

		if errors.Is(err, io.EOF) {
			s.emit(transport.Event{Kind: transport.EndEncountered, Half: transport.ReadHalf})
			return nil
		} else if err != nil {
			s.emit(transport.Event{Kind: transport.ErrorOccurred, Half: transport.ReadHalf, Err: wrapSocketError(err)})
			return nil
		}
	}
}

// emit delivers an event unless the pair is being torn down.
func (s *Socket) emit(event transport.Event) bool {
	select {
	case s.events <- event:
		return true
	case <-s.tmb.Dying():
		return false
	}
}

// signalWritable re-arms the coalescing can-accept-bytes signal.
func (s *Socket) signalWritable() {
	select {
	case s.writable <- struct{}{}:
	default:
	}
}

// wrapSocketError preserves the errno underneath a socket failure.
func wrapSocketError(err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return conerr.NewTransportError(conerr.DomainPOSIX, int(errno), err)
	}
	return conerr.NewTransportError(conerr.DomainStream, 0, err)
}

// wrapHandshakeError maps a TLS handshake failure onto its security-domain
// status code so the classifier can recognize it.
func wrapHandshakeError(err error) error {
	code := conerr.CodeNegotiationFailure

	var unknownAuthority x509.UnknownAuthorityError
	var invalidCert x509.CertificateInvalidError
	var hostname x509.HostnameError
	var recordHeader tls.RecordHeaderError

	switch {
	case errors.As(err, &unknownAuthority):
		code = conerr.CodeUnknownRootCert
	case errors.As(err, &invalidCert):
		if invalidCert.Reason == x509.Expired {
			code = conerr.CodeCertExpired
		} else {
			code = conerr.CodeCertChainInvalid
		}
	case errors.As(err, &hostname):
		code = conerr.CodeBadCertificate
	case errors.As(err, &recordHeader):
		code = conerr.CodeProtocolFailure
	}

	return conerr.NewTransportError(conerr.DomainSecurity, code, err)
}

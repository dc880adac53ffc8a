/*
Package conerr normalizes the failures the transport can report into the
error kinds the connection's classifier works with. The originating domain
and numeric code are always preserved so that callers can still see exactly
what the platform reported.
*/
package conerr

import (
	"errors"
	"fmt"
)

// Domain identifies where a transport error originated.
type Domain string

const (
	// DomainPOSIX carries an errno from the socket layer
	DomainPOSIX Domain = "posix"

	// DomainSecurity carries a handshake status from the TLS layer
	DomainSecurity Domain = "security"

	// DomainStream covers failures of the stream machinery itself
	DomainStream Domain = "stream"
)

// Handshake status codes reported in the security domain.
const (
	CodeProtocolFailure      = -9800
	CodeNegotiationFailure   = -9801
	CodeFatalAlert           = -9802
	CodeClosedGraceful       = -9805
	CodeClosedAbort          = -9806
	CodeCertChainInvalid     = -9807
	CodeBadCertificate       = -9808
	CodeCryptoFailure        = -9809
	CodeInternalFailure      = -9810
	CodeUnknownRootCert      = -9812
	CodeNoRootCert           = -9813
	CodeCertExpired          = -9814
	CodeCertNotYetValid      = -9815
	CodeClosedNoNotify       = -9816
	CodeBufferOverflow       = -9817
	CodeBadCipherSuite       = -9818
)

// The handshake range the escalator reacts to, inclusive.
const (
	tlsCodeRangeLow  = -9818
	tlsCodeRangeHigh = -9800
)

// TransportError is a read/write failure with its underlying domain and code
// preserved.
type TransportError struct {
	Domain  Domain
	Code    int
	Wrapped error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (domain %s, code %d): %s", e.Domain, e.Code, e.Wrapped)
}

func (e *TransportError) Unwrap() error { return e.Wrapped }

// NewTransportError wraps err with its originating domain and code.
func NewTransportError(domain Domain, code int, err error) *TransportError {
	return &TransportError{Domain: domain, Code: code, Wrapped: err}
}

// SetupFailedError is used when the stream pair could not be created or
// configured.
type SetupFailedError struct {
	Reason error
}

func (e *SetupFailedError) Error() string {
	return fmt.Sprintf("connection setup failed: %s", e.Reason)
}

func (e *SetupFailedError) Unwrap() error { return e.Reason }

// TlsRejectedError is used when the origin refused the handshake at the
// current security level.
type TlsRejectedError struct {
	Code    int
	Wrapped error
}

func (e *TlsRejectedError) Error() string {
	return fmt.Sprintf("tls handshake rejected (code %d): %s", e.Code, e.Wrapped)
}

func (e *TlsRejectedError) Unwrap() error { return e.Wrapped }

// RemoteClosedError is used when the origin closed its end of the stream.
type RemoteClosedError struct{}

func (e *RemoteClosedError) Error() string { return "connection closed by remote origin" }

func (e *RemoteClosedError) Unwrap() error { return nil }

// RequestWriteFailedError is used when a write failed while a request buffer
// was partially sent. It is reported to the request's producer, never
// broadcast.
type RequestWriteFailedError struct {
	RequestId string
	Wrapped   error
}

func (e *RequestWriteFailedError) Error() string {
	return fmt.Sprintf("failed to finish writing request %s: %s", e.RequestId, e.Wrapped)
}

func (e *RequestWriteFailedError) Unwrap() error { return e.Wrapped }

// IsTLSHandshakeFailure reports whether err is a security-domain failure in
// the handshake range the escalator knows how to react to.
func IsTLSHandshakeFailure(err error) bool {
	var terr *TransportError
	if errors.As(err, &terr) {
		return terr.Domain == DomainSecurity &&
			terr.Code >= tlsCodeRangeLow && terr.Code <= tlsCodeRangeHigh
	}

	var rejected *TlsRejectedError
	if errors.As(err, &rejected) {
		return rejected.Code >= tlsCodeRangeLow && rejected.Code <= tlsCodeRangeHigh
	}

	return false
}

// IsRemoteClosed reports whether err marks an end-of-stream from the origin.
func IsRemoteClosed(err error) bool {
	var closed *RemoteClosedError
	return errors.As(err, &closed)
}

package conerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandshakeRangeIsRecognized(t *testing.T) {
	tests := []struct {
		name      string
		domain    Domain
		code      int
		handshake bool
	}{
		{name: "protocol failure at the top of the range", domain: DomainSecurity, code: -9800, handshake: true},
		{name: "bad cipher suite at the bottom of the range", domain: DomainSecurity, code: -9818, handshake: true},
		{name: "chain invalid inside the range", domain: DomainSecurity, code: CodeCertChainInvalid, handshake: true},
		{name: "below the range", domain: DomainSecurity, code: -9819, handshake: false},
		{name: "above the range", domain: DomainSecurity, code: -9799, handshake: false},
		{name: "posix errno is never a handshake failure", domain: DomainPOSIX, code: -9807, handshake: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewTransportError(tt.domain, tt.code, errors.New("boom"))
			assert.Equal(t, tt.handshake, IsTLSHandshakeFailure(err))
		})
	}
}

func TestWrappedTransportErrorsAreStillRecognized(t *testing.T) {
	err := fmt.Errorf("open failed: %w", NewTransportError(DomainSecurity, CodeCertExpired, errors.New("expired")))

	assert.True(t, IsTLSHandshakeFailure(err))
}

func TestTlsRejectedErrorCarriesItsCode(t *testing.T) {
	err := &TlsRejectedError{Code: CodeNoRootCert, Wrapped: errors.New("no root")}

	assert.True(t, IsTLSHandshakeFailure(err))
	assert.ErrorContains(t, err, "no root")
}

func TestRemoteClosedDetection(t *testing.T) {
	assert.True(t, IsRemoteClosed(&RemoteClosedError{}))
	assert.True(t, IsRemoteClosed(fmt.Errorf("stream: %w", &RemoteClosedError{})))
	assert.False(t, IsRemoteClosed(errors.New("something else")))
}

func TestErrorKindsPreserveTheirCause(t *testing.T) {
	cause := errors.New("address in use")

	setup := &SetupFailedError{Reason: cause}
	assert.ErrorIs(t, setup, cause)

	writeFailed := &RequestWriteFailedError{RequestId: "req-1", Wrapped: cause}
	assert.ErrorIs(t, writeFailed, cause)
	assert.ErrorContains(t, writeFailed, "req-1")

	transport := NewTransportError(DomainPOSIX, 98, cause)
	assert.ErrorIs(t, transport, cause)
	assert.ErrorContains(t, transport, "posix")
}

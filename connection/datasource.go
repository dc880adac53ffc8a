package connection

import (
	"github.com/hfeeki/pubnub-api/connection/requestbuffer"
)

// DataSource produces the request buffers a connection writes and receives
// per-request progress callbacks in return. The connection polls it whenever
// request execution is scheduled; the source is notified exactly once when a
// request's bytes begin flowing, and exactly once with the final outcome.
type DataSource interface {
	// HasData reports whether another request is waiting to be written
	HasData(connectionId string) bool

	// NextRequestIdentifier returns the identifier of the request that
	// should be written next
	NextRequestIdentifier(connectionId string) string

	// RequestData hands over the write buffer for a request. The connection
	// owns the buffer until it reports the request sent or failed.
	RequestData(connectionId string, requestId string) *requestbuffer.Buffer

	// ProcessingStarted fires once, when the request's first bytes are about
	// to go onto the socket
	ProcessingStarted(connectionId string, requestId string)

	// DidSendRequest fires when the request's buffer has been written fully
	DidSendRequest(connectionId string, requestId string)

	// DidFailToProcessRequest fires when the request cannot be completed
	DidFailToProcessRequest(connectionId string, requestId string)
}

package connection

import (
	"github.com/hfeeki/pubnub-api/connection/conerr"
)

// The write pipeline drains request buffers from the data source onto the
// socket, one buffer at a time, one chunk per can-accept-bytes event.
// Requests leave in exactly the order the source produces them.

func (c *Connection) scheduleNextRequestExecution() {
	if c.inflight == nil {
		c.processNext = true
	}
	c.pullNextRequest()
}

// pullNextRequest asks the data source for the next request when processing
// is scheduled, the connection is established, and nothing is in flight.
func (c *Connection) pullNextRequest() {
	if !c.processNext || c.inflight != nil || !c.IsConnected() {
		return
	}

	source := c.currentDataSource()
	if source == nil || !source.HasData(c.identifier) {
		return
	}

	requestId := source.NextRequestIdentifier(c.identifier)
	buffer := source.RequestData(c.identifier, requestId)
	if buffer == nil {
		c.logger.Errorf("data source offered request %s but returned no buffer for it", requestId)
		return
	}

	c.logger.Debugf("Request %s pulled for writing (%d bytes)", requestId, buffer.Len())

	c.inflight = buffer
	c.inflightStarted = false

	if c.canAccept {
		c.writeNextChunk()
	}
}

func (c *Connection) handleCanAcceptBytes() {
	c.canAccept = true

	if c.inflight != nil {
		c.writeNextChunk()
	} else {
		c.pullNextRequest()
	}
}

// writeNextChunk pushes the in-flight buffer's unwritten tail at the socket.
// The data source learns that processing started exactly once per buffer,
// right before its first byte goes out.
func (c *Connection) writeNextChunk() {
	if !c.canAccept || c.inflight == nil {
		return
	}

	source := c.currentDataSource()

	if c.inflight.Offset() == 0 && !c.inflightStarted {
		c.inflightStarted = true
		if source != nil {
			source.ProcessingStarted(c.identifier, c.inflight.RequestId())
		}
	}

	// Readiness is consumed by this write; the transporter re-arms it once
	// the socket accepts the chunk
	c.canAccept = false

	written, err := c.transporter.Write(c.inflight.Remaining())
	if written > 0 {
		c.inflight.Advance(written)
	}

	if err != nil {
		c.handleWriteError(err)
		return
	}

	if c.inflight.HasData() {
		// Partial write; resume on the next can-accept-bytes event
		c.logger.Debugf("Request %s partially written: %d of %d bytes", c.inflight.RequestId(), c.inflight.Offset(), c.inflight.Len())
		return
	}

	completedId := c.inflight.RequestId()
	c.inflight = nil
	c.inflightStarted = false

	c.logger.Debugf("Request %s fully written", completedId)

	if source != nil {
		source.DidSendRequest(c.identifier, completedId)
	}

	c.pullNextRequest()
}

// handleWriteError settles a failed write. An error correlated with a
// partially sent buffer is reported to the data source at per-request
// granularity and never broadcast as a generic failure; the close that
// follows still announces itself.
func (c *Connection) handleWriteError(err error) {
	if c.inflight != nil && c.inflight.IsPartiallySent() {
		requestId := c.inflight.RequestId()
		c.inflight = nil
		c.inflightStarted = false

		c.logger.Error(&conerr.RequestWriteFailedError{RequestId: requestId, Wrapped: err})

		if source := c.currentDataSource(); source != nil {
			source.DidFailToProcessRequest(c.identifier, requestId)
		}

		c.notifyWillDisconnect(err)
		c.teardownStreams(err, false)
		c.scheduleReconnect()
		return
	}

	c.handleStreamError(writeHalf, err)
}

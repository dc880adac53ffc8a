/*
Package requestbuffer holds the outbound bytes of a single request along with
the write progress the connection has made through them. The connection owns
the buffer exclusively while it is in flight.
*/
package requestbuffer

// Buffer is one request's serialized bytes plus a send offset.
type Buffer struct {
	requestId string
	payload   []byte
	offset    int
}

func New(requestId string, payload []byte) *Buffer {
	return &Buffer{
		requestId: requestId,
		payload:   payload,
	}
}

func (b *Buffer) RequestId() string {
	return b.requestId
}

func (b *Buffer) Len() int {
	return len(b.payload)
}

func (b *Buffer) Offset() int {
	return b.offset
}

// HasData reports whether any bytes remain to be written.
func (b *Buffer) HasData() bool {
	return b.offset < len(b.payload)
}

// IsPartiallySent reports whether some, but not all, bytes have been written.
func (b *Buffer) IsPartiallySent() bool {
	return b.offset > 0 && b.offset < len(b.payload)
}

// Remaining returns the unwritten tail of the payload.
func (b *Buffer) Remaining() []byte {
	return b.payload[b.offset:]
}

// Advance moves the offset forward by n written bytes, clamping at the
// payload length so offset <= len always holds.
func (b *Buffer) Advance(n int) {
	if n <= 0 {
		return
	}
	b.offset += n
	if b.offset > len(b.payload) {
		b.offset = len(b.payload)
	}
}

package connection

// StreamState tracks one half of the stream pair through its lifecycle.
type StreamState int

const (
	// NotConfigured means the half has no underlying stream resources
	NotConfigured StreamState = iota

	// Ready means the half is configured and can be opened
	Ready

	// Connecting means an open is in flight, awaiting its completion event
	Connecting

	// Connected means the half has completed opening
	Connected

	// StreamError means the half failed and holds an error
	StreamError
)

func (s StreamState) String() string {
	switch s {
	case NotConfigured:
		return "not configured"
	case Ready:
		return "ready"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case StreamError:
		return "error"
	}
	return "unknown"
}

// The composite predicates hold only when both halves agree; in the window
// where one half has advanced and the other has not, none of them hold.

func (c *Connection) IsDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readState == NotConfigured && c.writeState == NotConfigured
}

func (c *Connection) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readState == Ready && c.writeState == Ready
}

func (c *Connection) IsConnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readState == Connecting && c.writeState == Connecting
}

func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readState == Connected && c.writeState == Connected
}

func (c *Connection) setStreamStates(read StreamState, write StreamState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readState = read
	c.writeState = write
}

func (c *Connection) setStreamState(half streamHalf, state StreamState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if half == readHalf {
		c.readState = state
	} else {
		c.writeState = state
	}
}

func (c *Connection) streamStates() (StreamState, StreamState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readState, c.writeState
}

type streamHalf int

const (
	readHalf streamHalf = iota
	writeHalf
)

package connection

import (
	"strconv"
	"strings"
)

// The read pipeline appends every chunk the socket delivers to the response
// accumulator and performs the minimal inspection the connection itself
// needs: the HTTP status line and, on a 200, the Content-Length header.
// Framing and body handling belong to whichever collaborator drains the
// accumulator.

func (c *Connection) handleBytesAvailable(data []byte) {
	if len(data) == 0 {
		return
	}

	c.mu.Lock()
	c.accumulator = append(c.accumulator, data...)
	c.mu.Unlock()

	c.processResponse()
}

func (c *Connection) processResponse() {
	c.mu.Lock()
	defer c.mu.Unlock()

	text := string(c.accumulator)

	statusCode, ok := parseStatusLine(text)
	if !ok {
		return
	}
	c.lastStatusCode = statusCode

	if statusCode == 200 {
		if length, ok := parseContentLength(text); ok {
			c.lastContentLength = length
		}
	}

	c.logger.Debugf("Response inspection: status %d, content length %d, %d bytes accumulated", c.lastStatusCode, c.lastContentLength, len(c.accumulator))
}

// LastStatusCode returns the most recently observed response status, or 0.
func (c *Connection) LastStatusCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStatusCode
}

// LastContentLength returns the Content-Length observed on the most recent
// 200 response, or 0.
func (c *Connection) LastContentLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastContentLength
}

// ResponseBuffer returns a copy of the accumulated response bytes.
func (c *Connection) ResponseBuffer() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	buffer := make([]byte, len(c.accumulator))
	copy(buffer, c.accumulator)
	return buffer
}

// DrainResponseBuffer hands the accumulated bytes over to the caller and
// empties the accumulator. This is how a response-parsing collaborator takes
// ownership of what has arrived so far.
func (c *Connection) DrainResponseBuffer() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	buffer := c.accumulator
	c.accumulator = nil
	return buffer
}

func parseStatusLine(text string) (int, bool) {
	marker := "HTTP/1.1 "
	index := strings.Index(text, marker)
	if index < 0 {
		return 0, false
	}

	rest := text[index+len(marker):]
	if len(rest) < 3 {
		return 0, false
	}

	code, err := strconv.Atoi(rest[:3])
	if err != nil {
		return 0, false
	}

	return code, true
}

func parseContentLength(text string) (int, bool) {
	lower := strings.ToLower(text)
	marker := "content-length:"
	index := strings.Index(lower, marker)
	if index < 0 {
		return 0, false
	}

	rest := text[index+len(marker):]
	end := strings.IndexAny(rest, "\r\n")
	if end < 0 {
		end = len(rest)
	}

	length, err := strconv.Atoi(strings.TrimSpace(rest[:end]))
	if err != nil {
		return 0, false
	}

	return length, true
}

package provider

import (
	"bufio"
	"io"
	"strings"
)

// SSEEvent is one server-sent event as parsed off the wire.
type SSEEvent struct {
	Event string
	Data  string
	ID    string
}

// SSEReader incrementally parses a text/event-stream body.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader wraps r for event-by-event reading.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{
		reader: bufio.NewReader(r),
	}
}

// ReadEvent reads the next complete event. Events are terminated by a blank
// line; comment lines are skipped; multiple data lines are joined with a
// newline. Returns io.EOF when the stream ends.
func (r *SSEReader) ReadEvent() (*SSEEvent, error) {
	event := &SSEEvent{}

	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			// Blank line ends the event, but only once it has data.
			if event.Data != "" {
				return event, nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		colonIdx := strings.Index(line, ":")
		var field, value string
		if colonIdx == -1 {
			field = line
		} else {
			field = line[:colonIdx]
			value = strings.TrimPrefix(line[colonIdx+1:], " ")
		}

		switch field {
		case "event":
			event.Event = value
		case "data":
			if event.Data != "" {
				event.Data += "\n"
			}
			event.Data += value
		case "id":
			event.ID = value
		}
	}
}

package stream

import (
	"bytes"
	"strings"
)

// Decoder reassembles lines from arbitrarily chunked input. A chunk
// boundary may fall anywhere, including inside a multi-byte character;
// bytes of an incomplete line stay buffered until the newline arrives.
type Decoder struct {
	buf bytes.Buffer
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a chunk and returns the events for every line it
// completed, in stream order.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf.Write(chunk)

	var events []Event
	for {
		data := d.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return events
		}
		line := string(data[:i])
		d.buf.Next(i + 1)

		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		events = append(events, decodeLine(line))
	}
}

// Flush drains a trailing unterminated line, if any. Call once after
// the stream ends so the final line is not lost.
func (d *Decoder) Flush() []Event {
	line := strings.TrimSuffix(d.buf.String(), "\r")
	d.buf.Reset()
	if line == "" {
		return nil
	}
	return []Event{decodeLine(line)}
}

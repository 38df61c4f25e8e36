// Package sse reads the server-sent-event wire format: labeled events of
// newline-joined data lines, terminated by a blank line, with last-event-id
// tracking. Retry hints and comment lines are tolerated and skipped.
package sse

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// Event is one dispatched server-sent event.
type Event struct {
	// Name is the event label; "message" when the stream sent none.
	Name string
	Data []byte
	// ID is the last-event-id in effect when the event was dispatched.
	ID string
}

// Reader incrementally parses one SSE stream.
type Reader struct {
	br     *bufio.Reader
	lastID string
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// LastEventID returns the most recent id seen on the stream.
func (r *Reader) LastEventID() string { return r.lastID }

// Next blocks until one complete event has been read. It returns the
// underlying read error (typically io.EOF) once the stream ends; a partial
// event pending at EOF is discarded, per the SSE processing model.
func (r *Reader) Next() (Event, error) {
	ev := Event{Name: "message"}
	var data [][]byte
	dispatch := false

	for {
		line, err := r.br.ReadString('\n')
		if err != nil {
			return Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !dispatch {
				continue // stray blank line between events
			}
			ev.Data = bytes.Join(data, []byte("\n"))
			ev.ID = r.lastID
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / heartbeat
		}

		field, value := splitField(line)
		switch field {
		case "event":
			ev.Name = value
			dispatch = true
		case "data":
			data = append(data, []byte(value))
			dispatch = true
		case "id":
			// Per spec, ids containing NUL are ignored.
			if !strings.ContainsRune(value, '\x00') {
				r.lastID = value
			}
			dispatch = true
		case "retry":
			// Reconnect pacing is owned by the subscription engine.
		}
	}
}

func splitField(line string) (field, value string) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return line, ""
	}
	field, value = line[:i], line[i+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value
}

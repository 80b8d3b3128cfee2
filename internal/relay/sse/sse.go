// Package sse is the minimal server-sent events codec shared by the relay
// server and its HTTP client. Only the "event" and "data" fields are used;
// every data payload is a single line of JSON.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ContentType is the media type of an event stream.
const ContentType = "text/event-stream"

// Event is one decoded frame.
type Event struct {
	Name string
	Data []byte
}

// Writer frames JSON events onto an http.ResponseWriter.
type Writer struct {
	w http.ResponseWriter
	f http.Flusher
}

// NewWriter prepares w for streaming. It fails if w cannot flush.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("sse: response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &Writer{w: w, f: f}, nil
}

// Send writes one event with v encoded as JSON.
func (s *Writer) Send(name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.SendRaw(name, b)
}

// SendRaw writes one event whose data is already JSON.
func (s *Writer) SendRaw(name string, data []byte) error {
	if bytes.ContainsAny(data, "\r\n") {
		return errors.New("sse: multi-line payload")
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// Ping writes a comment line to keep intermediaries from idling out.
func (s *Writer) Ping() error {
	if _, err := io.WriteString(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// Reader decodes frames from a stream.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	return &Reader{sc: sc}
}

// Next blocks for the next complete event. It returns io.EOF when the
// stream ends cleanly.
func (r *Reader) Next() (Event, error) {
	var ev Event
	for r.sc.Scan() {
		line := r.sc.Bytes()
		switch {
		case len(line) == 0:
			if ev.Data != nil {
				return ev, nil
			}
			ev = Event{}
		case line[0] == ':':
		case bytes.HasPrefix(line, []byte("event:")):
			ev.Name = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			ev.Data = append([]byte(nil), bytes.TrimSpace(line[len("data:"):])...)
		}
	}
	if err := r.sc.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

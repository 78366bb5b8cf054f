// Package sse implements the subset of the server-sent-events wire format
// used by the Messages streaming API: event/data fields, comment lines,
// multi-line data, and blank-line dispatch.
package sse

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Event is one dispatched server-sent event. Name is the value of the
// event field, empty when the stream did not set one. Data holds the
// data field values joined with newlines.
type Event struct {
	Name string
	Data string
}

// Parser is an incremental SSE parser. Feed accepts raw bytes in whatever
// chunks the transport delivers; an event is dispatched through the
// callback as soon as its terminating blank line arrives. Feeding a buffer
// split at any byte boundary yields the same events as feeding it whole.
type Parser struct {
	pending []byte
	name    string
	data    []string
}

// Feed consumes a chunk of raw bytes, dispatching any events completed by
// it. A trailing partial line is buffered until the next chunk.
func (p *Parser) Feed(chunk []byte, emit func(Event)) {
	buf := chunk
	if len(p.pending) > 0 {
		buf = append(p.pending, chunk...)
		p.pending = nil
	}
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(buf[:i], []byte{'\r'})
		buf = buf[i+1:]
		p.consumeLine(string(line), emit)
	}
	if len(buf) > 0 {
		p.pending = append([]byte(nil), buf...)
	}
}

func (p *Parser) consumeLine(line string, emit func(Event)) {
	switch {
	case line == "":
		p.dispatch(emit)
	case strings.HasPrefix(line, ":"):
		// comment line, ignore
	default:
		field, value := splitField(line)
		switch field {
		case "event":
			p.name = value
		case "data":
			p.data = append(p.data, value)
		}
		// id, retry and unknown fields are ignored
	}
}

// splitField splits "field: value", stripping at most one space after the
// colon. A line without a colon is a field with an empty value.
func splitField(line string) (field, value string) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return line, ""
	}
	value = line[i+1:]
	if strings.HasPrefix(value, " ") {
		value = value[1:]
	}
	return line[:i], value
}

// dispatch emits the buffered event and resets field state. An event with
// no data lines is discarded, matching browser EventSource behavior.
func (p *Parser) dispatch(emit func(Event)) {
	if len(p.data) == 0 {
		p.name = ""
		return
	}
	ev := Event{Name: p.name, Data: strings.Join(p.data, "\n")}
	p.name = ""
	p.data = nil
	emit(ev)
}

// Scanner pulls events one at a time from an io.Reader, in the style of
// bufio.Scanner: Next advances, Event returns the current event, Err
// reports a terminal read failure after Next returns false.
type Scanner struct {
	r       io.Reader
	parser  Parser
	queue   []Event
	current Event
	err     error
}

// NewScanner wraps r for event-at-a-time reading.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReader(r)}
}

// Next reads until an event is available or the stream ends. It returns
// false at end of stream or on a read error.
func (s *Scanner) Next() bool {
	for len(s.queue) == 0 {
		if s.err != nil {
			return false
		}
		buf := make([]byte, 4096)
		n, err := s.r.Read(buf)
		if n > 0 {
			s.parser.Feed(buf[:n], func(ev Event) {
				s.queue = append(s.queue, ev)
			})
		}
		if err != nil {
			s.err = err
		}
	}
	s.current = s.queue[0]
	s.queue = s.queue[1:]
	return true
}

// Event returns the event most recently advanced to by Next.
func (s *Scanner) Event() Event {
	return s.current
}

// Err returns the terminal read error, with io.EOF treated as a clean end.
func (s *Scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}

// WriteData writes a data-only event to w and flushes when w supports it.
func WriteData(w io.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flush(w)
	return nil
}

// WriteEvent writes a named event to w and flushes when w supports it.
func WriteEvent(w io.Writer, name string, payload []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	flush(w)
	return nil
}

// WriteDone writes the OpenAI terminal sentinel.
func WriteDone(w io.Writer) error {
	return WriteData(w, []byte("[DONE]"))
}

func flush(w io.Writer) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

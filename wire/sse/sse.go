// ABOUTME: Server-Sent Events decoding for upstream provider streams.
// ABOUTME: Parser yields events per the W3C EventSource framing rules, tolerating CR, LF, and CRLF.

package sse

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
)

// Event is a single Server-Sent Event.
type Event struct {
	Type  string // from "event:", defaults to "message"
	Data  string // "data:" lines joined with newlines
	ID    string // from "id:"
	Retry int    // from "retry:", -1 when absent
}

const (
	initialLineBuffer = 64 * 1024
	// Providers ship whole tool-call argument blobs in single frames.
	maxLineBuffer = 1024 * 1024
)

// Parser reads SSE events from a provider response body.
type Parser struct {
	scanner *bufio.Scanner
	err     error

	eventType string
	dataLines []string
	hasData   bool
	id        string
	retry     int
}

// NewParser returns a Parser reading from r.
func NewParser(r io.Reader) *Parser {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, initialLineBuffer), maxLineBuffer)
	sc.Split(scanEventLines)
	return &Parser{scanner: sc, retry: -1}
}

// Next returns the next event from the stream, or io.EOF when it ends.
// An event still being accumulated when the stream ends is dispatched
// before io.EOF is reported.
func (p *Parser) Next() (Event, error) {
	if p.err != nil {
		return Event{}, p.err
	}

	for p.scanner.Scan() {
		line := p.scanner.Text()

		// A blank line dispatches the accumulated event. Consecutive
		// blank lines must not produce empty events.
		if line == "" {
			if !p.hasData {
				continue
			}
			return p.flush(), nil
		}

		// Comment lines keep connections alive and carry no fields.
		if strings.HasPrefix(line, ":") {
			continue
		}

		name, value := splitField(line)
		p.accumulate(name, value)
	}

	if err := p.scanner.Err(); err != nil {
		p.err = err
		return Event{}, err
	}

	p.err = io.EOF
	if p.hasData {
		return p.flush(), nil
	}
	return Event{}, io.EOF
}

// splitField breaks an SSE line into field name and value. A line without
// a colon is a bare field name. A single space after the colon is not part
// of the value.
func splitField(line string) (name, value string) {
	name = line
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		name = line[:idx]
		value = strings.TrimPrefix(line[idx+1:], " ")
	}
	return name, value
}

func (p *Parser) accumulate(name, value string) {
	switch name {
	case "event":
		p.eventType = value
	case "data":
		p.dataLines = append(p.dataLines, value)
		p.hasData = true
	case "id":
		p.id = value
	case "retry":
		if ms, err := strconv.Atoi(value); err == nil {
			p.retry = ms
		}
	}
}

func (p *Parser) flush() Event {
	evt := Event{
		Type:  p.eventType,
		Data:  strings.Join(p.dataLines, "\n"),
		ID:    p.id,
		Retry: p.retry,
	}
	if evt.Type == "" {
		evt.Type = "message"
	}
	p.eventType = ""
	p.dataLines = nil
	p.hasData = false
	p.id = ""
	p.retry = -1
	return evt
}

// scanEventLines is a bufio.SplitFunc recognizing LF, CR, and CRLF line
// terminators. bufio.ScanLines only understands LF and CRLF; EventSource
// also allows a lone CR.
func scanEventLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	i := bytes.IndexAny(data, "\r\n")
	if i < 0 {
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}

	if data[i] == '\n' {
		return i + 1, data[:i], nil
	}

	// CR. An immediately following LF belongs to the same terminator.
	if i+1 < len(data) {
		if data[i+1] == '\n' {
			return i + 2, data[:i], nil
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return i + 1, data[:i], nil
	}
	// CR at the buffer boundary: ask for one more byte to rule out CRLF.
	return 0, nil, nil
}

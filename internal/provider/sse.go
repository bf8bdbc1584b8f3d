package provider

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// maxEventSize bounds one upstream event. Tool-call arguments can arrive as a
// single large data line.
const maxEventSize = 10 << 20

// sseEvent is one upstream Server-Sent Event. Ids and retry hints are not
// used by any adapter and are dropped.
type sseEvent struct {
	name string
	data string
}

// eventSource reads the SSE body of a streaming upstream response. Each
// adapter stream embeds one and translates its events into chunks.
type eventSource struct {
	providerID string
	body       io.ReadCloser
	scanner    *bufio.Scanner
	done       bool
	closeOnce  sync.Once
}

func newEventSource(providerID string, body io.ReadCloser) *eventSource {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), maxEventSize)
	sc.Split(splitEvents)
	return &eventSource{providerID: providerID, body: body, scanner: sc}
}

// next returns the next event that carries data or a name. io.EOF means the
// upstream closed the body cleanly; every other error is a classified *Error
// and marks the source done.
func (s *eventSource) next(ctx context.Context) (sseEvent, error) {
	if err := ctx.Err(); err != nil {
		s.done = true
		return sseEvent{}, transportError(s.providerID, err)
	}
	for s.scanner.Scan() {
		if evt, ok := parseEvent(s.scanner.Bytes()); ok {
			return evt, nil
		}
	}
	s.done = true
	err := s.scanner.Err()
	if err == nil {
		return sseEvent{}, io.EOF
	}
	// A canceled request surfaces as an opaque body read error.
	if cerr := ctx.Err(); cerr != nil {
		err = cerr
	}
	return sseEvent{}, transportError(s.providerID, fmt.Errorf("reading event stream: %w", err))
}

// Close releases the upstream connection. Only the first call closes.
func (s *eventSource) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}

var (
	eventSepLF   = []byte("\n\n")
	eventSepCRLF = []byte("\r\n\r\n")
)

// splitEvents is a bufio.SplitFunc yielding one raw event block per token.
// A block ends at the first blank line; a trailing block without one is
// still returned at EOF.
func splitEvents(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	end, sep := bytes.Index(data, eventSepLF), len(eventSepLF)
	if i := bytes.Index(data, eventSepCRLF); i >= 0 && (end < 0 || i < end) {
		end, sep = i, len(eventSepCRLF)
	}
	if end >= 0 {
		return end + sep, data[:end], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// parseEvent decodes the field lines of one block. Multiple data lines join
// with newlines; comment lines start with a colon. ok is false for blocks
// carrying neither data nor an event name.
func parseEvent(block []byte) (evt sseEvent, ok bool) {
	var data []string
	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || line[0] == ':' {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			evt.name = value
		case "data":
			data = append(data, value)
		}
	}
	evt.data = strings.Join(data, "\n")
	return evt, len(data) > 0 || evt.name != ""
}

package provider

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventSource(t *testing.T) {
	input := "event: message\nid: 7\ndata: line1\ndata: line2\n\n: keepalive\n\ndata: second\r\n\r\ndata: trailing"
	src := newEventSource("p", io.NopCloser(strings.NewReader(input)))
	ctx := context.Background()

	evt, err := src.next(ctx)
	require.NoError(t, err)
	assert.Equal(t, sseEvent{name: "message", data: "line1\nline2"}, evt)

	evt, err = src.next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", evt.data, "comment-only blocks are skipped and CRLF is accepted")

	evt, err = src.next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "trailing", evt.data, "an unterminated final block is still an event")

	_, err = src.next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, src.done)
}

func TestEventSourceCanceled(t *testing.T) {
	src := newEventSource("p", io.NopCloser(strings.NewReader("data: x\n\n")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.next(ctx)
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, ClassCanceled, perr.Class)
	assert.Equal(t, "p", perr.Provider)
}

func TestEventSourceOversizedEvent(t *testing.T) {
	big := "data: " + strings.Repeat("x", maxEventSize+1)
	src := newEventSource("p", io.NopCloser(strings.NewReader(big)))

	_, err := src.next(context.Background())
	assert.Equal(t, ClassTransport, Classify(err))
	assert.ErrorIs(t, err, bufio.ErrTooLong)
}

type countingCloser struct {
	io.Reader
	closed int
}

func (c *countingCloser) Close() error {
	c.closed++
	return nil
}

func TestEventSourceCloseOnce(t *testing.T) {
	body := &countingCloser{Reader: strings.NewReader("")}
	src := newEventSource("p", body)
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	assert.Equal(t, 1, body.closed)
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		block string
		want  sseEvent
		ok    bool
	}{
		{"data: x", sseEvent{data: "x"}, true},
		{"data:x", sseEvent{data: "x"}, true},
		{"data:  x", sseEvent{data: " x"}, true},
		{"event: ping", sseEvent{name: "ping"}, true},
		{"retry: 100", sseEvent{}, false},
		{": only a comment", sseEvent{}, false},
		{"", sseEvent{}, false},
	}
	for _, tt := range tests {
		got, ok := parseEvent([]byte(tt.block))
		assert.Equal(t, tt.ok, ok, tt.block)
		assert.Equal(t, tt.want, got, tt.block)
	}
}

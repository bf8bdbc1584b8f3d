package router

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allaspectsdev/llmrelay/internal/provider"
	"github.com/allaspectsdev/llmrelay/internal/testutil"
)

type bufferWriter struct {
	mu     sync.Mutex
	chunks []provider.Chunk
	failAt int // 1-based write that fails; 0 never fails
}

func (w *bufferWriter) WriteChunk(c provider.Chunk) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failAt > 0 && len(w.chunks)+1 == w.failAt {
		return errors.New("broken pipe")
	}
	w.chunks = append(w.chunks, c)
	return nil
}

func (w *bufferWriter) written() []provider.Chunk {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]provider.Chunk(nil), w.chunks...)
}

func TestStreamRecordsOneOutcomeWithUsage(t *testing.T) {
	usage := &provider.Usage{PromptTokens: 9, CompletionTokens: 4, TotalTokens: 13}
	chunks := testutil.SampleChunks(4, usage)
	f := newFixture(t, 3, map[string]testutil.Script{"a": {Chunks: chunks}}, "a")

	s, err := f.router.RouteStreaming(context.Background(), chatRequest(true))
	require.NoError(t, err)
	assert.Empty(t, f.sink.all(), "nothing is recorded until the stream completes")

	w := &bufferWriter{}
	require.NoError(t, s.Forward(context.Background(), w))
	assert.Equal(t, chunks, w.written(), "chunks are relayed unmodified and in order")

	require.NoError(t, s.Close())
	outs := f.sink.all()
	require.Len(t, outs, 1)
	o := outs[0]
	assert.True(t, o.Success)
	assert.True(t, o.Stream)
	assert.Equal(t, 5, o.Chunks)
	assert.Equal(t, usage, o.Usage)
	assert.Zero(t, o.EstimatedPromptTokens)
	assert.Equal(t, 1, f.adapter.Streams()[0].Closed())
}

func TestStreamWithoutUsageRecordsEstimate(t *testing.T) {
	f := newFixture(t, 3, map[string]testutil.Script{"a": {Chunks: testutil.SampleChunks(3, nil)}}, "a")

	s, err := f.router.RouteStreaming(context.Background(), chatRequest(true))
	require.NoError(t, err)
	require.NoError(t, s.Forward(context.Background(), &bufferWriter{}))

	outs := f.sink.all()
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Success)
	assert.Nil(t, outs[0].Usage)
	assert.Equal(t, 11, outs[0].EstimatedPromptTokens)
}

func TestStreamZeroUsageTreatedAsAbsent(t *testing.T) {
	f := newFixture(t, 3, map[string]testutil.Script{"a": {Chunks: testutil.SampleChunks(2, &provider.Usage{})}}, "a")

	s, err := f.router.RouteStreaming(context.Background(), chatRequest(true))
	require.NoError(t, err)
	require.NoError(t, s.Forward(context.Background(), &bufferWriter{}))

	outs := f.sink.all()
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Success)
	assert.Nil(t, outs[0].Usage, "an all-zero usage object carries no token counts")
	assert.Equal(t, 11, outs[0].EstimatedPromptTokens)
}

func TestStreamManualIteration(t *testing.T) {
	chunks := testutil.SampleChunks(2, nil)
	f := newFixture(t, 3, map[string]testutil.Script{"a": {Chunks: chunks}}, "a")

	s, err := f.router.RouteStreaming(context.Background(), chatRequest(true))
	require.NoError(t, err)
	defer s.Close()

	var got []provider.Chunk
	for {
		c, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, c)
	}
	assert.Equal(t, chunks, got)
	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamMidFlightFailureIsPartial(t *testing.T) {
	chunks := testutil.SampleChunks(3, nil)
	boom := &provider.Error{Class: provider.ClassTransport, Provider: "a", Message: "connection reset"}
	f := newFixture(t, 3, map[string]testutil.Script{
		"a": {Chunks: chunks[:3], StreamErr: boom},
		"b": {Chunks: chunks},
	}, "a", "b")

	s, err := f.router.RouteStreaming(context.Background(), chatRequest(true))
	require.NoError(t, err)

	w := &bufferWriter{}
	err = s.Forward(context.Background(), w)
	var partial *PartialStreamError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 3, partial.Chunks)
	assert.Len(t, w.written(), 3, "chunks already sent are kept")

	outs := f.sink.all()
	require.Len(t, outs, 1)
	assert.False(t, outs[0].Success)
	assert.Equal(t, provider.ClassTransport, outs[0].Class)
	assert.Equal(t, []string{"a"}, f.adapter.Calls(), "a started stream is never retried")
}

func TestStreamEndingWithoutMarkerIsFailure(t *testing.T) {
	chunks := testutil.SampleChunks(2, nil)
	f := newFixture(t, 3, map[string]testutil.Script{"a": {Chunks: chunks[:2]}}, "a")

	s, err := f.router.RouteStreaming(context.Background(), chatRequest(true))
	require.NoError(t, err)
	err = s.Forward(context.Background(), &bufferWriter{})
	assert.ErrorIs(t, err, ErrPartialStream)

	outs := f.sink.all()
	require.Len(t, outs, 1)
	assert.False(t, outs[0].Success)
}

func TestStreamFailsOverBeforeFirstChunk(t *testing.T) {
	chunks := testutil.SampleChunks(2, nil)
	f := newFixture(t, 3, map[string]testutil.Script{
		"a": {Err: upstreamErr("a", 502)},
		"b": {StreamErr: &provider.Error{Class: provider.ClassTransport, Provider: "b", Message: "reset"}},
		"c": {Chunks: chunks},
	}, "a", "b", "c")

	s, err := f.router.RouteStreaming(context.Background(), chatRequest(true))
	require.NoError(t, err)
	assert.Equal(t, "c", s.Candidate().Provider.ID)
	assert.Equal(t, 3, s.Attempts())
	require.NoError(t, s.Forward(context.Background(), &bufferWriter{}))

	outs := f.sink.all()
	require.Len(t, outs, 3)
	assert.False(t, outs[0].Success)
	assert.False(t, outs[1].Success)
	assert.True(t, outs[2].Success)
	assert.Equal(t, 1, f.adapter.Streams()[0].Closed(), "failed pre-chunk stream is closed")
}

func TestStreamFirstChunkTimeout(t *testing.T) {
	f := newFixture(t, 2, map[string]testutil.Script{
		"a": {Block: true},
		"b": {Chunks: testutil.SampleChunks(1, nil)},
	}, "a", "b")
	req := chatRequest(true)
	req.Timeout = 20 * time.Millisecond

	s, err := f.router.RouteStreaming(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, s.Forward(context.Background(), &bufferWriter{}))

	outs := f.sink.all()
	require.Len(t, outs, 2)
	assert.Equal(t, provider.ClassTimeout, outs[0].Class)
	assert.True(t, outs[1].Success)
}

func TestStreamLateFirstChunkFailsOver(t *testing.T) {
	f := newFixture(t, 2, map[string]testutil.Script{
		"a": {Chunks: testutil.SampleChunks(1, nil), Delay: 80 * time.Millisecond},
		"b": {Chunks: testutil.SampleChunks(1, nil)},
	}, "a", "b")
	req := chatRequest(true)
	req.Timeout = 20 * time.Millisecond

	s, err := f.router.RouteStreaming(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "b", s.Candidate().Provider.ID, "a chunk arriving after the deadline does not win the attempt")
	require.NoError(t, s.Forward(context.Background(), &bufferWriter{}))

	outs := f.sink.all()
	require.Len(t, outs, 2)
	assert.Equal(t, provider.ClassTimeout, outs[0].Class)
	assert.False(t, outs[0].Success)
	assert.Equal(t, 1, f.adapter.Streams()[0].Closed())
	assert.True(t, outs[1].Success)
}

func TestStreamStalledAfterFirstChunk(t *testing.T) {
	chunks := testutil.SampleChunks(3, nil)
	f := newFixture(t, 2, map[string]testutil.Script{
		"a": {Chunks: chunks[:1], Block: true},
		"b": {Chunks: chunks},
	}, "a", "b")
	req := chatRequest(true)
	req.Timeout = 50 * time.Millisecond

	s, err := f.router.RouteStreaming(context.Background(), req)
	require.NoError(t, err)

	done := make(chan error, 1)
	w := &bufferWriter{}
	go func() { done <- s.Forward(context.Background(), w) }()

	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Forward did not return after the upstream went silent")
	}
	var partial *PartialStreamError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 1, partial.Chunks)
	assert.Len(t, w.written(), 1)

	outs := f.sink.all()
	require.Len(t, outs, 1)
	assert.False(t, outs[0].Success)
	assert.Equal(t, provider.ClassTimeout, outs[0].Class)
	assert.Equal(t, []string{"a"}, f.adapter.Calls(), "a started stream is never retried")
}

func TestStreamClientDisconnectStillRecords(t *testing.T) {
	chunks := testutil.SampleChunks(5, &provider.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2})
	f := newFixture(t, 3, map[string]testutil.Script{"a": {Chunks: chunks}}, "a")

	s, err := f.router.RouteStreaming(context.Background(), chatRequest(true))
	require.NoError(t, err)

	err = s.Forward(context.Background(), &bufferWriter{failAt: 3})
	require.Error(t, err)

	outs := f.sink.all()
	require.Len(t, outs, 1)
	assert.False(t, outs[0].Success)
	assert.Equal(t, provider.ClassCanceled, outs[0].Class)
	assert.Equal(t, 3, outs[0].Chunks)
	assert.Equal(t, 1, f.adapter.Streams()[0].Closed())

	// Close after Forward is a no-op.
	require.NoError(t, s.Close())
	assert.Len(t, f.sink.all(), 1)
}

func TestStreamCloseUnblocksPendingNext(t *testing.T) {
	chunks := testutil.SampleChunks(1, nil)
	f := newFixture(t, 3, map[string]testutil.Script{"a": {Chunks: chunks[:1], Block: true}}, "a")

	s, err := f.router.RouteStreaming(context.Background(), chatRequest(true))
	require.NoError(t, err)
	_, err = s.Next(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
	outs := f.sink.all()
	require.Len(t, outs, 1)
	assert.Equal(t, provider.ClassCanceled, outs[0].Class)
}

func TestStreamCanceledContextStopsForwarding(t *testing.T) {
	f := newFixture(t, 3, map[string]testutil.Script{"a": {Chunks: testutil.SampleChunks(3, nil)}}, "a")

	s, err := f.router.RouteStreaming(context.Background(), chatRequest(true))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := &bufferWriter{}
	err = s.Forward(ctx, w)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, w.written())
	require.Len(t, f.sink.all(), 1)
}

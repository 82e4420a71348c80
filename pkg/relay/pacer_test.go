package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu     sync.Mutex
	chunks [][]byte
	err    error
}

func (s *captureSink) send(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.chunks = append(s.chunks, cp)
	return nil
}

func (s *captureSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.chunks {
		n += len(c)
	}
	return n
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func newTestPacer(sink PacerSink) *PlaybackPacer {
	p := NewPlaybackPacer(DefaultAudioConfig(), sink)
	p.trainingMs = 0
	return p
}

func TestPacerReleaseNeverExceedsRealTimeRate(t *testing.T) {
	sink := &captureSink{}
	p := newTestPacer(sink.send)

	// 1s worth queued at once. The pacing epoch starts at the push, so the
	// bound below is measured from before it.
	base := time.Now()
	p.Push(make([]byte, 48000))
	released := 0
	for i := 1; i <= 10; i++ {
		now := base.Add(time.Duration(i) * 10 * time.Millisecond)
		require.NoError(t, p.releaseDue(now))
		released = sink.total()
		// Cumulative release must stay within elapsed * rate.
		elapsed := now.Sub(base)
		bound := int(elapsed.Seconds()*48000) + 2
		assert.LessOrEqual(t, released, bound)
	}
	// 100ms elapsed overall: roughly 4800 bytes out, never the whole queue.
	assert.InDelta(t, 4800, released, 250)
	assert.Greater(t, p.QueuedBytes(), 40000)
}

func TestPacerReleasesSampleAlignedChunks(t *testing.T) {
	sink := &captureSink{}
	p := newTestPacer(sink.send)
	p.Push(make([]byte, 48000))

	base := time.Now()
	for i := 1; i <= 5; i++ {
		require.NoError(t, p.releaseDue(base.Add(time.Duration(i*7)*time.Millisecond)))
	}
	for _, chunk := range sink.chunks {
		assert.Zero(t, len(chunk)%2)
	}
}

func TestPacerDrainsQueueCompletely(t *testing.T) {
	sink := &captureSink{}
	p := newTestPacer(sink.send)
	p.Push(make([]byte, 960)) // 20ms

	base := time.Now()
	require.NoError(t, p.releaseDue(base.Add(50*time.Millisecond)))
	assert.Equal(t, 960, sink.total())
	assert.Equal(t, 0, p.QueuedBytes())

	// Nothing more to release.
	require.NoError(t, p.releaseDue(base.Add(100*time.Millisecond)))
	assert.Equal(t, 960, sink.total())
}

func TestPacerInterruptDiscardsPending(t *testing.T) {
	sink := &captureSink{}
	p := newTestPacer(sink.send)
	p.Push(make([]byte, 48000))

	p.Interrupt()
	assert.Equal(t, 0, p.QueuedBytes())

	require.NoError(t, p.releaseDue(time.Now().Add(time.Second)))
	assert.Equal(t, 0, sink.total())
}

func TestPacerTrainingPrerollPrecedesFirstAudio(t *testing.T) {
	sink := &captureSink{}
	p := NewPlaybackPacer(DefaultAudioConfig(), sink.send)
	p.Push(make([]byte, 9600))

	base := time.Now()
	require.NoError(t, p.releaseDue(base))

	require.Equal(t, 1, sink.count())
	preroll := sink.chunks[0]
	// 300ms of silence at 48000 bytes/s.
	assert.Equal(t, 14400, len(preroll))
	for _, b := range preroll {
		if b != 0 {
			t.Fatal("training preroll must be silence")
		}
	}
	// Response audio held back until the tick after the preroll.
	assert.Equal(t, 9600, p.QueuedBytes())

	require.NoError(t, p.releaseDue(base.Add(10*time.Millisecond)))
	assert.Equal(t, 2, sink.count())
	assert.Greater(t, len(sink.chunks[1]), 0)
}

func TestPacerInterruptResetsTrainingPreroll(t *testing.T) {
	sink := &captureSink{}
	p := NewPlaybackPacer(DefaultAudioConfig(), sink.send)
	p.Push(make([]byte, 4800))
	require.NoError(t, p.releaseDue(time.Now()))
	require.Equal(t, 14400, len(sink.chunks[0]))

	p.Interrupt()
	p.Push(make([]byte, 4800))
	require.NoError(t, p.releaseDue(time.Now()))

	// A fresh response after an interrupt gets its own preroll.
	last := sink.chunks[len(sink.chunks)-1]
	assert.Equal(t, 14400, len(last))
}

func TestPacerRunStopsOnCancel(t *testing.T) {
	sink := &captureSink{}
	p := newTestPacer(sink.send)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

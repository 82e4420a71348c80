package relay

import (
	"bytes"
	"context"
	"sync"
	"time"
)

const (
	defaultPacerTick = 10 * time.Millisecond
	// aecTrainingMs is the silence preroll sent before the first paced bytes
	// of each response so the device echo canceller can adapt to speaker
	// output before real audio starts.
	aecTrainingMs = 300
)

// PacerSink receives paced PCM bytes. Send errors stop the pacer's caller,
// not the pacer itself.
type PacerSink func(pcm []byte) error

// PlaybackPacer releases queued PCM to the device at the nominal real-time
// byte rate rather than the bursty arrival rate. Upstream delivers audio in
// large deltas; without pacing the device playback buffer would overflow.
//
// The queue is mutated by exactly two actors: the upstream event loop
// appending and the tick loop releasing. Both go through the same mutex, so
// Interrupt is atomic with respect to in-progress releases.
type PlaybackPacer struct {
	config AudioConfig
	tick   time.Duration
	sink   PacerSink

	mu           sync.Mutex
	queue        bytes.Buffer
	lastRelease  time.Time
	trainingMs   int
	trainingSent bool
}

// NewPlaybackPacer creates a pacer that releases audio through sink.
func NewPlaybackPacer(config AudioConfig, sink PacerSink) *PlaybackPacer {
	return &PlaybackPacer{
		config:     config,
		tick:       defaultPacerTick,
		sink:       sink,
		trainingMs: aecTrainingMs,
	}
}

// Push appends an audio chunk to the outbound queue.
func (p *PlaybackPacer) Push(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	p.mu.Lock()
	p.queue.Write(pcm)
	if p.lastRelease.IsZero() {
		p.lastRelease = time.Now()
	}
	p.mu.Unlock()
}

// Interrupt clears the queue and resets pacing state. Pending audio is
// discarded; the next response starts a fresh pacing epoch including the
// AEC training preroll.
func (p *PlaybackPacer) Interrupt() {
	p.mu.Lock()
	p.queue.Reset()
	p.lastRelease = time.Time{}
	p.trainingSent = false
	p.mu.Unlock()
}

// QueuedBytes returns the number of bytes currently awaiting release.
func (p *PlaybackPacer) QueuedBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Run drives the pacing loop until ctx is cancelled. It blocks, so callers
// start it on its own goroutine. Sink errors terminate the loop; the caller
// owns the resulting transport fault.
func (p *PlaybackPacer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.releaseDue(time.Now()); err != nil {
				return err
			}
		}
	}
}

// releaseDue sends floor(elapsed * bytesPerSec) bytes, never more than
// queued. Exposed through Run; tests drive it directly with synthetic
// clocks.
func (p *PlaybackPacer) releaseDue(now time.Time) error {
	var training, due []byte

	p.mu.Lock()
	if p.queue.Len() > 0 {
		if !p.trainingSent {
			p.trainingSent = true
			if p.trainingMs > 0 {
				training = make([]byte, p.config.BytesForDurationMs(p.trainingMs))
				// The preroll consumes wall time on the device; restart the
				// pacing epoch so real audio is not released early afterwards.
				p.lastRelease = now
			}
		}
		if training == nil {
			elapsed := now.Sub(p.lastRelease)
			n := int(elapsed.Seconds() * float64(p.config.BytesPerSecond()))
			n -= n % p.config.BytesPerSample
			if n > 0 {
				if n > p.queue.Len() {
					n = p.queue.Len()
				}
				due = make([]byte, n)
				p.queue.Read(due)
				p.lastRelease = now
			}
		}
	}
	p.mu.Unlock()

	if training != nil {
		if err := p.sink(training); err != nil {
			return err
		}
	}
	if len(due) > 0 {
		return p.sink(due)
	}
	return nil
}

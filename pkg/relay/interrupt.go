package relay

import (
	"sync"
	"time"
)

// DefaultAECGracePeriod is the window after the user stops speaking during
// which detected speech is assumed to be speaker echo the device's echo
// canceller has not yet suppressed, not a genuine barge-in.
const DefaultAECGracePeriod = 3 * time.Second

// InterruptionTracker decides whether an upstream speech-started event is a
// genuine user barge-in or an echo-cancellation artifact. Immediate
// interruption on any detected speech causes false positives from the device
// hearing its own playback, so speech started within the grace window after
// the last speech stop is suppressed.
type InterruptionTracker struct {
	grace time.Duration

	mu             sync.Mutex
	lastSpeechStop time.Time
}

// NewInterruptionTracker creates a tracker with the given grace window.
// A zero or negative grace accepts every speech-started event.
func NewInterruptionTracker(grace time.Duration) *InterruptionTracker {
	return &InterruptionTracker{grace: grace}
}

// SpeechStarted reports whether a speech-started event at now is a genuine
// barge-in. It returns true iff at least the grace period has elapsed since
// the last recorded speech stop; a speech start before any recorded stop is
// always genuine.
func (t *InterruptionTracker) SpeechStarted(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lastSpeechStop.IsZero() {
		return true
	}
	return now.Sub(t.lastSpeechStop) >= t.grace
}

// SpeechStopped records the time the user stopped speaking. Speech started
// within the grace window after this instant is suppressed.
func (t *InterruptionTracker) SpeechStopped(now time.Time) {
	t.mu.Lock()
	t.lastSpeechStop = now
	t.mu.Unlock()
}

// Remaining returns how much of the grace window is left at now, zero when
// the window is open for interruptions.
func (t *InterruptionTracker) Remaining(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lastSpeechStop.IsZero() {
		return 0
	}
	left := t.grace - now.Sub(t.lastSpeechStop)
	if left < 0 {
		return 0
	}
	return left
}

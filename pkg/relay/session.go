package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fjfricke/ha-openai-realtime/internal/observability"
	"github.com/fjfricke/ha-openai-realtime/pkg/openairt"
)

// SessionState is the lifecycle state of a SpeechSession.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateActive
	StateDraining
	StateClosed
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// TurnState tracks whose turn it is within an active session.
type TurnState int

const (
	TurnIdle TurnState = iota
	TurnUserSpeaking
	TurnAssistantResponding
	TurnInterrupted
)

// String returns a human-readable turn state name.
func (t TurnState) String() string {
	switch t {
	case TurnIdle:
		return "IDLE"
	case TurnUserSpeaking:
		return "USER_SPEAKING"
	case TurnAssistantResponding:
		return "ASSISTANT_RESPONDING"
	case TurnInterrupted:
		return "INTERRUPTED"
	default:
		return "UNKNOWN"
	}
}

// Transport is the device-side capability interface a concrete transport
// adapter implements. The core never probes for methods; adapters adapt.
type Transport interface {
	// SendAudio writes raw PCM to the device.
	SendAudio(pcm []byte) error

	// SendControl writes a JSON control notice to the device.
	SendControl(v any) error

	// Close tears down the device connection. Safe to call more than once.
	Close() error
}

// UpstreamDialer opens the connection to the speech endpoint. Injected so
// tests can supply scripted connections.
type UpstreamDialer func(ctx context.Context) (openairt.Conn, error)

// SessionConfig carries the per-session tunables.
type SessionConfig struct {
	Instructions          string
	Voice                 string
	FrameMs               int
	AECGracePeriod        time.Duration
	SessionCreatedTimeout time.Duration
	Audio                 AudioConfig
}

// DefaultSessionConfig returns the defaults the relay runs with.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Voice:                 "marin",
		FrameMs:               100,
		AECGracePeriod:        DefaultAECGracePeriod,
		SessionCreatedTimeout: 5 * time.Second,
		Audio:                 DefaultAudioConfig(),
	}
}

// SpeechSession orchestrates one logical conversation: it owns one upstream
// connection and drives the frame buffer, playback pacer, interruption
// tracker and tool dispatcher, handing its conversation context to the cache
// when it drains.
type SpeechSession struct {
	id       string
	deviceID string
	cfg      SessionConfig
	log      *zap.Logger
	metrics  *observability.Metrics

	dial      UpstreamDialer
	transport Transport
	cache     *ContextCache
	tools     *ToolDispatcher
	toolDefs  []openairt.Tool

	// framesMu serializes the device reader against the drain-time flush;
	// the buffer itself carries no locking.
	framesMu sync.Mutex
	frames   *FrameBuffer

	pacer   *PlaybackPacer
	tracker *InterruptionTracker

	upstream openairt.Conn
	convo    *ConversationContext

	mu      sync.Mutex
	state   SessionState
	turn    TurnState
	counted bool
	// call IDs already resolved; a second result for one of these is a
	// protocol fault, absorbed locally.
	resolvedCalls map[string]bool

	ctx       context.Context
	cancel    context.CancelFunc
	drainOnce sync.Once
	drained   chan struct{}

	// test hook; defaults to time.Now
	now func() time.Time
}

// NewSpeechSession creates a session for deviceID. A non-nil resumed context
// seeds the conversation silently: no assistant turn is triggered until the
// user speaks.
func NewSpeechSession(
	deviceID string,
	cfg SessionConfig,
	transport Transport,
	dial UpstreamDialer,
	cache *ContextCache,
	tools *ToolDispatcher,
	toolDefs []openairt.Tool,
	resumed *ConversationContext,
	log *zap.Logger,
	metrics *observability.Metrics,
) *SpeechSession {
	if log == nil {
		log = zap.NewNop()
	}
	convo := resumed
	if convo == nil {
		convo = NewConversationContext()
	}

	s := &SpeechSession{
		id:            uuid.NewString(),
		deviceID:      deviceID,
		cfg:           cfg,
		metrics:       metrics,
		dial:          dial,
		transport:     transport,
		cache:         cache,
		tools:         tools,
		toolDefs:      toolDefs,
		frames:        NewFrameBuffer(cfg.Audio, cfg.FrameMs),
		tracker:       NewInterruptionTracker(cfg.AECGracePeriod),
		convo:         convo,
		state:         StateConnecting,
		turn:          TurnIdle,
		resolvedCalls: make(map[string]bool),
		drained:       make(chan struct{}),
		now:           time.Now,
	}
	s.log = log.With(zap.String("session_id", s.id))
	s.pacer = NewPlaybackPacer(cfg.Audio, s.sendPacedAudio)
	return s
}

// ID returns the session identifier.
func (s *SpeechSession) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *SpeechSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Turn returns the current turn state.
func (s *SpeechSession) Turn() TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// Context returns the conversation context the session owns. Only valid for
// inspection after Drain has completed.
func (s *SpeechSession) Context() *ConversationContext { return s.convo }

// Drained is closed once the drain handoff (context cached, upstream torn
// down) has completed.
func (s *SpeechSession) Drained() <-chan struct{} { return s.drained }

// Start dials upstream, configures the session and begins the receive and
// pacing loops. On return the session is Active. The caller's ctx bounds the
// whole session; cancelling it drains the session, and the drain handoff
// still completes.
func (s *SpeechSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return fmt.Errorf("session already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	conn, err := s.dial(s.ctx)
	if err != nil {
		s.drainOnce.Do(func() {
			// A resumed conversation was consumed from the cache on connect;
			// give it back so the device can still resume within the reuse
			// window after a transient upstream outage.
			if s.cache != nil && s.convo.Len() > 0 {
				s.cache.Put(s.deviceID, s.convo)
			}
			s.cancel()
			s.setState(StateClosed)
			close(s.drained)
		})
		return fmt.Errorf("dial upstream: %w", err)
	}
	s.upstream = conn

	created := make(chan struct{}, 1)
	go s.receiveLoop(created)

	// Wait for session.created before configuring. A missing ack is a
	// logged degradation, not a failure: configuration is sent anyway.
	select {
	case <-created:
		s.log.Info("upstream session created")
	case <-time.After(s.cfg.SessionCreatedTimeout):
		s.log.Warn("timeout waiting for session.created, sending configuration anyway")
	case <-s.ctx.Done():
		s.Drain()
		return s.ctx.Err()
	}

	cfg := openairt.DefaultSessionConfig(s.cfg.Instructions, s.cfg.Voice, s.toolDefs)
	if err := s.upstream.SendSessionUpdate(cfg); err != nil {
		s.log.Error("failed to send session configuration", zap.Error(err))
		s.Drain()
		return fmt.Errorf("configure session: %w", err)
	}

	go func() {
		if err := s.pacer.Run(s.ctx); err != nil && s.ctx.Err() == nil {
			s.log.Warn("playback pacing stopped", zap.Error(err))
			s.Drain()
		}
	}()

	s.setState(StateActive)
	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
		s.mu.Lock()
		s.counted = true
		s.mu.Unlock()
	}
	s.log.Info("session active",
		zap.String("device_id", s.deviceID),
		zap.Int("resumed_messages", s.convo.Len()),
		zap.Strings("tools", s.tools.Names()))
	return nil
}

// HandleDeviceAudio accepts raw PCM from the device and forwards complete
// frames upstream. Called only from the device reader task; the frame
// buffer relies on that single-writer discipline.
func (s *SpeechSession) HandleDeviceAudio(pcm []byte) error {
	if s.State() != StateActive {
		return nil
	}
	if s.metrics != nil {
		s.metrics.AudioBytesIn.Add(float64(len(pcm)))
		s.metrics.InputAudioLevel.Set(CalculateRMSEnergy(pcm))
	}
	s.framesMu.Lock()
	frame := s.frames.Append(pcm)
	s.framesMu.Unlock()
	if frame == nil {
		return nil
	}
	if err := s.upstream.AppendAudio(frame); err != nil {
		s.log.Warn("failed to forward audio frame upstream", zap.Error(err))
		s.Drain()
		return err
	}
	if s.metrics != nil {
		s.metrics.FramesForwarded.Inc()
	}
	return nil
}

// FlushAudio sends any partial frame upstream, committing the input buffer
// when the flushed remainder is a full frame's worth. Used at end-of-stream
// and on the device's flush control message.
func (s *SpeechSession) FlushAudio() error {
	if s.State() != StateActive {
		return nil
	}
	s.framesMu.Lock()
	remainder := s.frames.Flush()
	s.framesMu.Unlock()
	if remainder == nil {
		return nil
	}
	if err := s.upstream.AppendAudio(remainder); err != nil {
		s.Drain()
		return err
	}
	if len(remainder) >= s.frames.Threshold() {
		if err := s.upstream.CommitAudio(); err != nil {
			s.Drain()
			return err
		}
	}
	return nil
}

// ManualInterrupt handles a device-initiated interrupt control message,
// bypassing the AEC grace window.
func (s *SpeechSession) ManualInterrupt() {
	if s.State() != StateActive {
		return
	}
	s.log.Info("manual interrupt from device")
	s.interrupt()
}

func (s *SpeechSession) interrupt() {
	s.pacer.Interrupt()
	s.setTurn(TurnInterrupted)
	if err := s.transport.SendControl(map[string]any{
		"type":    "interrupt",
		"message": "user interrupted, clearing audio queue",
	}); err != nil {
		s.log.Debug("failed to send interrupt notice", zap.Error(err))
	}
}

// Drain ends the session: flushes partial audio, hands the conversation
// context to the cache, and tears down the upstream connection. Idempotent;
// safe from any goroutine, including after transport faults.
func (s *SpeechSession) Drain() {
	s.drainOnce.Do(func() {
		s.setState(StateDraining)

		// Best effort: a broken upstream never blocks the context handoff.
		s.framesMu.Lock()
		remainder := s.frames.Flush()
		s.framesMu.Unlock()
		if remainder != nil && s.upstream != nil {
			if err := s.upstream.AppendAudio(remainder); err == nil &&
				len(remainder) >= s.frames.Threshold() {
				_ = s.upstream.CommitAudio()
			}
		}

		// An empty conversation is not worth resuming; caching it would make
		// the next connect claim a resume with nothing behind it.
		if s.cache != nil && s.convo.Len() > 0 {
			s.cache.Put(s.deviceID, s.convo)
			if s.metrics != nil {
				s.metrics.ContextCacheEvents.WithLabelValues("put").Inc()
			}
		}

		if s.upstream != nil {
			_ = s.upstream.Close()
		}
		if s.cancel != nil {
			s.cancel()
		}

		s.mu.Lock()
		counted := s.counted
		s.counted = false
		s.mu.Unlock()
		s.setState(StateClosed)
		if counted && s.metrics != nil {
			s.metrics.ActiveSessions.Dec()
		}
		close(s.drained)
		s.log.Info("session drained",
			zap.String("device_id", s.deviceID),
			zap.Int("messages", s.convo.Len()))
	})
}

// receiveLoop processes upstream events strictly in arrival order.
func (s *SpeechSession) receiveLoop(created chan<- struct{}) {
	for {
		ev, err := s.upstream.Recv()
		if err != nil {
			if s.ctx.Err() == nil && s.State() != StateDraining && s.State() != StateClosed {
				s.log.Warn("upstream receive failed", zap.Error(err))
			}
			s.Drain()
			return
		}
		s.handleEvent(ev, created)
	}
}

func (s *SpeechSession) handleEvent(ev *openairt.ServerEvent, created chan<- struct{}) {
	switch ev.Type {
	case openairt.ServerEventSessionCreated:
		select {
		case created <- struct{}{}:
		default:
		}

	case openairt.ServerEventSessionUpdated:
		s.log.Debug("upstream session configuration updated")

	case openairt.ServerEventResponseCreated:
		s.setTurn(TurnAssistantResponding)

	case openairt.ServerEventResponseOutputAudioDelta, openairt.ServerEventResponseAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			s.log.Warn("malformed audio delta", zap.Error(err))
			return
		}
		s.pacer.Push(pcm)

	case openairt.ServerEventSpeechStarted:
		s.onSpeechStarted()

	case openairt.ServerEventSpeechStopped:
		s.onSpeechStopped()

	case openairt.ServerEventInputTranscriptionCompleted:
		if ev.Transcript != "" {
			s.convo.Add("user", ev.Transcript)
		}

	case openairt.ServerEventResponseOutputTranscriptDone:
		if ev.Transcript != "" {
			s.convo.Add("assistant", ev.Transcript)
		}

	case openairt.ServerEventFunctionCallArgumentsDone:
		s.onToolCall(ev)

	case openairt.ServerEventError:
		if s.metrics != nil {
			s.metrics.UpstreamErrors.Inc()
		}
		if ev.Error != nil {
			s.log.Error("upstream error event",
				zap.String("code", ev.Error.Code),
				zap.String("message", ev.Error.Message))
		} else {
			s.log.Error("upstream error event without payload")
		}

	default:
		s.log.Debug("unhandled upstream event", zap.String("type", ev.Type))
	}
}

// onSpeechStarted applies the AEC grace window: speech detected shortly
// after the user stopped speaking is the device hearing its own playback.
func (s *SpeechSession) onSpeechStarted() {
	now := s.now()
	if !s.tracker.SpeechStarted(now) {
		if s.metrics != nil {
			s.metrics.Interruptions.WithLabelValues("suppressed").Inc()
		}
		s.log.Debug("speech started suppressed by AEC grace window",
			zap.Duration("remaining", s.tracker.Remaining(now)))
		return
	}

	if s.Turn() == TurnAssistantResponding {
		if s.metrics != nil {
			s.metrics.Interruptions.WithLabelValues("accepted").Inc()
		}
		s.log.Info("user barge-in, interrupting assistant")
		s.interrupt()
		return
	}
	s.setTurn(TurnUserSpeaking)
}

// onSpeechStopped records the stop time and always requests a new assistant
// turn: upstream automatic response creation is disabled, so each detected
// end-of-turn needs an explicit response.create.
func (s *SpeechSession) onSpeechStopped() {
	s.tracker.SpeechStopped(s.now())
	s.setTurn(TurnIdle)
	if err := s.upstream.CreateResponse(); err != nil {
		s.log.Warn("failed to request assistant turn", zap.Error(err))
		s.Drain()
	}
}

// onToolCall runs the dispatcher and feeds the result back upstream,
// then requests a turn so the model narrates the outcome.
func (s *SpeechSession) onToolCall(ev *openairt.ServerEvent) {
	s.mu.Lock()
	if s.resolvedCalls[ev.CallID] {
		s.mu.Unlock()
		s.log.Warn("duplicate result requested for tool call", zap.String("call_id", ev.CallID))
		return
	}
	s.resolvedCalls[ev.CallID] = true
	s.mu.Unlock()

	args := json.RawMessage(ev.Arguments)
	if len(args) == 0 || !json.Valid(args) {
		args = json.RawMessage("{}")
	}

	result := s.tools.Dispatch(s.ctx, ToolCallRequest{
		CallID:    ev.CallID,
		Name:      ev.Name,
		Arguments: args,
	})
	if s.metrics != nil {
		outcome := "ok"
		if !result.Success {
			outcome = "error"
		}
		s.metrics.ToolCalls.WithLabelValues(outcome).Inc()
	}

	payload, err := json.Marshal(result)
	if err != nil {
		payload = []byte(`{"success":false,"error":"unencodable tool result"}`)
	}
	if err := s.upstream.SendFunctionCallOutput(ev.CallID, string(payload)); err != nil {
		s.log.Warn("failed to send tool result upstream", zap.Error(err))
		s.Drain()
		return
	}
	if err := s.upstream.CreateResponse(); err != nil {
		s.log.Warn("failed to request turn after tool call", zap.Error(err))
		s.Drain()
	}
}

func (s *SpeechSession) sendPacedAudio(pcm []byte) error {
	if err := s.transport.SendAudio(pcm); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.PacedBytesOut.Add(float64(len(pcm)))
	}
	return nil
}

func (s *SpeechSession) setState(state SessionState) {
	s.mu.Lock()
	old := s.state
	s.state = state
	s.mu.Unlock()
	if old != state {
		s.log.Debug("session state changed",
			zap.Stringer("from", old),
			zap.Stringer("to", state))
	}
}

func (s *SpeechSession) setTurn(turn TurnState) {
	s.mu.Lock()
	old := s.turn
	s.turn = turn
	s.mu.Unlock()
	if old != turn {
		s.log.Debug("turn state changed",
			zap.Stringer("from", old),
			zap.Stringer("to", turn))
	}
}

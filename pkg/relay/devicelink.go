package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fjfricke/ha-openai-realtime/internal/observability"
	"github.com/fjfricke/ha-openai-realtime/pkg/openairt"
)

// ToolBackend supplies callable tools to a session, typically a Home
// Assistant MCP server. A nil backend means the builtin tools only.
type ToolBackend interface {
	// Tools returns the function definitions to advertise upstream.
	Tools(ctx context.Context) ([]openairt.Tool, error)

	// Call invokes a backend tool and returns its textual result.
	Call(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// LinkDeps bundles the process-wide collaborators a DeviceLink wires into
// each session it creates.
type LinkDeps struct {
	Dial    UpstreamDialer
	Cache   *ContextCache
	Backend ToolBackend
	Session SessionConfig
	Log     *zap.Logger
	Metrics *observability.Metrics
}

// DeviceLink owns one device connection end to end: it creates the session,
// routes device traffic into it, and guarantees drain-before-teardown so the
// conversation context always reaches the cache.
type DeviceLink struct {
	deviceID  string
	transport Transport
	deps      LinkDeps
	log       *zap.Logger

	mu      sync.Mutex
	session *SpeechSession
}

// NewDeviceLink binds a device transport to the shared relay collaborators.
func NewDeviceLink(deviceID string, transport Transport, deps LinkDeps) *DeviceLink {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &DeviceLink{
		deviceID:  deviceID,
		transport: transport,
		deps:      deps,
		log:       log.With(zap.String("device_id", deviceID)),
	}
}

// DeviceID returns the identity this link serves.
func (l *DeviceLink) DeviceID() string { return l.deviceID }

// Connect creates and starts the session for this link, resuming a cached
// conversation when one is still valid. Resume is silent: the assistant does
// not speak until the user does.
func (l *DeviceLink) Connect(ctx context.Context) error {
	resumed := l.deps.Cache.TakeForResume(l.deviceID)
	if resumed != nil {
		if l.deps.Metrics != nil {
			l.deps.Metrics.ContextCacheEvents.WithLabelValues("resume").Inc()
		}
		l.log.Info("resuming cached conversation", zap.Int("messages", resumed.Len()))
	} else if l.deps.Metrics != nil {
		l.deps.Metrics.ContextCacheEvents.WithLabelValues("miss").Inc()
	}

	tools := NewToolDispatcher(l.log)
	toolDefs := l.registerTools(ctx, tools)

	session := NewSpeechSession(
		l.deviceID,
		l.deps.Session,
		l.transport,
		l.deps.Dial,
		l.deps.Cache,
		tools,
		toolDefs,
		resumed,
		l.log,
		l.deps.Metrics,
	)
	l.mu.Lock()
	l.session = session
	l.mu.Unlock()

	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	if err := l.transport.SendControl(map[string]any{
		"type":        "connected",
		"session_id":  session.ID(),
		"audio":       "pcm16",
		"sample_rate": l.deps.Session.Audio.SampleRate,
		"resumed":     resumed != nil,
	}); err != nil {
		l.log.Debug("failed to send connected notice", zap.Error(err))
	}
	return nil
}

// registerTools installs the builtin disconnect tool and everything the
// backend advertises, returning the combined upstream definitions.
func (l *DeviceLink) registerTools(ctx context.Context, tools *ToolDispatcher) []openairt.Tool {
	defs := []openairt.Tool{{
		Type:        "function",
		Name:        "disconnect_client",
		Description: "End the voice session and disconnect the speaker when the user says goodbye or asks to stop.",
		Parameters: openairt.ToolParameters{
			Type:       "object",
			Properties: map[string]any{},
		},
	}}
	tools.Register("disconnect_client", func(context.Context, json.RawMessage) (any, error) {
		l.log.Info("disconnect requested by assistant")
		// The notice races the close on purpose; delivery is best effort.
		_ = l.transport.SendControl(map[string]any{
			"type":   "disconnect",
			"reason": "session ended by assistant",
		})
		go l.Close()
		return "disconnecting", nil
	})

	if l.deps.Backend == nil {
		return defs
	}
	backendDefs, err := l.deps.Backend.Tools(ctx)
	if err != nil {
		l.log.Warn("tool backend unavailable, continuing with builtins only", zap.Error(err))
		return defs
	}
	for _, def := range backendDefs {
		name := def.Name
		tools.Register(name, func(ctx context.Context, args json.RawMessage) (any, error) {
			return l.deps.Backend.Call(ctx, name, args)
		})
	}
	return append(defs, backendDefs...)
}

// HandleAudio routes binary PCM from the device into the session. Odd-length
// payloads cannot hold whole 16-bit samples and are rejected without
// tearing the link down.
func (l *DeviceLink) HandleAudio(pcm []byte) error {
	if len(pcm)%2 != 0 {
		l.log.Warn("discarding odd-length audio payload", zap.Int("bytes", len(pcm)))
		return nil
	}
	session := l.currentSession()
	if session == nil {
		return nil
	}
	return session.HandleDeviceAudio(pcm)
}

// HandleControl routes a JSON control message from the device.
func (l *DeviceLink) HandleControl(raw []byte) error {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		l.log.Warn("malformed control message from device", zap.Error(err))
		return nil
	}
	session := l.currentSession()

	switch msg.Type {
	case "ping":
		return l.transport.SendControl(map[string]any{"type": "pong"})
	case "flush":
		if session != nil {
			if err := session.FlushAudio(); err != nil {
				return err
			}
		}
		return l.transport.SendControl(map[string]any{"type": "flushed"})
	case "interrupt":
		if session != nil {
			session.ManualInterrupt()
		}
		return nil
	default:
		l.log.Debug("unknown control message from device", zap.String("type", msg.Type))
		return nil
	}
}

// Close drains the session, waits for the context handoff, then tears down
// the device transport. Idempotent.
func (l *DeviceLink) Close() {
	session := l.currentSession()
	if session != nil {
		session.Drain()
		<-session.Drained()
	}
	_ = l.transport.Close()
}

func (l *DeviceLink) currentSession() *SpeechSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

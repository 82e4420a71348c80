// Package server exposes the relay over HTTP: a device WebSocket endpoint,
// health, and Prometheus metrics.
package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fjfricke/ha-openai-realtime/internal/observability"
	"github.com/fjfricke/ha-openai-realtime/pkg/relay"
)

// Server accepts device connections and hands each one to a DeviceLink.
type Server struct {
	deps     relay.LinkDeps
	log      *zap.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

// New builds a server around the shared relay collaborators.
func New(deps relay.LinkDeps, metrics *observability.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		deps:    deps,
		log:     log.Named("server"),
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Edge speakers connect from the LAN without an Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router returns the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", observability.Handler())
	r.Get("/ws", s.handleDevice)
	return r
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = r.RemoteAddr
	}
	log := s.log.With(zap.String("device_id", deviceID))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	log.Info("device connected", zap.String("remote", r.RemoteAddr))

	transport := newWSTransport(conn)
	link := relay.NewDeviceLink(deviceID, transport, s.deps)
	defer link.Close()

	if err := link.Connect(r.Context()); err != nil {
		log.Error("failed to start session for device", zap.Error(err))
		_ = transport.SendControl(map[string]any{
			"type":    "error",
			"message": "failed to reach speech service",
		})
		return
	}

	// The handler is the device reader task; it returns when the device
	// hangs up, and the deferred Close drains the session first.
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("device connection lost", zap.Error(err))
			} else {
				log.Info("device disconnected")
			}
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if err := link.HandleAudio(payload); err != nil {
				log.Warn("audio handling failed", zap.Error(err))
				return
			}
		case websocket.TextMessage:
			if err := link.HandleControl(payload); err != nil {
				log.Warn("control handling failed", zap.Error(err))
				return
			}
		}
	}
}

// wsTransport adapts a gorilla connection to relay.Transport. Gorilla
// permits one concurrent writer, so all sends share a mutex.
type wsTransport struct {
	conn *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) SendAudio(pcm []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (t *wsTransport) SendControl(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.mu.Unlock()
		err = t.conn.Close()
	})
	return err
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjfricke/ha-openai-realtime/pkg/openairt"
	"github.com/fjfricke/ha-openai-realtime/pkg/relay"
)

// stubConn is a minimal scripted upstream connection.
type stubConn struct {
	events chan *openairt.ServerEvent

	mu       sync.Mutex
	appended [][]byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newStubConn() *stubConn {
	c := &stubConn{
		events: make(chan *openairt.ServerEvent, 16),
		closed: make(chan struct{}),
	}
	c.events <- &openairt.ServerEvent{Type: openairt.ServerEventSessionCreated}
	return c
}

func (c *stubConn) Recv() (*openairt.ServerEvent, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.closed:
		return nil, errors.New("closed")
	}
}

func (c *stubConn) SendSessionUpdate(openairt.SessionConfig) error { return nil }

func (c *stubConn) AppendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	c.appended = append(c.appended, cp)
	return nil
}

func (c *stubConn) CommitAudio() error             { return nil }
func (c *stubConn) CreateResponse() error          { return nil }
func (c *stubConn) SendFunctionCallOutput(string, string) error { return nil }

func (c *stubConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *stubConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.appended)
}

type serverHarness struct {
	srv   *httptest.Server
	conns chan *stubConn
	cache *relay.ContextCache
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()
	conns := make(chan *stubConn, 4)
	cache := relay.NewContextCache(relay.DefaultContextReuseTimeout, nil)

	cfg := relay.DefaultSessionConfig()
	cfg.SessionCreatedTimeout = time.Second
	deps := relay.LinkDeps{
		Dial: func(context.Context) (openairt.Conn, error) {
			conn := newStubConn()
			conns <- conn
			return conn, nil
		},
		Cache:   cache,
		Session: cfg,
	}
	srv := httptest.NewServer(New(deps, nil, nil).Router())
	t.Cleanup(srv.Close)
	return &serverHarness{srv: srv, conns: conns, cache: cache}
}

func (h *serverHarness) dialDevice(t *testing.T, deviceID string) (*websocket.Conn, *stubConn) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?device_id=" + deviceID
	device, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { device.Close() })

	var upstream *stubConn
	select {
	case upstream = <-h.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("no upstream connection was dialed")
	}
	return device, upstream
}

func readControl(t *testing.T, device *websocket.Conn) map[string]any {
	t.Helper()
	device.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := device.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHealthz(t *testing.T) {
	h := newServerHarness(t)
	resp, err := http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newServerHarness(t)
	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeviceReceivesConnectedNotice(t *testing.T) {
	h := newServerHarness(t)
	device, _ := h.dialDevice(t, "speaker-1")

	notice := readControl(t, device)
	assert.Equal(t, "connected", notice["type"])
	assert.Equal(t, float64(24000), notice["sample_rate"])
}

func TestDeviceAudioIsFramedUpstream(t *testing.T) {
	h := newServerHarness(t)
	device, upstream := h.dialDevice(t, "speaker-1")
	readControl(t, device) // connected

	// 100ms of PCM split across two binary messages.
	require.NoError(t, device.WriteMessage(websocket.BinaryMessage, make([]byte, 2400)))
	require.NoError(t, device.WriteMessage(websocket.BinaryMessage, make([]byte, 2400)))

	require.Eventually(t, func() bool { return upstream.frameCount() == 1 },
		2*time.Second, 5*time.Millisecond)
}

func TestDevicePingPong(t *testing.T) {
	h := newServerHarness(t)
	device, _ := h.dialDevice(t, "speaker-1")
	readControl(t, device) // connected

	require.NoError(t, device.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	pong := readControl(t, device)
	assert.Equal(t, "pong", pong["type"])
}

func TestDeviceDisconnectCachesContext(t *testing.T) {
	h := newServerHarness(t)
	device, upstream := h.dialDevice(t, "speaker-2")
	readControl(t, device) // connected

	upstream.events <- &openairt.ServerEvent{
		Type:       openairt.ServerEventInputTranscriptionCompleted,
		Transcript: "hello",
	}
	// Let the transcript land before hanging up.
	time.Sleep(50 * time.Millisecond)
	device.Close()

	require.Eventually(t, func() bool { return h.cache.Get("speaker-2") != nil },
		2*time.Second, 10*time.Millisecond)
}

func TestResponseAudioReachesDevice(t *testing.T) {
	h := newServerHarness(t)
	device, upstream := h.dialDevice(t, "speaker-3")
	readControl(t, device) // connected

	upstream.events <- &openairt.ServerEvent{
		Type:  openairt.ServerEventResponseOutputAudioDelta,
		Delta: "AAAAAAAAAAA=", // 8 zero bytes
	}

	device.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, data, err := device.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	// First binary payload is the AEC training preroll of silence.
	assert.Equal(t, 14400, len(data))
}

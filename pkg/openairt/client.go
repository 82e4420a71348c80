package openairt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

const defaultBaseURL = "wss://api.openai.com/v1/realtime"

// Conn is the duplex event connection a session drives. Implementations
// must support one concurrent reader and serialize writers internally.
type Conn interface {
	// Recv blocks for the next server event. Events are returned strictly
	// in arrival order.
	Recv() (*ServerEvent, error)

	// SendSessionUpdate sends the session configuration.
	SendSessionUpdate(cfg SessionConfig) error

	// AppendAudio sends one PCM frame as a base64 input_audio_buffer.append.
	AppendAudio(pcm []byte) error

	// CommitAudio commits the upstream input buffer. Only used on explicit
	// flush; server VAD handles turn boundaries otherwise.
	CommitAudio() error

	// CreateResponse requests a new assistant turn.
	CreateResponse() error

	// SendFunctionCallOutput returns a tool result for callID.
	SendFunctionCallOutput(callID, output string) error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Client is a Conn over a gorilla WebSocket to the Realtime API.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

// Options configures Dial.
type Options struct {
	// APIKey is the bearer token. Required.
	APIKey string

	// Model selects the realtime model, e.g. "gpt-realtime".
	Model string

	// BaseURL overrides the API endpoint, for tests and proxies.
	BaseURL string
}

// Dial opens a Realtime API connection.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	base := opts.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", opts.Model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+opts.APIKey)

	dialer := websocket.Dialer{}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime api: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dial realtime api: %w", err)
	}

	return &Client{conn: conn}, nil
}

// Recv blocks for the next server event.
func (c *Client) Recv() (*ServerEvent, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read realtime event: %w", err)
	}
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode realtime event: %w", err)
	}
	return &ev, nil
}

func (c *Client) send(ev clientEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return fmt.Errorf("send %s: connection closed", ev.Type)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", ev.Type, err)
	}
	return nil
}

// SendSessionUpdate sends the session configuration.
func (c *Client) SendSessionUpdate(cfg SessionConfig) error {
	return c.send(clientEvent{Type: ClientEventSessionUpdate, Session: &cfg})
}

// AppendAudio sends one PCM frame base64-encoded.
func (c *Client) AppendAudio(pcm []byte) error {
	return c.send(clientEvent{
		Type:  ClientEventInputAudioBufferAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitAudio commits the upstream input buffer.
func (c *Client) CommitAudio() error {
	return c.send(clientEvent{Type: ClientEventInputAudioBufferCommit})
}

// CreateResponse requests a new assistant turn.
func (c *Client) CreateResponse() error {
	return c.send(clientEvent{Type: ClientEventResponseCreate})
}

// SendFunctionCallOutput returns a tool result for callID.
func (c *Client) SendFunctionCallOutput(callID, output string) error {
	return c.send(clientEvent{
		Type: ClientEventConversationItemCreate,
		Item: &conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	})
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return nil
	}
	c.closed = true
	// Best effort close frame; the peer may already be gone.
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	return c.conn.Close()
}

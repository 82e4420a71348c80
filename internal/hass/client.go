// Package hass exposes a Home Assistant MCP server's tools to the relay.
// It speaks JSON-RPC 2.0 over HTTP against the streamable MCP endpoint.
package hass

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fjfricke/ha-openai-realtime/pkg/openairt"
)

const protocolVersion = "2025-03-26"

// Client is a Home Assistant MCP client. It satisfies relay.ToolBackend.
type Client struct {
	url   string
	token string
	http  *http.Client
	log   *zap.Logger

	nextID atomic.Int64

	mu          sync.Mutex
	initialized bool
	sessionID   string
}

// New creates a client for the MCP endpoint at url, authenticating with a
// long-lived Home Assistant access token.
func New(url, token string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		url:   url,
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
		log:   log.Named("hass"),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type toolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Tools lists the server's tools as Realtime function definitions,
// performing the MCP initialize handshake on first use.
func (c *Client) Tools(ctx context.Context) ([]openairt.Tool, error) {
	if err := c.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	var listed struct {
		Tools []toolDef `json:"tools"`
	}
	if err := json.Unmarshal(result, &listed); err != nil {
		return nil, fmt.Errorf("decode tool list: %w", err)
	}

	tools := make([]openairt.Tool, 0, len(listed.Tools))
	for _, def := range listed.Tools {
		tools = append(tools, openairt.Tool{
			Type:        "function",
			Name:        def.Name,
			Description: def.Description,
			Parameters:  convertSchema(def.InputSchema),
		})
	}
	c.log.Info("loaded tools from home assistant", zap.Int("count", len(tools)))
	return tools, nil
}

// Call invokes a tool and returns the concatenated text content of its
// result. A result flagged isError comes back as an error.
func (c *Client) Call(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if err := c.ensureInitialized(ctx); err != nil {
		return "", err
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	result, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", fmt.Errorf("call tool %s: %w", name, err)
	}

	var called struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &called); err != nil {
		return "", fmt.Errorf("decode tool result: %w", err)
	}

	var parts []string
	for _, item := range called.Content {
		if item.Type == "text" && item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if called.IsError {
		return "", fmt.Errorf("tool %s failed: %s", name, text)
	}
	return text, nil
}

func (c *Client) ensureInitialized(ctx context.Context) error {
	c.mu.Lock()
	done := c.initialized
	c.mu.Unlock()
	if done {
		return nil
	}

	result, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "ha-openai-realtime",
			"version": "1.0",
		},
	})
	if err != nil {
		return fmt.Errorf("initialize mcp session: %w", err)
	}

	var info struct {
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	_ = json.Unmarshal(result, &info)
	c.log.Info("mcp session initialized",
		zap.String("server", info.ServerInfo.Name),
		zap.String("version", info.ServerInfo.Version))

	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		return fmt.Errorf("complete mcp handshake: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return nil
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := c.post(ctx, rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}

	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s: rpc error %d: %s", method, resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

func (c *Client) notify(ctx context.Context, method string) error {
	payload := map[string]any{"jsonrpc": "2.0", "method": method}
	_, err := c.post(ctx, payload)
	return err
}

func (c *Client) post(ctx context.Context, payload any) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.token)
	c.mu.Lock()
	if c.sessionID != "" {
		req.Header.Set("Mcp-Session-Id", c.sessionID)
	}
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusAccepted {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mcp endpoint returned %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/event-stream") {
		return extractSSEData(body)
	}
	return body, nil
}

// extractSSEData pulls the last data: payload out of a server-sent event
// stream; streamable MCP servers may answer POSTs this way.
func extractSSEData(body []byte) ([]byte, error) {
	var last []byte
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			last = []byte(strings.TrimSpace(data))
		}
	}
	if last == nil {
		return nil, fmt.Errorf("event stream carried no data")
	}
	return last, nil
}

// convertSchema maps an MCP JSON schema onto the Realtime tool parameter
// shape, falling back to an open object when the schema is absent or odd.
func convertSchema(schema json.RawMessage) openairt.ToolParameters {
	params := openairt.ToolParameters{
		Type:       "object",
		Properties: map[string]any{},
	}
	if len(schema) == 0 {
		return params
	}
	var decoded struct {
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(schema, &decoded); err != nil {
		return params
	}
	if decoded.Type != "" {
		params.Type = decoded.Type
	}
	if decoded.Properties != nil {
		params.Properties = decoded.Properties
	}
	params.Required = decoded.Required
	return params
}

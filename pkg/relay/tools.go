package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ToolCallRequest is one upstream function-call request. Each request is
// consumed exactly once and terminated by exactly one ToolCallResult.
type ToolCallRequest struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// ToolCallResult is the structured outcome returned to the model.
type ToolCallResult struct {
	CallID  string `json:"-"`
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ToolHandler executes one tool call. Returned errors become failure
// results; they never terminate the session.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// ToolDispatcher matches upstream tool-call requests to registered handlers.
type ToolDispatcher struct {
	log *zap.Logger

	mu       sync.RWMutex
	handlers map[string]ToolHandler
}

// NewToolDispatcher creates an empty dispatcher.
func NewToolDispatcher(log *zap.Logger) *ToolDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &ToolDispatcher{
		log:      log,
		handlers: make(map[string]ToolHandler),
	}
}

// Register adds a handler under name, replacing any previous registration.
func (d *ToolDispatcher) Register(name string, handler ToolHandler) {
	d.mu.Lock()
	d.handlers[name] = handler
	d.mu.Unlock()
}

// Names returns the registered tool names, for logging.
func (d *ToolDispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	return names
}

// Dispatch executes the handler for req and returns its result. An
// unregistered name yields a failure result; handler errors and panics are
// converted to failure results carrying the failure description.
func (d *ToolDispatcher) Dispatch(ctx context.Context, req ToolCallRequest) (res ToolCallResult) {
	res = ToolCallResult{CallID: req.CallID}

	d.mu.RLock()
	handler, ok := d.handlers[req.Name]
	d.mu.RUnlock()

	if !ok {
		d.log.Warn("tool call for unregistered function", zap.String("name", req.Name))
		res.Error = fmt.Sprintf("unknown function: %s", req.Name)
		return res
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("tool handler panicked",
				zap.String("name", req.Name),
				zap.Any("panic", r))
			res = ToolCallResult{
				CallID: req.CallID,
				Error:  fmt.Sprintf("tool %s panicked: %v", req.Name, r),
			}
		}
	}()

	d.log.Info("dispatching tool call",
		zap.String("name", req.Name),
		zap.String("call_id", req.CallID))

	out, err := handler(ctx, req.Arguments)
	if err != nil {
		d.log.Warn("tool call failed",
			zap.String("name", req.Name),
			zap.Error(err))
		res.Error = err.Error()
		return res
	}

	res.Success = true
	res.Result = out
	return res
}

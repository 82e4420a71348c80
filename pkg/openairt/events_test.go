package openairt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSessionConfigWireFormat(t *testing.T) {
	cfg := DefaultSessionConfig("be brief", "marin", nil)
	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "realtime", decoded["type"])
	assert.Equal(t, "be brief", decoded["instructions"])

	audio := decoded["audio"].(map[string]any)
	input := audio["input"].(map[string]any)
	format := input["format"].(map[string]any)
	assert.Equal(t, "audio/pcm", format["type"])
	assert.Equal(t, float64(24000), format["rate"])

	noise := input["noise_reduction"].(map[string]any)
	assert.Equal(t, "far_field", noise["type"])

	vad := input["turn_detection"].(map[string]any)
	assert.Equal(t, "server_vad", vad["type"])
	assert.Equal(t, 0.25, vad["threshold"])
	assert.Equal(t, float64(300), vad["prefix_padding_ms"])
	assert.Equal(t, float64(500), vad["silence_duration_ms"])
	// Explicit false must survive marshalling: the relay issues its own
	// response.create calls.
	created, present := vad["create_response"]
	assert.True(t, present)
	assert.Equal(t, false, created)
	assert.Equal(t, true, vad["interrupt_response"])

	output := audio["output"].(map[string]any)
	assert.Equal(t, "marin", output["voice"])
}

func TestServerEventDecoding(t *testing.T) {
	raw := `{
		"type": "response.function_call_arguments.done",
		"call_id": "call_7",
		"name": "get_weather",
		"arguments": "{\"location\":\"home\"}"
	}`
	var ev ServerEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	assert.Equal(t, ServerEventFunctionCallArgumentsDone, ev.Type)
	assert.Equal(t, "call_7", ev.CallID)
	assert.Equal(t, "get_weather", ev.Name)
	assert.JSONEq(t, `{"location":"home"}`, ev.Arguments)
}

func TestServerEventErrorDecoding(t *testing.T) {
	raw := `{"type":"error","error":{"code":"session_expired","message":"Session expired","type":"invalid_request_error"}}`
	var ev ServerEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	assert.Equal(t, ServerEventError, ev.Type)
	require.NotNil(t, ev.Error)
	assert.Equal(t, "session_expired", ev.Error.Code)
}

func TestToolSerialization(t *testing.T) {
	tool := Tool{
		Type:        "function",
		Name:        "disconnect_client",
		Description: "End the session.",
		Parameters: ToolParameters{
			Type:       "object",
			Properties: map[string]any{},
		},
	}
	data, err := json.Marshal(tool)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "function",
		"name": "disconnect_client",
		"description": "End the session.",
		"parameters": {"type":"object","properties":{}}
	}`, string(data))
}

// Package openairt implements the client side of the OpenAI Realtime
// WebSocket protocol: typed client events, a server event envelope, and a
// connection that preserves upstream event order.
package openairt

// Client event types sent to the Realtime API.
const (
	ClientEventSessionUpdate          = "session.update"
	ClientEventInputAudioBufferAppend = "input_audio_buffer.append"
	ClientEventInputAudioBufferCommit = "input_audio_buffer.commit"
	ClientEventResponseCreate         = "response.create"
	ClientEventConversationItemCreate = "conversation.item.create"
)

// Server event types received from the Realtime API. Unlisted types are
// ignored by consumers.
const (
	ServerEventSessionCreated               = "session.created"
	ServerEventSessionUpdated               = "session.updated"
	ServerEventResponseCreated              = "response.created"
	ServerEventResponseOutputAudioDelta     = "response.output_audio.delta"
	ServerEventResponseAudioDelta           = "response.audio.delta"
	ServerEventResponseOutputTranscriptDone = "response.output_audio_transcript.done"
	ServerEventInputTranscriptionCompleted  = "conversation.item.input_audio_transcription.completed"
	ServerEventSpeechStarted                = "input_audio_buffer.speech_started"
	ServerEventSpeechStopped                = "input_audio_buffer.speech_stopped"
	ServerEventFunctionCallArgumentsDone    = "response.function_call_arguments.done"
	ServerEventError                        = "error"
)

// AudioFormat describes a PCM stream in session configuration.
type AudioFormat struct {
	Type string `json:"type"`
	Rate int    `json:"rate"`
}

// NoiseReduction selects the upstream input noise-reduction profile.
type NoiseReduction struct {
	Type string `json:"type"`
}

// TurnDetection configures upstream server VAD. CreateResponse is false in
// this system: the relay requests each assistant turn explicitly after
// speech stops, so turn pacing stays under local control.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    bool    `json:"create_response"`
	InterruptResponse bool    `json:"interrupt_response"`
}

// AudioInput is the input half of session audio configuration.
type AudioInput struct {
	Format         AudioFormat     `json:"format"`
	NoiseReduction *NoiseReduction `json:"noise_reduction,omitempty"`
	TurnDetection  *TurnDetection  `json:"turn_detection,omitempty"`
}

// AudioOutput is the output half of session audio configuration.
type AudioOutput struct {
	Format AudioFormat `json:"format"`
	Voice  string      `json:"voice,omitempty"`
}

// SessionAudio groups input and output audio configuration.
type SessionAudio struct {
	Input  AudioInput  `json:"input"`
	Output AudioOutput `json:"output"`
}

// Tool is a function definition exposed to the model.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  ToolParameters `json:"parameters"`
}

// ToolParameters is a JSON-schema object describing tool arguments.
type ToolParameters struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required,omitempty"`
}

// SessionConfig is the session payload of a session.update event.
type SessionConfig struct {
	Type             string       `json:"type"`
	Audio            SessionAudio `json:"audio"`
	OutputModalities []string     `json:"output_modalities,omitempty"`
	Instructions     string       `json:"instructions,omitempty"`
	Tools            []Tool       `json:"tools,omitempty"`
}

// DefaultSessionConfig returns the session configuration this relay sends on
// connect: 24kHz PCM in and out, far-field noise reduction, server VAD with
// explicit response creation.
func DefaultSessionConfig(instructions, voice string, tools []Tool) SessionConfig {
	return SessionConfig{
		Type: "realtime",
		Audio: SessionAudio{
			Input: AudioInput{
				Format:         AudioFormat{Type: "audio/pcm", Rate: 24000},
				NoiseReduction: &NoiseReduction{Type: "far_field"},
				TurnDetection: &TurnDetection{
					Type:              "server_vad",
					Threshold:         0.25,
					PrefixPaddingMs:   300,
					SilenceDurationMs: 500,
					CreateResponse:    false,
					InterruptResponse: true,
				},
			},
			Output: AudioOutput{
				Format: AudioFormat{Type: "audio/pcm", Rate: 24000},
				Voice:  voice,
			},
		},
		OutputModalities: []string{"audio"},
		Instructions:     instructions,
		Tools:            tools,
	}
}

// conversationItem is the item payload of conversation.item.create.
type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// clientEvent is the envelope for all outbound events.
type clientEvent struct {
	Type    string            `json:"type"`
	Session *SessionConfig    `json:"session,omitempty"`
	Audio   string            `json:"audio,omitempty"`
	Item    *conversationItem `json:"item,omitempty"`
}

// APIError is the error payload of an upstream error event.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// ServerEvent is the decoded envelope of one upstream event. Only the
// fields relevant to the received Type are populated.
type ServerEvent struct {
	Type string `json:"type"`

	// Delta carries base64 PCM for audio delta events.
	Delta string `json:"delta,omitempty"`

	// Transcript carries text for transcription events.
	Transcript string `json:"transcript,omitempty"`

	// Function call fields for response.function_call_arguments.done.
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// Error payload for error events.
	Error *APIError `json:"error,omitempty"`
}

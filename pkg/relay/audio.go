package relay

import "math"

// AudioConfig specifies the PCM format carried end to end: linear PCM,
// little-endian, 16-bit signed, mono.
type AudioConfig struct {
	SampleRate     int
	BytesPerSample int
}

// DefaultAudioConfig matches the OpenAI Realtime input/output format.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		SampleRate:     24000,
		BytesPerSample: 2,
	}
}

// BytesPerSecond returns the audio byte rate.
func (c AudioConfig) BytesPerSecond() int {
	return c.SampleRate * c.BytesPerSample
}

// BytesForDuration returns the byte count for the given duration in milliseconds.
func (c AudioConfig) BytesForDurationMs(ms int) int {
	return (c.BytesPerSecond() * ms) / 1000
}

// DurationMs returns the duration in milliseconds for the given byte count.
func (c AudioConfig) DurationMs(bytes int) int {
	if c.BytesPerSecond() == 0 {
		return 0
	}
	return (bytes * 1000) / c.BytesPerSecond()
}

// FrameBuffer accumulates raw PCM bytes into fixed-threshold upstream frames.
// Frames smaller than the threshold are only ever produced by Flush.
//
// The buffer is single-writer, single-reader per session and carries no
// internal locking. Odd byte counts (partial samples) are rejected at the
// device boundary before reaching this component.
type FrameBuffer struct {
	config    AudioConfig
	threshold int
	buf       []byte
}

// NewFrameBuffer creates a frame buffer that emits frames of at least
// frameMs milliseconds of audio. At 24kHz/16-bit/mono and 100ms the
// threshold is 4800 bytes.
func NewFrameBuffer(config AudioConfig, frameMs int) *FrameBuffer {
	threshold := config.BytesForDurationMs(frameMs)
	return &FrameBuffer{
		config:    config,
		threshold: threshold,
		buf:       make([]byte, 0, threshold*2),
	}
}

// Append adds bytes to the buffer. When the accumulated length reaches the
// frame threshold the whole accumulation is returned as one frame and the
// buffer is emptied; otherwise nil is returned and the bytes are retained.
func (b *FrameBuffer) Append(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	b.buf = append(b.buf, data...)
	if len(b.buf) < b.threshold {
		return nil
	}
	frame := b.buf
	b.buf = make([]byte, 0, b.threshold*2)
	return frame
}

// Flush returns whatever remains in the buffer, even if shorter than the
// threshold. Flushing an empty buffer returns nil and is not an error.
func (b *FrameBuffer) Flush() []byte {
	if len(b.buf) == 0 {
		return nil
	}
	frame := b.buf
	b.buf = make([]byte, 0, b.threshold*2)
	return frame
}

// Len returns the number of currently buffered bytes.
func (b *FrameBuffer) Len() int {
	return len(b.buf)
}

// Threshold returns the frame emission threshold in bytes.
func (b *FrameBuffer) Threshold() int {
	return b.threshold
}

// CalculateRMSEnergy computes the root-mean-square energy of 16-bit signed
// little-endian PCM. Returns a value between 0.0 and 1.0.
func CalculateRMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(samples))
}

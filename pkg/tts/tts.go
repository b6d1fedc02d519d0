// Package tts provides the speech synthesis engines used by the greeter.
//
// Two backends are supported: VoiceVox, a remote HTTP synthesis service with a
// two-step query/synthesis protocol, and ESpeak, an on-device synthesizer run as
// a subprocess. Both implement Provider and return complete WAV buffers.
//
// Example usage:
//
//	provider, _ := tts.NewVoiceVox(
//	    tts.WithBaseURL("http://127.0.0.1:50021"),
//	    tts.WithSpeaker(3),
//	)
//	defer provider.Close()
//
//	result, _ := provider.Synthesize(ctx, "いらっしゃいませ")
//	// result.Audio contains WAV bytes
package tts

import (
	"context"
	"time"
)

// Provider defines the TTS provider interface.
type Provider interface {
	// Synthesize converts text to audio, returning the complete audio buffer.
	Synthesize(ctx context.Context, text string) (*AudioResult, error)

	// Health checks that the engine is reachable.
	Health(ctx context.Context) error

	// Close releases any resources held by the provider.
	Close() error
}

// Initializer is implemented by providers that benefit from a warm-up call.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// AudioResult represents a complete audio synthesis result.
type AudioResult struct {
	// Audio contains the encoded audio data.
	Audio []byte

	// Format describes the audio encoding.
	Format AudioFormat

	// CharCount is the number of characters synthesized.
	CharCount int

	// Latency is the total synthesis time.
	Latency time.Duration
}

// AudioFormat describes the audio encoding parameters.
type AudioFormat struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
	BitDepth   int
}

// Encoding represents audio container/codec types.
type Encoding string

// EncodingWAV is RIFF/WAVE; the sample rate comes from the header.
const EncodingWAV Encoding = "wav"

package tts

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/teslashibe/go-greeter/pkg/audio"
)

const (
	mockSampleRate   = 24000
	mockBytesPerRune = 960 // 20 ms of 16-bit mono at 24 kHz
)

// Mock is an in-memory Provider and Initializer for tests.
// Nil hooks fall back to silence for Synthesize and success elsewhere.
type Mock struct {
	SynthesizeFunc func(ctx context.Context, text string) (*AudioResult, error)
	InitializeFunc func(ctx context.Context) error
	HealthFunc     func(ctx context.Context) error

	mu    sync.Mutex
	calls []MockCall
}

// MockCall is one recorded invocation.
type MockCall struct {
	Method string
	Text   string
	Time   time.Time
}

var (
	_ Provider    = (*Mock)(nil)
	_ Initializer = (*Mock)(nil)
)

// NewMock returns a mock that synthesizes silence.
func NewMock() *Mock {
	return &Mock{}
}

// SilentResult is a WAV of silence whose length encodes the rune count of text.
func SilentResult(text string) *AudioResult {
	n := utf8.RuneCountInString(text)
	wav := audio.EncodeWAV(&audio.Clip{
		SampleRate: mockSampleRate,
		Channels:   1,
		BitDepth:   16,
		PCM:        make([]byte, n*mockBytesPerRune),
	})
	return &AudioResult{
		Audio:     wav,
		Format:    AudioFormat{Encoding: EncodingWAV, SampleRate: mockSampleRate, Channels: 1, BitDepth: 16},
		CharCount: n,
		Latency:   time.Millisecond,
	}
}

func (m *Mock) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	m.record("Synthesize", text)
	if m.SynthesizeFunc == nil {
		return SilentResult(text), nil
	}
	return m.SynthesizeFunc(ctx, text)
}

func (m *Mock) Initialize(ctx context.Context) error {
	m.record("Initialize", "")
	if m.InitializeFunc == nil {
		return nil
	}
	return m.InitializeFunc(ctx)
}

func (m *Mock) Health(ctx context.Context) error {
	m.record("Health", "")
	if m.HealthFunc == nil {
		return nil
	}
	return m.HealthFunc(ctx)
}

func (m *Mock) Close() error {
	m.record("Close", "")
	return nil
}

func (m *Mock) record(method, text string) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Method: method, Text: text, Time: time.Now()})
	m.mu.Unlock()
}

// Calls returns a copy of the recorded calls in order.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// CallCount counts calls to method.
func (m *Mock) CallCount(method string) int {
	n := 0
	for _, c := range m.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Texts lists the synthesized texts in call order.
func (m *Mock) Texts() []string {
	var out []string
	for _, c := range m.Calls() {
		if c.Method == "Synthesize" {
			out = append(out, c.Text)
		}
	}
	return out
}

// Reset forgets recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	m.calls = nil
	m.mu.Unlock()
}

// WithError returns a mock whose every method fails with err.
func WithError(err error) *Mock {
	fail := func(context.Context) error { return err }
	return &Mock{
		SynthesizeFunc: func(context.Context, string) (*AudioResult, error) { return nil, err },
		InitializeFunc: fail,
		HealthFunc:     fail,
	}
}

// WithLatency delays every synthesis on m by d, honouring cancellation.
func WithLatency(m *Mock, d time.Duration) *Mock {
	next := m.SynthesizeFunc
	m.SynthesizeFunc = func(ctx context.Context, text string) (*AudioResult, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if next == nil {
			return SilentResult(text), nil
		}
		return next(ctx, text)
	}
	return m
}

package audio

import (
	"context"
	"sync"
	"time"
)

// Playback records one call to MockPlayer.
type Playback struct {
	Clip *Clip
	Raw  []byte
	At   time.Time
}

// MockPlayer implements Player for testing.
type MockPlayer struct {
	// Delay simulates playback length. Cancelling ctx interrupts it.
	Delay time.Duration

	// PlayFunc, if set, is called instead of the default behaviour.
	PlayFunc func(ctx context.Context, clip *Clip, raw []byte) error

	mu    sync.Mutex
	plays []Playback
}

// NewMockPlayer creates a mock player with no delay.
func NewMockPlayer() *MockPlayer {
	return &MockPlayer{}
}

// Play records the clip.
func (m *MockPlayer) Play(ctx context.Context, clip *Clip) error {
	return m.play(ctx, clip, nil)
}

// PlayRaw records the raw bytes.
func (m *MockPlayer) PlayRaw(ctx context.Context, data []byte) error {
	return m.play(ctx, nil, data)
}

func (m *MockPlayer) play(ctx context.Context, clip *Clip, raw []byte) error {
	m.mu.Lock()
	m.plays = append(m.plays, Playback{Clip: clip, Raw: raw, At: time.Now()})
	m.mu.Unlock()

	if m.PlayFunc != nil {
		return m.PlayFunc(ctx, clip, raw)
	}
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	return nil
}

// Plays returns all recorded playbacks.
func (m *MockPlayer) Plays() []Playback {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Playback, len(m.plays))
	copy(out, m.plays)
	return out
}

// Reset clears recorded playbacks.
func (m *MockPlayer) Reset() {
	m.mu.Lock()
	m.plays = nil
	m.mu.Unlock()
}

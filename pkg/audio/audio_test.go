package audio

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-greeter/internal/log"
)

func TestDecodeWAV_EncodeRoundTrip(t *testing.T) {
	clip := &Clip{
		SampleRate: 24000,
		Channels:   1,
		BitDepth:   16,
		PCM:        ConvertInt16ToPCM16([]int16{0, 1000, -1000, 32767}),
	}

	got, err := DecodeWAV(EncodeWAV(clip))
	require.NoError(t, err)
	assert.Equal(t, 24000, got.SampleRate)
	assert.Equal(t, 1, got.Channels)
	assert.Equal(t, []int16{0, 1000, -1000, 32767}, got.Samples())
}

func TestDecodeWAV_SkipsUnknownChunks(t *testing.T) {
	clip := &Clip{SampleRate: 8000, Channels: 1, BitDepth: 16, PCM: make([]byte, 160)}
	wav := EncodeWAV(clip)

	// Insert an odd-sized LIST chunk between fmt and data.
	list := []byte{'L', 'I', 'S', 'T', 3, 0, 0, 0, 'a', 'b', 'c', 0}
	withList := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)

	got, err := DecodeWAV(withList)
	require.NoError(t, err)
	assert.Len(t, got.PCM, 160)
	assert.Equal(t, 10*time.Millisecond, got.Duration())
}

func TestDecodeWAV_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"mp3", []byte("ID3\x04\x00\x00\x00\x00\x00\x00\x00\x00")},
		{"no data chunk", EncodeWAV(&Clip{SampleRate: 8000, Channels: 1, BitDepth: 16})[:36]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeWAV(tt.data)
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestClip_Duration(t *testing.T) {
	c := &Clip{SampleRate: 24000, Channels: 1, BitDepth: 16, PCM: make([]byte, 48000)}
	assert.Equal(t, time.Second, c.Duration())
	assert.Equal(t, time.Duration(0), (&Clip{}).Duration())
}

func TestMockPlayer(t *testing.T) {
	m := NewMockPlayer()
	ctx := context.Background()

	require.NoError(t, m.Play(ctx, &Clip{PCM: []byte{1}}))
	require.NoError(t, m.PlayRaw(ctx, []byte("raw")))

	plays := m.Plays()
	require.Len(t, plays, 2)
	assert.NotNil(t, plays[0].Clip)
	assert.Equal(t, []byte("raw"), plays[1].Raw)

	m.Reset()
	assert.Empty(t, m.Plays())
}

func TestMockPlayer_DelayHonoursCancel(t *testing.T) {
	m := &MockPlayer{Delay: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := m.PlayRaw(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestExecPlayer_StdinAndFile(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	ctx := context.Background()

	stdin := NewExecPlayer("cat", nil, log.Discard())
	assert.NoError(t, stdin.PlayRaw(ctx, []byte("hello")))

	file := NewExecPlayer("cat", []string{FileArg}, log.Discard())
	assert.NoError(t, file.Play(ctx, &Clip{SampleRate: 8000, Channels: 1, BitDepth: 16, PCM: []byte{0, 0}}))
	assert.False(t, file.IsPlaying())
}

func TestExecPlayer_Failure(t *testing.T) {
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not available")
	}
	p := NewExecPlayer("false", nil, log.Discard())
	assert.Error(t, p.PlayRaw(context.Background(), []byte("x")))
}

func TestExecPlayer_EmptyIsNoop(t *testing.T) {
	p := NewExecPlayer("definitely-not-a-player", nil, log.Discard())
	assert.NoError(t, p.PlayRaw(context.Background(), nil))
	assert.NoError(t, p.Play(context.Background(), nil))
}

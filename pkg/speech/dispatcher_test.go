package speech

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-greeter/internal/log"
	"github.com/teslashibe/go-greeter/pkg/audio"
	"github.com/teslashibe/go-greeter/pkg/tts"
)

func newDispatcher(t *testing.T, engine Engine, player audio.Player, opts ...Option) *Dispatcher {
	t.Helper()
	d, err := New(engine, player, append([]Option{WithLogger(log.Discard())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// pcmLen identifies which phrase a clip came from: SilentResult emits 960 bytes per rune.
func pcmLen(p audio.Playback) int {
	if p.Clip == nil {
		return -1
	}
	return len(p.Clip.PCM) / 960
}

func TestNew_RequiresProvider(t *testing.T) {
	_, err := New(Remote{SpeakerID: 3}, audio.NewMockPlayer())
	assert.ErrorIs(t, err, ErrNoProvider)

	_, err = New(Local{}, audio.NewMockPlayer())
	assert.ErrorIs(t, err, ErrNoProvider)

	_, err = New(Remote{}, nil, WithRemote(tts.NewMock()))
	assert.Error(t, err, "player required")

	_, err = New(Remote{}, audio.NewMockPlayer(), WithRemote(tts.NewMock()), WithCacheSize(0))
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("remote")
	require.NoError(t, err)
	assert.Equal(t, KindRemote, k)

	k, err = ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindNone, k)

	_, err = ParseKind("cloud")
	assert.Error(t, err)
}

func TestPreload_FetchesOnce(t *testing.T) {
	remote := tts.NewMock()
	d := newDispatcher(t, Remote{SpeakerID: 3}, audio.NewMockPlayer(), WithRemote(remote))
	ctx := context.Background()

	require.NoError(t, d.Preload(ctx, "いらっしゃいませ"))
	require.NoError(t, d.Preload(ctx, "いらっしゃいませ"))

	assert.Equal(t, 1, remote.CallCount("Synthesize"))
	assert.True(t, d.Cached("いらっしゃいませ"))
}

func TestPreload_CoalescesInFlight(t *testing.T) {
	remote := tts.WithLatency(tts.NewMock(), 50*time.Millisecond)
	d := newDispatcher(t, Remote{SpeakerID: 3}, audio.NewMockPlayer(), WithRemote(remote))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Preload(context.Background(), "hello"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, remote.CallCount("Synthesize"))
}

func TestPreload_NonRemoteIsNoop(t *testing.T) {
	local := tts.NewMock()
	d := newDispatcher(t, Local{}, audio.NewMockPlayer(), WithLocal(local))

	require.NoError(t, d.Preload(context.Background(), "hello"))
	assert.Equal(t, 0, local.CallCount("Synthesize"))
}

func TestSpeakAll_PlaysInSubmissionOrder(t *testing.T) {
	remote := tts.NewMock()
	remote.SynthesizeFunc = func(ctx context.Context, text string) (*tts.AudioResult, error) {
		if text == "A" {
			time.Sleep(80 * time.Millisecond)
		}
		return tts.SilentResult(text), nil
	}
	player := audio.NewMockPlayer()
	d := newDispatcher(t, Remote{SpeakerID: 3}, player, WithRemote(remote))

	require.NoError(t, d.SpeakAll(context.Background(), []string{"A", "BBB"}))

	plays := player.Plays()
	require.Len(t, plays, 2)
	assert.Equal(t, 1, pcmLen(plays[0]))
	assert.Equal(t, 3, pcmLen(plays[1]))

	// Both fetches were issued before A finished.
	calls := remote.Calls()
	require.Len(t, calls, 2)
	assert.WithinDuration(t, calls[0].Time, calls[1].Time, 60*time.Millisecond)
}

func TestSpeakAll_RequestsDoNotInterleave(t *testing.T) {
	remote := tts.NewMock()
	remote.SynthesizeFunc = func(ctx context.Context, text string) (*tts.AudioResult, error) {
		if text == "AA" {
			time.Sleep(50 * time.Millisecond)
		}
		return tts.SilentResult(text), nil
	}
	player := audio.NewMockPlayer()
	d := newDispatcher(t, Remote{SpeakerID: 3}, player, WithRemote(remote))

	first := d.Enqueue("A", "AA")
	second := d.Enqueue("AAA")
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	plays := player.Plays()
	require.Len(t, plays, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{pcmLen(plays[0]), pcmLen(plays[1]), pcmLen(plays[2])})
}

func TestSpeak_UsesCache(t *testing.T) {
	remote := tts.NewMock()
	player := audio.NewMockPlayer()
	d := newDispatcher(t, Remote{SpeakerID: 3}, player, WithRemote(remote))
	ctx := context.Background()

	require.NoError(t, d.Preload(ctx, "hi"))
	require.NoError(t, d.Speak(ctx, "hi"))
	require.NoError(t, d.Speak(ctx, "hi"))

	assert.Equal(t, 1, remote.CallCount("Synthesize"))
	plays := player.Plays()
	require.Len(t, plays, 2)
	assert.Same(t, plays[0].Clip, plays[1].Clip, "decoded clip reused")
}

func TestCache_EvictsByInsertionOrder(t *testing.T) {
	remote := tts.NewMock()
	d := newDispatcher(t, Remote{SpeakerID: 3}, audio.NewMockPlayer(), WithRemote(remote), WithCacheSize(2))
	ctx := context.Background()

	require.NoError(t, d.Preload(ctx, "a"))
	require.NoError(t, d.Preload(ctx, "b"))
	require.NoError(t, d.Speak(ctx, "a")) // reading does not refresh
	require.NoError(t, d.Preload(ctx, "c"))

	assert.False(t, d.Cached("a"))
	assert.True(t, d.Cached("b"))
	assert.True(t, d.Cached("c"))
}

func TestRemoteFailure_DroppedWithoutFallback(t *testing.T) {
	remote := tts.WithError(tts.WrapError("voicevox", tts.ErrTimeout))
	local := tts.NewMock()
	player := audio.NewMockPlayer()
	d := newDispatcher(t, Remote{SpeakerID: 3, AllowFallback: false}, player,
		WithRemote(remote), WithLocal(local))

	require.NoError(t, d.SpeakAll(context.Background(), []string{"A", "B"}))

	assert.Empty(t, player.Plays())
	assert.Equal(t, 0, local.CallCount("Synthesize"))
	assert.False(t, d.Cached("A"))
}

func TestRemoteFailure_FallsBackToLocal(t *testing.T) {
	remote := tts.NewMock()
	remote.SynthesizeFunc = func(ctx context.Context, text string) (*tts.AudioResult, error) {
		if text == "B" {
			return nil, &tts.APIError{StatusCode: 500, Provider: "voicevox"}
		}
		return tts.SilentResult(text), nil
	}
	local := tts.NewMock()
	player := audio.NewMockPlayer()
	d := newDispatcher(t, Remote{SpeakerID: 3, AllowFallback: true}, player,
		WithRemote(remote), WithLocal(local))

	require.NoError(t, d.SpeakAll(context.Background(), []string{"A", "B"}))

	assert.Len(t, player.Plays(), 2)
	assert.Equal(t, []string{"B"}, local.Texts())
}

func TestDecodeFailure_PlaysRaw(t *testing.T) {
	remote := tts.NewMock()
	remote.SynthesizeFunc = func(ctx context.Context, text string) (*tts.AudioResult, error) {
		return &tts.AudioResult{Audio: []byte("ID3 not a wav")}, nil
	}
	player := audio.NewMockPlayer()
	d := newDispatcher(t, Remote{SpeakerID: 3}, player, WithRemote(remote))

	require.NoError(t, d.Speak(context.Background(), "hi"))

	plays := player.Plays()
	require.Len(t, plays, 1)
	assert.Nil(t, plays[0].Clip)
	assert.Equal(t, []byte("ID3 not a wav"), plays[0].Raw)
}

func TestLocal_PreemptsActiveOncePerCall(t *testing.T) {
	var calls atomic.Int32
	player := audio.NewMockPlayer()
	player.PlayFunc = func(ctx context.Context, clip *audio.Clip, raw []byte) error {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
	local := tts.NewMock()
	d := newDispatcher(t, Local{Locale: "ja-JP"}, player, WithLocal(local))

	first := d.Enqueue("long announcement")
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	second := d.Enqueue("B", "C")
	assert.ErrorIs(t, <-first, context.Canceled)
	require.NoError(t, <-second)

	assert.Equal(t, int32(3), calls.Load(), "B and C both play after a single interruption")
}

func TestNone_LogsOnly(t *testing.T) {
	d := newDispatcher(t, None{}, nil)
	assert.NoError(t, d.SpeakAll(context.Background(), []string{"hello"}))
	assert.NoError(t, d.Init(context.Background()))
}

func TestInit_WarmsRemote(t *testing.T) {
	remote := tts.NewMock()
	d := newDispatcher(t, Remote{SpeakerID: 3}, audio.NewMockPlayer(), WithRemote(remote))

	require.NoError(t, d.Init(context.Background()))
	assert.Equal(t, 1, remote.CallCount("Initialize"))

	failing := newDispatcher(t, Remote{SpeakerID: 3}, audio.NewMockPlayer(),
		WithRemote(tts.WithError(fmt.Errorf("engine down"))))
	assert.Error(t, failing.Init(context.Background()))
}

func TestEnqueue_QueueFull(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Bool
	player := audio.NewMockPlayer()
	player.PlayFunc = func(ctx context.Context, clip *audio.Clip, raw []byte) error {
		started.Store(true)
		<-release
		return nil
	}
	d := newDispatcher(t, Remote{SpeakerID: 3}, player, WithRemote(tts.NewMock()), WithQueueSize(1))

	first := d.Enqueue("A")
	require.Eventually(t, started.Load, time.Second, 5*time.Millisecond)

	second := d.Enqueue("B")
	assert.ErrorIs(t, <-d.Enqueue("C"), ErrQueueFull)

	close(release)
	assert.NoError(t, <-first)
	assert.NoError(t, <-second)
}

func TestClose(t *testing.T) {
	d, err := New(None{}, nil, WithLogger(log.Discard()))
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.ErrorIs(t, <-d.Enqueue("late"), ErrClosed)
}

func TestOnSpeak(t *testing.T) {
	var mu sync.Mutex
	var spoken []string
	d := newDispatcher(t, Remote{SpeakerID: 3}, audio.NewMockPlayer(), WithRemote(tts.NewMock()),
		WithOnSpeak(func(text string) {
			mu.Lock()
			spoken = append(spoken, text)
			mu.Unlock()
		}))

	require.NoError(t, d.SpeakAll(context.Background(), []string{"one", "two", ""}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two"}, spoken)
}

package flow

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-greeter/internal/log"
)

var epoch = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type stubSpeaker struct {
	mu       sync.Mutex
	calls    [][]string
	preloads []string
	panics   bool
	err      error
}

func (s *stubSpeaker) Enqueue(texts ...string) <-chan error {
	if s.panics {
		panic("speaker exploded")
	}
	s.mu.Lock()
	s.calls = append(s.calls, texts)
	s.mu.Unlock()
	ch := make(chan error, 1)
	ch <- s.err
	return ch
}

func (s *stubSpeaker) Preload(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preloads = append(s.preloads, text)
	return nil
}

func (s *stubSpeaker) Calls() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.calls...)
}

func (s *stubSpeaker) Preloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.preloads...)
}

type stubInventory []string

func (s stubInventory) EmptyNames() []string { return s }

type harness struct {
	m       *Machine
	clock   *FakeClock
	speaker *stubSpeaker
	events  []Transition
}

func newHarness(t *testing.T, cfg Config, inv Inventory) *harness {
	t.Helper()
	h := &harness{clock: NewFakeClock(epoch), speaker: &stubSpeaker{}}
	m, err := New(cfg, DefaultPhrases(), h.speaker, inv,
		WithClock(h.clock),
		WithLogger(log.Discard()),
		WithObserver(func(tr Transition) { h.events = append(h.events, tr) }),
	)
	require.NoError(t, err)
	h.m = m
	return h
}

func noHold() Config {
	cfg := DefaultConfig()
	cfg.WelcomeEnterHold = 0
	return cfg
}

func (h *harness) advance(d time.Duration) { h.clock.Advance(d) }

func (h *harness) states() []State {
	out := make([]State, 0, len(h.events))
	for _, e := range h.events {
		out = append(out, e.To)
	}
	return out
}

func TestConfig_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5*time.Second, cfg.WelcomeCooldown)
	assert.Equal(t, 4*time.Second, cfg.ThanksCooldown)
	assert.Equal(t, 4*time.Second, cfg.DepartSkipAfterPay)
	assert.Equal(t, 1500*time.Millisecond, cfg.MinStayForDepartThanks)
	assert.Equal(t, 1500*time.Millisecond, cfg.ThanksDuration)
	assert.Equal(t, time.Second, cfg.WelcomeEnterHold)
	assert.Equal(t, 1200*time.Millisecond, cfg.GuideDelay)
	require.NoError(t, cfg.Validate())

	cfg.ThanksDuration = 0
	assert.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.GuideDelay = -time.Second
	assert.Error(t, cfg.Validate())
}

func TestPhrases_Welcome(t *testing.T) {
	p := DefaultPhrases()
	assert.Equal(t, []string{"いらっしゃいませニャー！"}, p.Welcome(nil))
	assert.Equal(t, []string{
		"いらっしゃいませニャー！",
		"おにぎり と お茶 は売り切れたのにゃ。ごめんなさいにゃーあ。",
	}, p.Welcome([]string{"おにぎり", "お茶"}))

	p.SoldOut = " is sold out"
	p.NameSeparator = ", "
	assert.Equal(t, "Tea, Cake is sold out", p.Apology([]string{"Tea", "Cake"}))
}

func TestWelcome_ThenGuide(t *testing.T) {
	h := newHarness(t, noHold(), nil)

	h.m.OnPresence(true)
	assert.Equal(t, StateWelcome, h.m.State())
	assert.Equal(t, [][]string{{"いらっしゃいませニャー！"}}, h.speaker.Calls())

	h.advance(1199 * time.Millisecond)
	assert.Equal(t, StateWelcome, h.m.State())
	h.advance(time.Millisecond)
	assert.Equal(t, StateGuide, h.m.State())
	assert.Equal(t, epoch.Add(1200*time.Millisecond), h.events[1].At)
}

func TestWelcome_EnterHold(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	h.m.OnPresence(true)
	assert.Equal(t, StateIdle, h.m.State())
	h.advance(999 * time.Millisecond)
	h.m.OnPresence(true)
	assert.Equal(t, StateIdle, h.m.State())

	h.advance(time.Millisecond)
	assert.Equal(t, StateWelcome, h.m.State())
	h.advance(1200 * time.Millisecond)
	assert.Equal(t, StateGuide, h.m.State())
}

func TestWelcome_StaleHoldIgnored(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	h.m.OnPresence(true)
	h.advance(500 * time.Millisecond)
	h.m.OnPresence(false)
	h.advance(200 * time.Millisecond)
	h.m.OnPresence(true) // t=700

	h.advance(300 * time.Millisecond) // first hold expires at t=1000
	assert.Equal(t, StateIdle, h.m.State(), "hold from the first edge is stale")

	h.advance(700 * time.Millisecond) // t=1700
	assert.Equal(t, StateWelcome, h.m.State())
	assert.Len(t, h.speaker.Calls(), 1)
}

func TestWelcome_HoldCancelledByDeparture(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	h.m.OnPresence(true)
	h.advance(400 * time.Millisecond)
	h.m.OnPresence(false)
	h.advance(2 * time.Second)

	assert.Equal(t, StateIdle, h.m.State())
	assert.Empty(t, h.speaker.Calls())
	assert.Empty(t, h.events)
}

func TestWelcome_Cooldown(t *testing.T) {
	h := newHarness(t, noHold(), nil)

	h.m.OnPresence(true)
	h.advance(time.Second)
	h.m.OnPresence(false) // short stay: straight to IDLE
	require.Equal(t, StateIdle, h.m.State())

	h.advance(2 * time.Second)
	h.m.OnPresence(true) // t=3s, inside cooldown
	assert.Equal(t, StateIdle, h.m.State())
	h.m.OnPresence(false)

	h.advance(2 * time.Second)
	h.m.OnPresence(true) // t=5s
	assert.Equal(t, StateWelcome, h.m.State())
	assert.Len(t, h.speaker.Calls(), 2)
}

func TestWelcome_IncludesSoldOutApology(t *testing.T) {
	h := newHarness(t, noHold(), stubInventory{"おにぎり", "サンドイッチ"})

	h.m.OnPresence(true)

	calls := h.speaker.Calls()
	require.Len(t, calls, 1, "greeting and apology are one submission")
	assert.Equal(t, []string{
		"いらっしゃいませニャー！",
		"おにぎり と サンドイッチ は売り切れたのにゃ。ごめんなさいにゃーあ。",
	}, calls[0])
	assert.Equal(t, calls[0], h.events[0].Spoken)
}

func TestDepartThanks(t *testing.T) {
	h := newHarness(t, noHold(), nil)

	h.m.OnPresence(true)
	h.advance(2 * time.Second)
	require.Equal(t, StateGuide, h.m.State())

	h.m.OnPresence(false)
	assert.Equal(t, StateThanks, h.m.State())
	assert.Equal(t, []string{"ありがとうございましたニャー！"}, h.speaker.Calls()[1])

	// The absent-means-idle rule must not overwrite THANKS.
	h.advance(1499 * time.Millisecond)
	h.m.OnPresence(false)
	assert.Equal(t, StateThanks, h.m.State())

	h.advance(time.Millisecond)
	assert.Equal(t, StateIdle, h.m.State())

	last := h.events[len(h.events)-1]
	prev := h.events[len(h.events)-2]
	assert.Equal(t, ReasonThanksDone, last.Reason)
	assert.Equal(t, 1500*time.Millisecond, last.At.Sub(prev.At))
}

func TestDepart_ShortStayGoesIdle(t *testing.T) {
	h := newHarness(t, noHold(), nil)

	h.m.OnPresence(true)
	h.advance(time.Second)
	h.m.OnPresence(false)
	assert.Equal(t, StateIdle, h.m.State())

	// The pending GUIDE timer is stale.
	h.advance(time.Second)
	assert.Equal(t, StateIdle, h.m.State())
	assert.Equal(t, []State{StateWelcome, StateIdle}, h.states())
	assert.Len(t, h.speaker.Calls(), 1)
}

func TestDepart_SkippedAfterPay(t *testing.T) {
	cfg := noHold()
	cfg.ThanksCooldown = 0
	h := newHarness(t, cfg, nil)

	h.m.OnPresence(true)
	h.advance(2 * time.Second)
	require.True(t, h.m.OnPay())
	h.advance(2 * time.Second) // THANKS over, 2s since pay
	require.Equal(t, StateIdle, h.m.State())

	h.m.OnPresence(false)
	assert.Equal(t, StateIdle, h.m.State())
	assert.Len(t, h.speaker.Calls(), 2, "welcome and pay thanks only")
}

func TestDepart_DuringThanksIgnored(t *testing.T) {
	h := newHarness(t, noHold(), nil)

	h.m.OnPresence(true)
	h.advance(500 * time.Millisecond)
	require.True(t, h.m.OnPay())
	h.advance(100 * time.Millisecond)

	h.m.OnPresence(false)
	assert.Equal(t, StateThanks, h.m.State())
	assert.Len(t, h.speaker.Calls(), 2)

	h.advance(1400 * time.Millisecond)
	assert.Equal(t, StateIdle, h.m.State())
}

func TestPay_ThanksAndCooldown(t *testing.T) {
	h := newHarness(t, noHold(), nil)

	require.True(t, h.m.OnPay())
	assert.Equal(t, StateThanks, h.m.State())
	assert.Equal(t, [][]string{{"ありがとうございます！"}}, h.speaker.Calls())

	h.advance(time.Second)
	assert.False(t, h.m.OnPay(), "inside cooldown")
	assert.Len(t, h.speaker.Calls(), 1)
	assert.Equal(t, StateThanks, h.m.State())

	h.advance(500 * time.Millisecond)
	assert.Equal(t, StateIdle, h.m.State())

	h.advance(2499 * time.Millisecond)
	assert.False(t, h.m.OnPay())
	assert.Equal(t, StateIdle, h.m.State())

	h.advance(time.Millisecond)
	assert.True(t, h.m.OnPay())
	st := h.m.Status()
	assert.Equal(t, st.LastPayAt, st.LastThanksAt)
}

func TestPay_RearmsThanksTimer(t *testing.T) {
	cfg := noHold()
	cfg.ThanksCooldown = 500 * time.Millisecond
	h := newHarness(t, cfg, nil)

	require.True(t, h.m.OnPay())
	h.advance(time.Second)
	require.True(t, h.m.OnPay())

	h.advance(time.Second) // first THANKS timer would have fired at 1.5s
	assert.Equal(t, StateThanks, h.m.State())
	h.advance(500 * time.Millisecond)
	assert.Equal(t, StateIdle, h.m.State())
}

func TestSpeechFailureDoesNotBlockTransitions(t *testing.T) {
	h := newHarness(t, noHold(), nil)
	h.speaker.panics = true

	h.m.OnPresence(true)
	assert.Equal(t, StateWelcome, h.m.State())
	h.advance(1200 * time.Millisecond)
	assert.Equal(t, StateGuide, h.m.State())

	h.speaker.panics = false
	h.speaker.err = errors.New("synthesis failed")
	h.advance(time.Second)
	h.m.OnPresence(false)
	assert.Equal(t, StateThanks, h.m.State())
}

func TestOnInventory_Preloads(t *testing.T) {
	h := newHarness(t, noHold(), nil)

	h.m.OnInventory(nil)
	h.m.OnInventory([]string{"お茶"})

	assert.Eventually(t, func() bool { return len(h.speaker.Preloads()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{
		"いらっしゃいませニャー！",
		"お茶 は売り切れたのにゃ。ごめんなさいにゃーあ。",
	}, h.speaker.Preloads())
}

func TestObserverPanicIsContained(t *testing.T) {
	clock := NewFakeClock(epoch)
	var got []State
	m, err := New(noHold(), DefaultPhrases(), nil, nil,
		WithClock(clock),
		WithLogger(log.Discard()),
		WithObserver(func(Transition) { panic("observer") }),
		WithObserver(func(tr Transition) { got = append(got, tr.To) }),
	)
	require.NoError(t, err)

	m.OnPresence(true)
	assert.Equal(t, []State{StateWelcome}, got)
}

func TestClose_StopsTimers(t *testing.T) {
	h := newHarness(t, noHold(), nil)

	h.m.OnPresence(true)
	h.m.Close()
	h.advance(5 * time.Second)

	assert.Equal(t, StateWelcome, h.m.State())
	assert.False(t, h.m.OnPay())
	assert.Equal(t, 0, h.clock.Pending())
}

// Random presence traces never greet twice within the cooldown and always
// leave THANKS after exactly ThanksDuration.
func TestProperty_RandomTraces(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		cfg := DefaultConfig()
		h := newHarness(t, cfg, nil)

		present := false
		for tick := 0; tick < 3000; tick++ {
			if rng.Intn(40) == 0 {
				present = !present
			}
			if rng.Intn(500) == 0 {
				h.m.OnPay()
			}
			h.m.OnPresence(present)
			h.advance(33 * time.Millisecond)
		}

		var lastWelcome time.Time
		for i, ev := range h.events {
			if ev.To == StateWelcome {
				if !lastWelcome.IsZero() {
					require.GreaterOrEqual(t, ev.At.Sub(lastWelcome), cfg.WelcomeCooldown, "seed %d", seed)
				}
				lastWelcome = ev.At
			}
			if ev.From == StateThanks && ev.To != StateThanks {
				require.Equal(t, StateIdle, ev.To, "seed %d", seed)
				require.Equal(t, ReasonThanksDone, ev.Reason, "seed %d", seed)
				require.Equal(t, cfg.ThanksDuration, ev.At.Sub(h.events[i-1].At), "seed %d", seed)
			}
		}
	}
}

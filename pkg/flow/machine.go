// Package flow implements the greeting state machine.
//
// The machine consumes debounced presence updates and payment events and
// decides what the kiosk displays and says. It never waits on speech.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the behavioural state shown on the display.
type State string

const (
	StateIdle    State = "IDLE"
	StateWelcome State = "WELCOME"
	StateGuide   State = "GUIDE"
	StatePayWait State = "PAY_WAIT"
	StateThanks  State = "THANKS"
)

// AllStates lists every state in display order.
var AllStates = []State{StateIdle, StateWelcome, StateGuide, StatePayWait, StateThanks}

// Transition reasons.
const (
	ReasonWelcome      = "welcome"
	ReasonGuide        = "guide"
	ReasonDepartThanks = "depart_thanks"
	ReasonDepart       = "depart"
	ReasonPay          = "pay"
	ReasonThanksDone   = "thanks_done"
	ReasonAbsent       = "absent"
)

// Speaker receives announcements. Enqueue must not block.
type Speaker interface {
	Enqueue(texts ...string) <-chan error
	Preload(ctx context.Context, text string) error
}

// Inventory reports display names of sold-out shelves.
type Inventory interface {
	EmptyNames() []string
}

// Transition describes one state change.
type Transition struct {
	From    State     `json:"from"`
	To      State     `json:"to"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
	Present bool      `json:"present"`
	Spoken  []string  `json:"spoken,omitempty"`
}

// Status is a point-in-time view of the machine.
type Status struct {
	State         State     `json:"state"`
	Present       bool      `json:"present"`
	Since         time.Time `json:"since"`
	LastWelcomeAt time.Time `json:"last_welcome_at"`
	LastThanksAt  time.Time `json:"last_thanks_at"`
	LastPayAt     time.Time `json:"last_pay_at"`
}

// Machine is the greeting flow state machine. It is safe for concurrent use;
// presence updates, payments and timer callbacks are serialized.
type Machine struct {
	cfg       Config
	phrases   Phrases
	speaker   Speaker
	inventory Inventory
	clock     Clock
	logger    *slog.Logger
	observers []func(Transition)

	mu      sync.Mutex
	emitMu  sync.Mutex
	state   State
	since   time.Time
	present bool
	gen     uint64 // bumped on every transition; stale timers compare against it
	seq     uint64 // bumped on every rising edge; stale welcome holds compare against it
	closed  bool
	timers  []Timer
	pending []Transition

	lastWelcomeAt time.Time
	lastThanksAt  time.Time
	lastPayAt     time.Time
	lastEnterAt   time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock replaces the real clock.
func WithClock(c Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithObserver registers fn to receive every transition in order.
// Observers run outside the machine lock and must not block for long.
func WithObserver(fn func(Transition)) Option {
	return func(m *Machine) { m.observers = append(m.observers, fn) }
}

// New creates a machine in IDLE.
func New(cfg Config, phrases Phrases, speaker Speaker, inventory Inventory, opts ...Option) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Machine{
		cfg:       cfg,
		phrases:   phrases,
		speaker:   speaker,
		inventory: inventory,
		clock:     RealClock{},
		logger:    slog.Default(),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "flow")
	m.since = m.clock.Now()
	return m, nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the current status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:         m.state,
		Present:       m.present,
		Since:         m.since,
		LastWelcomeAt: m.lastWelcomeAt,
		LastThanksAt:  m.lastThanksAt,
		LastPayAt:     m.lastPayAt,
	}
}

// OnPresence feeds the debounced presence signal. Call it every tick.
func (m *Machine) OnPresence(present bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	prev := m.present
	m.present = present

	switch {
	case present && !prev:
		m.enterLocked(now)
	case !present && prev:
		m.departLocked(now)
	case !present && m.state != StateThanks && m.state != StateIdle:
		m.setStateLocked(StateIdle, ReasonAbsent, now, nil)
	}
	m.flushLocked()
}

// OnPay handles a payment completed event. Payments inside the thanks
// cooldown are dropped.
func (m *Machine) OnPay() bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	now := m.clock.Now()
	if now.Sub(m.lastThanksAt) < m.cfg.ThanksCooldown {
		m.mu.Unlock()
		m.logger.Info("payment ignored during thanks cooldown",
			"since_thanks_ms", now.Sub(m.lastThanksAt).Milliseconds())
		return false
	}

	m.lastPayAt = now
	m.lastThanksAt = now
	spoken := []string{m.phrases.PayThanks}
	m.setStateLocked(StateThanks, ReasonPay, now, spoken)
	m.speakLocked(spoken...)
	m.scheduleThanksEndLocked()
	m.flushLocked()
	return true
}

// OnInventory pre-generates the welcome phrases for the given sold-out names
// so the next welcome plays without synthesis latency.
func (m *Machine) OnInventory(emptyNames []string) {
	if len(emptyNames) == 0 || m.speaker == nil {
		return
	}
	for _, text := range m.phrases.Welcome(emptyNames) {
		go func(text string) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Warn("preload panicked", "panic", r)
				}
			}()
			if err := m.speaker.Preload(context.Background(), text); err != nil {
				m.logger.Debug("preload failed", "text", text, "error", err)
			}
		}(text)
	}
}

// Close stops pending timers. Further events are ignored.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = nil
}

func (m *Machine) enterLocked(now time.Time) {
	m.lastEnterAt = now
	m.seq++

	if m.state != StateIdle || now.Sub(m.lastWelcomeAt) < m.cfg.WelcomeCooldown {
		return
	}
	if m.cfg.WelcomeEnterHold <= 0 {
		m.welcomeLocked(now)
		return
	}

	seq := m.seq
	m.afterLocked(m.cfg.WelcomeEnterHold, func() bool {
		return seq == m.seq && m.present && m.state == StateIdle
	}, func(now time.Time) {
		if now.Sub(m.lastWelcomeAt) < m.cfg.WelcomeCooldown {
			return
		}
		m.welcomeLocked(now)
	})
}

func (m *Machine) welcomeLocked(now time.Time) {
	m.lastWelcomeAt = now

	var names []string
	if m.inventory != nil {
		names = m.inventory.EmptyNames()
	}
	spoken := m.phrases.Welcome(names)
	m.setStateLocked(StateWelcome, ReasonWelcome, now, spoken)
	m.speakLocked(spoken...)

	gen := m.gen
	m.afterLocked(m.cfg.GuideDelay, func() bool { return gen == m.gen }, func(now time.Time) {
		m.setStateLocked(StateGuide, ReasonGuide, now, nil)
	})
}

func (m *Machine) departLocked(now time.Time) {
	if m.state == StateThanks {
		return
	}

	stayed := now.Sub(m.lastEnterAt)
	canThank := stayed >= m.cfg.MinStayForDepartThanks &&
		now.Sub(m.lastThanksAt) >= m.cfg.ThanksCooldown &&
		now.Sub(m.lastPayAt) >= m.cfg.DepartSkipAfterPay

	if !canThank {
		m.setStateLocked(StateIdle, ReasonDepart, now, nil)
		return
	}

	m.lastThanksAt = now
	spoken := []string{m.phrases.DepartThanks}
	m.setStateLocked(StateThanks, ReasonDepartThanks, now, spoken)
	m.speakLocked(spoken...)
	m.scheduleThanksEndLocked()
}

func (m *Machine) scheduleThanksEndLocked() {
	gen := m.gen
	m.afterLocked(m.cfg.ThanksDuration, func() bool { return gen == m.gen }, func(now time.Time) {
		m.setStateLocked(StateIdle, ReasonThanksDone, now, nil)
	})
}

// setStateLocked records a transition. Re-entering THANKS counts as a
// transition so the previous THANKS timer goes stale.
func (m *Machine) setStateLocked(to State, reason string, now time.Time, spoken []string) {
	from := m.state
	if from == to && to != StateThanks {
		return
	}
	m.state = to
	m.since = now
	m.gen++
	m.pending = append(m.pending, Transition{
		From:    from,
		To:      to,
		Reason:  reason,
		At:      now,
		Present: m.present,
		Spoken:  spoken,
	})
	m.logger.Info("state changed", "from", from, "to", to, "reason", reason)
}

// afterLocked runs fire after d if valid still holds when the timer fires.
func (m *Machine) afterLocked(d time.Duration, valid func() bool, fire func(now time.Time)) {
	var t Timer
	t = m.clock.AfterFunc(d, func() {
		m.mu.Lock()
		m.dropTimerLocked(t)
		if m.closed || !valid() {
			m.mu.Unlock()
			return
		}
		fire(m.clock.Now())
		m.flushLocked()
	})
	m.timers = append(m.timers, t)
}

func (m *Machine) dropTimerLocked(t Timer) {
	for i, x := range m.timers {
		if x == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

// speakLocked submits one utterance sequence. Failures are logged only.
func (m *Machine) speakLocked(texts ...string) {
	if m.speaker == nil || len(texts) == 0 {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("speech submit panicked", "panic", r)
		}
	}()

	done := m.speaker.Enqueue(texts...)
	if done == nil {
		return
	}
	go func() {
		if err := <-done; err != nil {
			m.logger.Warn("speech failed", "texts", texts, "error", err)
		}
	}()
}

// flushLocked releases m.mu and delivers pending transitions in order.
func (m *Machine) flushLocked() {
	events := m.pending
	m.pending = nil
	m.emitMu.Lock()
	m.mu.Unlock()
	defer m.emitMu.Unlock()

	for _, ev := range events {
		for _, fn := range m.observers {
			m.notify(fn, ev)
		}
	}
}

func (m *Machine) notify(fn func(Transition), ev Transition) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("observer panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn(ev)
}

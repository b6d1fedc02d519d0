package serial

import (
	"strings"
	"sync"
	"time"
)

// PongDelay is how long the fake terminal takes to answer PING.
const PongDelay = 100 * time.Millisecond

// Fake is an in-process terminal used when no hardware is attached.
// It answers PING with PONG and lets callers inject received lines.
type Fake struct {
	onLine func(string)
	opts   options

	mu     sync.Mutex
	closed bool
	timers []*time.Timer
}

// NewFake creates a connected fake terminal.
func NewFake(onLine func(string), opts ...Option) *Fake {
	f := &Fake{onLine: onLine, opts: buildOptions(opts)}
	record(f.opts.log, DirInfo, "fake serial connected")
	return f
}

// WriteLine records s and schedules a PONG if s is PING.
func (f *Fake) WriteLine(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrDisconnected
	}
	s = strings.TrimSpace(s)
	record(f.opts.log, DirTx, s)
	if s == "PING" {
		f.timers = append(f.timers, time.AfterFunc(PongDelay, func() { f.Inject("PONG") }))
	}
	return nil
}

// Inject delivers line as if the terminal had sent it. Ignored once disconnected.
func (f *Fake) Inject(line string) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return
	}
	dispatch(f.opts.log, f.onLine, line)
}

// Disconnect stops the fake.
func (f *Fake) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for _, t := range f.timers {
		t.Stop()
	}
	f.timers = nil
	record(f.opts.log, DirInfo, "disconnected")
	return nil
}

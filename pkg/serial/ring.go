package serial

import (
	"sync"
	"time"
)

// DefaultLogSize is how many lines the display keeps.
const DefaultLogSize = 200

// Direction of a logged line.
type Direction string

const (
	DirRx   Direction = "rx"
	DirTx   Direction = "tx"
	DirInfo Direction = "info"
)

// Entry is one logged line.
type Entry struct {
	At   time.Time `json:"at"`
	Dir  Direction `json:"dir"`
	Text string    `json:"text"`
}

// Log is a fixed-size ring of recent serial traffic.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewLog creates a ring holding size entries.
func NewLog(size int) *Log {
	if size <= 0 {
		size = DefaultLogSize
	}
	return &Log{entries: make([]Entry, size)}
}

// Add appends an entry, overwriting the oldest when full.
func (l *Log) Add(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// Entries returns the buffered entries oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]Entry(nil), l.entries[:l.next]...)
	}
	out := make([]Entry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

// Len returns the number of buffered entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}

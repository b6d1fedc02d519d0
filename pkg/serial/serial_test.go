package serial

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-greeter/internal/log"
)

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) add(line string) {
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
}

func (s *lineSink) get() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func TestLineSplitter_Chunks(t *testing.T) {
	var got []string
	s := NewLineSplitter(func(l string) { got = append(got, l) })

	_, _ = s.Write([]byte("PAY,1\r\nPON"))
	_, _ = s.Write([]byte("G\n\nBAT,85\r\n"))

	assert.Equal(t, []string{"PAY,1", "PONG", "BAT,85"}, got)
	assert.Equal(t, 0, s.Pending())
}

func TestLineSplitter_ByteAtATime(t *testing.T) {
	var got []string
	s := NewLineSplitter(func(l string) { got = append(got, l) })

	for _, b := range []byte("  hello \r\n\r\nworld\n") {
		_, _ = s.Write([]byte{b})
	}
	assert.Equal(t, []string{"hello", "world"}, got)
}

func TestLineSplitter_Overflow(t *testing.T) {
	var got []string
	var overflow error
	s := NewLineSplitter(func(l string) { got = append(got, l) })
	s.OnOverflow(func(err error) { overflow = err })

	_, _ = s.Write(bytes.Repeat([]byte("x"), MaxLineBuffer))
	assert.NoError(t, overflow, "exactly at the limit is kept")
	assert.Equal(t, MaxLineBuffer, s.Pending())

	_, _ = s.Write([]byte("y"))
	assert.ErrorIs(t, overflow, ErrOverflow)
	assert.Equal(t, 0, s.Pending())

	_, _ = s.Write([]byte("PAY,1\n"))
	assert.Equal(t, []string{"PAY,1"}, got, "recovers after discarding")
}

func TestIsPayment(t *testing.T) {
	for line, want := range map[string]bool{
		"PAY,1":        true,
		"PAY,1,500":    true,
		" 1 ":          true,
		"1":            true,
		"PAY,0":        false,
		"11":           false,
		"PONG":         false,
		"":             false,
		"pay,1":        false,
		"BAT,85":       false,
		"PAY,10":       true,
		"STATUS PAY,1": false,
	} {
		assert.Equal(t, want, IsPayment(line), "line %q", line)
	}
}

func TestLog_Ring(t *testing.T) {
	l := NewLog(3)
	for i := 0; i < 5; i++ {
		l.Add(Entry{Dir: DirRx, Text: fmt.Sprint(i)})
	}
	require.Equal(t, 3, l.Len())

	var texts []string
	for _, e := range l.Entries() {
		texts = append(texts, e.Text)
	}
	assert.Equal(t, []string{"2", "3", "4"}, texts)

	assert.Len(t, NewLog(0).entries, DefaultLogSize)
}

// pipePort feeds reads from a pipe and captures writes.
type pipePort struct {
	r  *io.PipeReader
	w  *io.PipeWriter
	mu sync.Mutex
	tx bytes.Buffer
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, w: w}
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tx.Write(b)
}

func (p *pipePort) Close() error { return p.r.Close() }

func (p *pipePort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tx.String()
}

func TestChannel_ReadsAndWrites(t *testing.T) {
	port := newPipePort()
	sink := &lineSink{}
	ring := NewLog(10)
	ch := NewChannel(port, sink.add, WithLogger(log.Discard()), WithLog(ring))

	_, err := port.w.Write([]byte("PAY,1\r\nPON"))
	require.NoError(t, err)
	_, err = port.w.Write([]byte("G\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sink.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"PAY,1", "PONG"}, sink.get())

	require.NoError(t, ch.WriteLine("PING"))
	require.NoError(t, ch.WriteLine("ACK\n"))
	assert.Equal(t, "PING\nACK\n", port.written())

	require.NoError(t, ch.Disconnect())
	require.NoError(t, ch.Disconnect())
	assert.ErrorIs(t, ch.WriteLine("late"), ErrDisconnected)

	var dirs []string
	for _, e := range ring.Entries() {
		dirs = append(dirs, string(e.Dir)+":"+e.Text)
	}
	assert.Equal(t, []string{"rx:PAY,1", "rx:PONG", "tx:PING", "tx:ACK", "info:disconnected"}, dirs)
}

func TestChannel_UnexpectedDrop(t *testing.T) {
	port := newPipePort()
	dropped := make(chan error, 1)
	ch := NewChannel(port, nil, WithLogger(log.Discard()),
		WithOnDisconnect(func(err error) { dropped <- err }))

	port.w.CloseWithError(errors.New("device unplugged"))

	select {
	case err := <-dropped:
		assert.True(t, IsDisconnected(err))
		assert.Contains(t, err.Error(), "device unplugged")
	case <-time.After(time.Second):
		t.Fatal("disconnect not reported")
	}
	<-ch.Done()
	assert.ErrorIs(t, ch.WriteLine("PING"), ErrDisconnected)
}

func TestChannel_DisconnectIsNotReportedAsDrop(t *testing.T) {
	port := newPipePort()
	called := false
	ch := NewChannel(port, nil, WithLogger(log.Discard()),
		WithOnDisconnect(func(error) { called = true }))

	require.NoError(t, ch.Disconnect())
	<-ch.Done()
	assert.False(t, called)
}

func TestFake_PingPong(t *testing.T) {
	sink := &lineSink{}
	ring := NewLog(10)
	f := NewFake(sink.add, WithLog(ring))

	start := time.Now()
	require.NoError(t, f.WriteLine("PING\n"))
	require.NoError(t, f.WriteLine("HELLO"))
	require.Eventually(t, func() bool { return len(sink.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), PongDelay)
	assert.Equal(t, []string{"PONG"}, sink.get())

	f.Inject("PAY,1")
	assert.Equal(t, []string{"PONG", "PAY,1"}, sink.get())

	require.NoError(t, f.Disconnect())
	f.Inject("PAY,1")
	assert.Len(t, sink.get(), 2)
	assert.ErrorIs(t, f.WriteLine("PING"), ErrDisconnected)

	last := ring.Entries()[ring.Len()-1]
	assert.True(t, strings.HasPrefix(last.Text, "disconnected"))
}

func TestFake_DisconnectCancelsPong(t *testing.T) {
	sink := &lineSink{}
	f := NewFake(sink.add)

	require.NoError(t, f.WriteLine("PING"))
	require.NoError(t, f.Disconnect())
	time.Sleep(2 * PongDelay)
	assert.Empty(t, sink.get())
}

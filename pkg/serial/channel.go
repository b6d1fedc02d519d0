package serial

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/teslashibe/go-greeter/pkg/metrics"
)

// DefaultBaud matches the terminal firmware.
const DefaultBaud = 115200

// Link is a line-oriented connection to the terminal.
type Link interface {
	WriteLine(s string) error
	Disconnect() error
}

// Option configures a Channel or Fake.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	log          *Log
	onDisconnect func(error)
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithLog records traffic into l.
func WithLog(l *Log) Option {
	return func(o *options) { o.log = l }
}

// WithOnDisconnect is called once when the link drops unexpectedly.
func WithOnDisconnect(fn func(error)) Option {
	return func(o *options) { o.onDisconnect = fn }
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Channel is a Link over a serial port.
type Channel struct {
	port     io.ReadWriteCloser
	splitter *LineSplitter
	onLine   func(string)
	opts     options
	logger   *slog.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
}

// Ports lists the serial devices present on the host.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}

// Open opens name at baud (8N1) and starts reading.
func Open(name string, baud int, onLine func(string), opts ...Option) (*Channel, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", name, err)
	}
	ch := NewChannel(port, onLine, opts...)
	ch.logger.Info("serial connected", "port", name, "baud", baud)
	return ch, nil
}

// NewChannel starts reading lines from port.
func NewChannel(port io.ReadWriteCloser, onLine func(string), opts ...Option) *Channel {
	o := buildOptions(opts)
	c := &Channel{
		port:   port,
		onLine: onLine,
		opts:   o,
		logger: o.logger.With("component", "serial.channel"),
		done:   make(chan struct{}),
	}
	c.splitter = NewLineSplitter(c.deliver)
	c.splitter.OnOverflow(func(err error) {
		c.logger.Warn("discarded unterminated input", "error", err, "limit", MaxLineBuffer)
		record(o.log, DirInfo, "overflow: buffer discarded")
	})
	go c.readLoop()
	return c
}

// WriteLine sends s, appending a newline when missing.
func (c *Channel) WriteLine(s string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrDisconnected
	}

	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	c.writeMu.Lock()
	_, err := c.port.Write([]byte(s))
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("serial: write: %w", err)
	}
	metrics.SerialLines.WithLabelValues("tx").Inc()
	record(c.opts.log, DirTx, strings.TrimSpace(s))
	return nil
}

// Disconnect closes the port and waits for the reader to stop.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.port.Close()
	<-c.done
	record(c.opts.log, DirInfo, "disconnected")
	return err
}

// Done is closed when the read loop exits.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) readLoop() {
	defer close(c.done)
	buf := make([]byte, 256)
	for {
		n, err := c.port.Read(buf)
		if n > 0 {
			_, _ = c.splitter.Write(buf[:n])
		}
		if err == nil && n == 0 {
			// go.bug.st/serial returns 0, nil on read timeout or a vanished device.
			err = io.EOF
		}
		if err != nil {
			c.mu.Lock()
			expected := c.closed
			c.closed = true
			c.mu.Unlock()
			if expected {
				return
			}
			err = fmt.Errorf("%w: %v", ErrDisconnected, err)
			c.logger.Warn("serial link dropped", "error", err)
			record(c.opts.log, DirInfo, "link dropped")
			if c.opts.onDisconnect != nil {
				c.opts.onDisconnect(err)
			}
			return
		}
	}
}

func (c *Channel) deliver(line string) {
	dispatch(c.opts.log, c.onLine, line)
}

func dispatch(log *Log, onLine func(string), line string) {
	kind := "rx"
	if IsPayment(line) {
		kind = "payment"
	}
	metrics.SerialLines.WithLabelValues(kind).Inc()
	record(log, DirRx, line)
	if onLine != nil {
		onLine(line)
	}
}

func record(log *Log, dir Direction, text string) {
	if log == nil {
		return
	}
	log.Add(Entry{At: time.Now(), Dir: dir, Text: text})
}

// IsDisconnected reports whether err means the link is gone.
func IsDisconnected(err error) bool {
	return errors.Is(err, ErrDisconnected)
}

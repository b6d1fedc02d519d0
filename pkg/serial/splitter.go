// Package serial talks to the payment terminal over a newline-delimited
// ASCII link.
package serial

import (
	"bytes"
	"errors"
	"strings"

	"github.com/teslashibe/go-greeter/pkg/metrics"
)

// MaxLineBuffer bounds the bytes held while waiting for a terminator.
const MaxLineBuffer = 4096

var (
	// ErrOverflow is reported when the pending buffer exceeds MaxLineBuffer.
	ErrOverflow = errors.New("serial: line buffer overflow")

	// ErrDisconnected is reported when the link drops.
	ErrDisconnected = errors.New("serial: disconnected")
)

// LineSplitter reassembles arbitrary chunks into trimmed, non-empty lines.
// Both "\n" and "\r\n" terminate a line. It implements io.Writer.
type LineSplitter struct {
	buf        []byte
	onLine     func(string)
	onOverflow func(error)
}

// NewLineSplitter calls onLine for every complete line.
func NewLineSplitter(onLine func(string)) *LineSplitter {
	return &LineSplitter{onLine: onLine}
}

// OnOverflow sets a callback invoked when the buffer is discarded.
func (s *LineSplitter) OnOverflow(fn func(error)) {
	s.onOverflow = fn
}

// Write feeds a chunk. It never fails.
func (s *LineSplitter) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)

	for {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(s.buf[:idx]))
		s.buf = s.buf[idx+1:]
		if line != "" && s.onLine != nil {
			s.onLine(line)
		}
	}

	if len(s.buf) > MaxLineBuffer {
		s.buf = nil
		metrics.SerialLines.WithLabelValues("overflow").Inc()
		if s.onOverflow != nil {
			s.onOverflow(ErrOverflow)
		}
	}
	return len(p), nil
}

// Pending returns the number of buffered bytes without a terminator.
func (s *LineSplitter) Pending() int {
	return len(s.buf)
}

// IsPayment reports whether a received line is a payment pulse.
func IsPayment(line string) bool {
	line = strings.TrimSpace(line)
	return strings.HasPrefix(line, "PAY,1") || line == "1"
}

package presence

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-greeter/pkg/metrics"
)

// ErrDetection wraps capture and detector failures. Failed frames are skipped.
var ErrDetection = errors.New("presence: detection failed")

// FrameSource provides camera frames.
type FrameSource interface {
	Frame(ctx context.Context) (image.Image, error)
}

// FaceDetector reports whether a face is visible in a frame and how confident it is.
type FaceDetector interface {
	DetectFace(frame image.Image) (seen bool, score float64, err error)
}

// Monitor samples a frame source on a fixed interval and produces debounced
// presence signals.
type Monitor struct {
	cfg    Config
	source FrameSource
	face   FaceDetector
	logger *slog.Logger

	motion    *MotionScorer
	detector  *Detector
	debouncer *Debouncer

	mu       sync.RWMutex
	latest   Signal
	onSignal func(Signal)
	now      func() time.Time
}

// NewMonitor creates a monitor. face may be nil when cfg.Mode is ModeMotion.
func NewMonitor(cfg Config, source FrameSource, face FaceDetector, logger *slog.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("%w: frame source is required", ErrInvalidConfig)
	}
	if cfg.Mode == ModeFace && face == nil {
		return nil, fmt.Errorf("%w: face mode requires a face detector", ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:       cfg,
		source:    source,
		face:      face,
		logger:    logger.With("component", "presence"),
		motion:    NewMotionScorer(cfg),
		detector:  NewDetector(cfg),
		debouncer: NewDebouncer(cfg),
		now:       time.Now,
	}, nil
}

// OnSignal registers the callback invoked after every successful tick.
func (m *Monitor) OnSignal(fn func(Signal)) {
	m.mu.Lock()
	m.onSignal = fn
	m.mu.Unlock()
}

// Latest returns the most recent signal.
func (m *Monitor) Latest() Signal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("presence monitor started", "mode", m.cfg.Mode, "interval", m.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("presence monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Tick(ctx); err != nil && ctx.Err() == nil {
				m.logger.Debug("frame skipped", "error", err)
			}
		}
	}
}

// Tick captures and scores one frame. On failure the previous signal is kept,
// the callback is not invoked and an error wrapping ErrDetection is returned.
func (m *Monitor) Tick(ctx context.Context) (Signal, error) {
	sig, err := m.sample(ctx)
	if err != nil {
		metrics.DetectionFailures.Inc()
		return m.Latest(), err
	}

	m.mu.Lock()
	m.latest = sig
	fn := m.onSignal
	m.mu.Unlock()

	metrics.PresenceScore.Set(sig.Score)
	if fn != nil {
		fn(sig)
	}
	return sig, nil
}

// sample turns panics in capture or detection into ErrDetection.
func (m *Monitor) sample(ctx context.Context) (sig Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrDetection, r)
		}
	}()

	frame, err := m.source.Frame(ctx)
	if err != nil {
		return Signal{}, fmt.Errorf("%w: capture: %v", ErrDetection, err)
	}
	now := m.now()

	switch m.cfg.Mode {
	case ModeMotion:
		ratio, ok := m.motion.Score(frame)
		if !ok {
			// No reference frame yet; hold the current state.
			return m.detector.Current(), nil
		}
		return m.detector.Update(ratio, now), nil
	default:
		seen, score, derr := m.face.DetectFace(frame)
		if derr != nil {
			return Signal{}, fmt.Errorf("%w: %v", ErrDetection, derr)
		}
		return m.debouncer.Update(seen, score, now), nil
	}
}

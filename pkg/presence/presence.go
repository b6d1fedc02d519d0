// Package presence turns noisy per-frame detection output into a stable
// "customer is here" signal.
//
// Two debouncers are provided. Detector smooths a continuous motion ratio with
// an exponential moving average and applies hysteresis plus an entry hold.
// Debouncer wraps a boolean "face seen this frame" signal with entry and exit
// holds so brief detector misses do not end a visit.
package presence

import (
	"errors"
	"fmt"
	"time"
)

// Signal is the per-tick presence output.
type Signal struct {
	Present bool    `json:"present"`
	Score   float64 `json:"score"`
}

// Mode selects the upstream detection signal.
type Mode string

const (
	ModeMotion Mode = "motion"
	ModeFace   Mode = "face"
)

// Config holds all tunable parameters for presence detection.
type Config struct {
	Mode     Mode
	Interval time.Duration // Tick interval (display refresh cadence)

	// Motion smoothing and hysteresis
	Alpha          float64       // EMA weight of the newest ratio (0-1]
	EnterThreshold float64       // EMA must reach this to start an entry
	ExitThreshold  float64       // EMA below this ends presence immediately
	Hold           time.Duration // EMA must stay above EnterThreshold this long

	// Motion sampling
	DownscaleWidth int // Frames are resized to this width before diffing
	Step           int // Sample every Step-th pixel in both axes
	DiffThreshold  int // Sum of |ΔR|+|ΔG|+|ΔB| above this counts as changed

	// Face debounce
	FaceEnterHold time.Duration
	FaceExitHold  time.Duration
}

// DefaultConfig returns the recommended configuration for a shop entrance camera.
func DefaultConfig() Config {
	return Config{
		Mode:     ModeFace,
		Interval: 33 * time.Millisecond,

		Alpha:          0.2,
		EnterThreshold: 0.020,
		ExitThreshold:  0.010,
		Hold:           800 * time.Millisecond,

		DownscaleWidth: 320,
		Step:           2,
		DiffThreshold:  60,

		FaceEnterHold: 0,
		FaceExitHold:  3 * time.Second,
	}
}

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("presence: invalid config")

// Validate checks the hysteresis band and smoothing weight.
func (c Config) Validate() error {
	if c.Mode != ModeMotion && c.Mode != ModeFace {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		return fmt.Errorf("%w: alpha must be in (0,1], got %v", ErrInvalidConfig, c.Alpha)
	}
	if c.EnterThreshold <= c.ExitThreshold {
		return fmt.Errorf("%w: enter threshold %v must exceed exit threshold %v",
			ErrInvalidConfig, c.EnterThreshold, c.ExitThreshold)
	}
	if c.Hold < 0 || c.FaceEnterHold < 0 || c.FaceExitHold < 0 {
		return fmt.Errorf("%w: holds must not be negative", ErrInvalidConfig)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// Detector debounces a continuous motion ratio.
// Entry is slow (hold required), exit is immediate.
type Detector struct {
	alpha    float64
	enterThr float64
	exitThr  float64
	hold     time.Duration
	ema      float64
	present  bool
	streakAt time.Time // first tick of the current above-threshold streak
	inStreak bool
}

// NewDetector creates a motion detector from cfg.
func NewDetector(cfg Config) *Detector {
	return &Detector{
		alpha:    cfg.Alpha,
		enterThr: cfg.EnterThreshold,
		exitThr:  cfg.ExitThreshold,
		hold:     cfg.Hold,
	}
}

// Update feeds the motion ratio of one frame pair observed at now.
func (d *Detector) Update(ratio float64, now time.Time) Signal {
	d.ema = d.ema*(1-d.alpha) + ratio*d.alpha

	if !d.present {
		if d.ema >= d.enterThr {
			if !d.inStreak {
				d.inStreak = true
				d.streakAt = now
			}
			if now.Sub(d.streakAt) >= d.hold {
				d.present = true
				d.inStreak = false
			}
		} else {
			d.inStreak = false
		}
	} else if d.ema < d.exitThr {
		d.present = false
	}

	return Signal{Present: d.present, Score: d.ema}
}

// Score returns the current smoothed ratio.
func (d *Detector) Score() float64 {
	return d.ema
}

// Current returns the signal as of the last update without consuming a frame.
func (d *Detector) Current() Signal {
	return Signal{Present: d.present, Score: d.ema}
}

// Reset clears all state.
func (d *Detector) Reset() {
	d.ema = 0
	d.present = false
	d.inStreak = false
}

// Debouncer debounces a boolean per-frame detection.
type Debouncer struct {
	enterHold time.Duration
	exitHold  time.Duration
	present   bool
	seenAt    time.Time
	seeing    bool
	lostAt    time.Time
	losing    bool
}

// NewDebouncer creates a face debouncer from cfg.
func NewDebouncer(cfg Config) *Debouncer {
	return &Debouncer{
		enterHold: cfg.FaceEnterHold,
		exitHold:  cfg.FaceExitHold,
	}
}

// Update feeds whether the target was seen in the frame observed at now.
// score is the detector confidence for the frame; it is reported as-is while
// seen and as 0 otherwise.
func (b *Debouncer) Update(seen bool, score float64, now time.Time) Signal {
	if !seen {
		score = 0
	}

	if !b.present {
		if seen {
			if !b.seeing {
				b.seeing = true
				b.seenAt = now
			}
			if now.Sub(b.seenAt) >= b.enterHold {
				b.present = true
				b.seeing = false
				b.losing = false
			}
		} else {
			b.seeing = false
		}
		return Signal{Present: b.present, Score: score}
	}

	if seen {
		b.losing = false
	} else {
		if !b.losing {
			b.losing = true
			b.lostAt = now
		}
		if now.Sub(b.lostAt) >= b.exitHold {
			b.present = false
			b.losing = false
		}
	}
	return Signal{Present: b.present, Score: score}
}

// Reset clears all state.
func (b *Debouncer) Reset() {
	b.present = false
	b.seeing = false
	b.losing = false
}

package tts

import (
	"log/slog"
	"net/http"
	"time"
)

// Config holds TTS provider configuration.
// Use functional options (WithXxx) to set these values.
type Config struct {
	// Remote engine
	BaseURL         string
	Speaker         int
	SpeedScale      float64
	PitchScale      float64
	IntonationScale float64

	// Local engine
	Binary string  // synthesizer executable
	Voice  string  // preferred voice name
	Locale string  // BCP 47 tag used when Voice is not found
	Rate   float64 // 1.0 = normal
	Pitch  float64 // 1.0 = normal
	Volume float64 // 1.0 = normal

	// Timeouts
	QueryTimeout        time.Duration // audio_query step
	SynthTimeout        time.Duration // synthesis step, base
	SynthTimeoutPerChar time.Duration // synthesis step, added per character
	MaxSynthTimeout     time.Duration // synthesis step, upper bound

	// Retry configuration
	MaxRetries int
	RetryDelay time.Duration

	HTTPClient *http.Client

	// Observability
	Logger *slog.Logger
}

// Option is a functional option for configuring TTS providers.
type Option func(*Config)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) {
		c.BaseURL = url
	}
}

// WithSpeaker sets the remote speaker id.
func WithSpeaker(id int) Option {
	return func(c *Config) {
		c.Speaker = id
	}
}

// WithProsody sets the remote speed, pitch and intonation scales.
func WithProsody(speed, pitch, intonation float64) Option {
	return func(c *Config) {
		c.SpeedScale = speed
		c.PitchScale = pitch
		c.IntonationScale = intonation
	}
}

// WithBinary sets the local synthesizer executable.
func WithBinary(path string) Option {
	return func(c *Config) {
		c.Binary = path
	}
}

// WithVoice sets the preferred local voice name and fallback locale.
func WithVoice(name, locale string) Option {
	return func(c *Config) {
		c.Voice = name
		c.Locale = locale
	}
}

// WithLocalProsody sets local rate, pitch and volume multipliers.
func WithLocalProsody(rate, pitch, volume float64) Option {
	return func(c *Config) {
		c.Rate = rate
		c.Pitch = pitch
		c.Volume = volume
	}
}

// WithQueryTimeout sets the timeout of the query step.
func WithQueryTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.QueryTimeout = timeout
	}
}

// WithSynthTimeout sets the synthesis timeout as base + perChar*len(text), capped at max.
func WithSynthTimeout(base, perChar, max time.Duration) Option {
	return func(c *Config) {
		c.SynthTimeout = base
		c.SynthTimeoutPerChar = perChar
		c.MaxSynthTimeout = max
	}
}

// WithRetry configures retry behavior for failed requests.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

// WithHTTPClient sets the HTTP client used by remote providers.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) {
		c.HTTPClient = client
	}
}

// WithLogger sets the structured logger for the provider.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:             defaultVoiceVoxURL,
		Speaker:             3,
		SpeedScale:          1.0,
		PitchScale:          0.0,
		IntonationScale:     2.0,
		Binary:              "espeak-ng",
		Locale:              "ja-JP",
		Rate:                1.0,
		Pitch:               1.0,
		Volume:              1.0,
		QueryTimeout:        5 * time.Second,
		SynthTimeout:        8 * time.Second,
		SynthTimeoutPerChar: 150 * time.Millisecond,
		MaxSynthTimeout:     30 * time.Second,
		MaxRetries:          2,
		RetryDelay:          200 * time.Millisecond,
		Logger:              slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// SynthTimeoutFor returns the synthesis timeout for a text of chars characters.
func (c *Config) SynthTimeoutFor(chars int) time.Duration {
	d := c.SynthTimeout + time.Duration(chars)*c.SynthTimeoutPerChar
	if c.MaxSynthTimeout > 0 && d > c.MaxSynthTimeout {
		return c.MaxSynthTimeout
	}
	return d
}

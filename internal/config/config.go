// Package config loads the kiosk configuration from a YAML file, a .env file
// and GREETER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teslashibe/go-greeter/pkg/emitter"
	"github.com/teslashibe/go-greeter/pkg/flow"
	"github.com/teslashibe/go-greeter/pkg/inventory"
	"github.com/teslashibe/go-greeter/pkg/journal"
	"github.com/teslashibe/go-greeter/pkg/presence"
	"github.com/teslashibe/go-greeter/pkg/speech"
	"github.com/teslashibe/go-greeter/pkg/tts"
	"github.com/teslashibe/go-greeter/pkg/vision"
)

// Config is the complete kiosk configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	HTTP      HTTPConfig      `mapstructure:"http" yaml:"http"`
	Camera    CameraConfig    `mapstructure:"camera" yaml:"camera"`
	Presence  PresenceConfig  `mapstructure:"presence" yaml:"presence"`
	Flow      FlowConfig      `mapstructure:"flow" yaml:"flow"`
	TTS       TTSConfig       `mapstructure:"tts" yaml:"tts"`
	Audio     AudioConfig     `mapstructure:"audio" yaml:"audio"`
	Serial    SerialConfig    `mapstructure:"serial" yaml:"serial"`
	Inventory InventoryConfig `mapstructure:"inventory" yaml:"inventory"`
	Journal   journal.Config  `mapstructure:"journal" yaml:"journal"`
	MQTT      emitter.Config  `mapstructure:"mqtt" yaml:"mqtt"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// CameraConfig selects the capture device and the face model.
// A negative device disables the camera.
type CameraConfig struct {
	Device         int     `mapstructure:"device" yaml:"device"`
	Width          int     `mapstructure:"width" yaml:"width"`
	Height         int     `mapstructure:"height" yaml:"height"`
	ModelPath      string  `mapstructure:"model_path" yaml:"model_path"`
	ScoreThreshold float64 `mapstructure:"score_threshold" yaml:"score_threshold"`
}

type PresenceConfig struct {
	Mode           string        `mapstructure:"mode" yaml:"mode"`
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
	Alpha          float64       `mapstructure:"alpha" yaml:"alpha"`
	EnterThreshold float64       `mapstructure:"enter_threshold" yaml:"enter_threshold"`
	ExitThreshold  float64       `mapstructure:"exit_threshold" yaml:"exit_threshold"`
	Hold           time.Duration `mapstructure:"hold" yaml:"hold"`
	DownscaleWidth int           `mapstructure:"downscale_width" yaml:"downscale_width"`
	Step           int           `mapstructure:"step" yaml:"step"`
	DiffThreshold  int           `mapstructure:"diff_threshold" yaml:"diff_threshold"`
	FaceEnterHold  time.Duration `mapstructure:"face_enter_hold" yaml:"face_enter_hold"`
	FaceExitHold   time.Duration `mapstructure:"face_exit_hold" yaml:"face_exit_hold"`
}

type FlowConfig struct {
	flow.Config `mapstructure:",squash" yaml:",inline"`
	Phrases     flow.Phrases `mapstructure:"phrases" yaml:"phrases"`
}

type TTSConfig struct {
	Engine    string    `mapstructure:"engine" yaml:"engine"` // none, local or remote
	CacheSize int       `mapstructure:"cache_size" yaml:"cache_size"`
	Local     LocalTTS  `mapstructure:"local" yaml:"local"`
	Remote    RemoteTTS `mapstructure:"remote" yaml:"remote"`
}

type LocalTTS struct {
	Binary string  `mapstructure:"binary" yaml:"binary"`
	Voice  string  `mapstructure:"voice" yaml:"voice"`
	Locale string  `mapstructure:"locale" yaml:"locale"`
	Rate   float64 `mapstructure:"rate" yaml:"rate"`
	Pitch  float64 `mapstructure:"pitch" yaml:"pitch"`
	Volume float64 `mapstructure:"volume" yaml:"volume"`
}

type RemoteTTS struct {
	BaseURL             string        `mapstructure:"base_url" yaml:"base_url"`
	Speaker             int           `mapstructure:"speaker" yaml:"speaker"`
	Speed               float64       `mapstructure:"speed" yaml:"speed"`
	Pitch               float64       `mapstructure:"pitch" yaml:"pitch"`
	Intonation          float64       `mapstructure:"intonation" yaml:"intonation"`
	AllowFallback       bool          `mapstructure:"allow_fallback" yaml:"allow_fallback"`
	QueryTimeout        time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	SynthTimeout        time.Duration `mapstructure:"synth_timeout" yaml:"synth_timeout"`
	SynthTimeoutPerChar time.Duration `mapstructure:"synth_timeout_per_char" yaml:"synth_timeout_per_char"`
	MaxSynthTimeout     time.Duration `mapstructure:"max_synth_timeout" yaml:"max_synth_timeout"`
	MaxRetries          int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// AudioConfig sets the playback command. Empty uses the platform default.
type AudioConfig struct {
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args"`
}

// SerialConfig selects the payment terminal port. Fake simulates one.
type SerialConfig struct {
	Port string `mapstructure:"port" yaml:"port"`
	Baud int    `mapstructure:"baud" yaml:"baud"`
	Fake bool   `mapstructure:"fake" yaml:"fake"`
}

type InventoryConfig struct {
	Shelves    []inventory.Shelf    `mapstructure:"shelves" yaml:"shelves"`
	Thresholds inventory.Thresholds `mapstructure:"thresholds" yaml:"thresholds"`
	Interval   time.Duration        `mapstructure:"interval" yaml:"interval"`   // camera estimation period, 0 disables
	Background string               `mapstructure:"background" yaml:"background"` // empty-shelf reference image
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	pd := presence.DefaultConfig()
	td := tts.DefaultConfig()
	fd := vision.DefaultFaceConfig()
	cd := vision.DefaultCameraConfig()

	return &Config{
		Log:  LogConfig{Level: "info"},
		HTTP: HTTPConfig{Addr: ":8080"},
		Camera: CameraConfig{
			Device:         cd.Device,
			Width:          cd.Width,
			Height:         cd.Height,
			ModelPath:      fd.ModelPath,
			ScoreThreshold: fd.ScoreThreshold,
		},
		Presence: PresenceConfig{
			Mode:           string(pd.Mode),
			Interval:       pd.Interval,
			Alpha:          pd.Alpha,
			EnterThreshold: pd.EnterThreshold,
			ExitThreshold:  pd.ExitThreshold,
			Hold:           pd.Hold,
			DownscaleWidth: pd.DownscaleWidth,
			Step:           pd.Step,
			DiffThreshold:  pd.DiffThreshold,
			FaceEnterHold:  pd.FaceEnterHold,
			FaceExitHold:   pd.FaceExitHold,
		},
		Flow: FlowConfig{
			Config:  flow.DefaultConfig(),
			Phrases: flow.DefaultPhrases(),
		},
		TTS: TTSConfig{
			Engine:    string(speech.KindNone),
			CacheSize: speech.DefaultCacheSize,
			Local: LocalTTS{
				Binary: td.Binary,
				Locale: td.Locale,
				Rate:   td.Rate,
				Pitch:  td.Pitch,
				Volume: td.Volume,
			},
			Remote: RemoteTTS{
				BaseURL:             td.BaseURL,
				Speaker:             td.Speaker,
				Speed:               td.SpeedScale,
				Pitch:               td.PitchScale,
				Intonation:          td.IntonationScale,
				QueryTimeout:        td.QueryTimeout,
				SynthTimeout:        td.SynthTimeout,
				SynthTimeoutPerChar: td.SynthTimeoutPerChar,
				MaxSynthTimeout:     td.MaxSynthTimeout,
				MaxRetries:          td.MaxRetries,
				RetryDelay:          td.RetryDelay,
			},
		},
		Serial: SerialConfig{Baud: 115200, Fake: true},
		Inventory: InventoryConfig{
			Thresholds: inventory.DefaultThresholds(),
			Interval:   2 * time.Second,
		},
		Journal: journal.Config{
			Path:          "greeter.db",
			Retention:     journal.DefaultRetention,
			PruneSchedule: journal.DefaultPruneSchedule,
		},
		MQTT: emitter.Config{Topic: "greeter", ClientID: "greeter"},
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if err := c.Presence.Presence().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Flow.Config.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Flow.Phrases.Greeting == "" {
		errs = append(errs, errors.New("flow.phrases.greeting is required"))
	}
	if _, err := c.TTS.SpeechEngine(); err != nil {
		errs = append(errs, err)
	}
	if c.TTS.CacheSize <= 0 {
		errs = append(errs, errors.New("tts.cache_size must be positive"))
	}
	if c.Serial.Baud <= 0 {
		errs = append(errs, errors.New("serial.baud must be positive"))
	}
	if th := c.Inventory.Thresholds; th.Empty < 0 || th.Empty > th.Low || th.Low > 1 {
		errs = append(errs, fmt.Errorf("inventory thresholds must satisfy 0 <= empty <= low <= 1, got empty=%v low=%v", th.Empty, th.Low))
	}
	seen := make(map[string]bool)
	for _, sh := range c.Inventory.Shelves {
		if sh.ID == "" {
			errs = append(errs, errors.New("inventory shelf id is required"))
			continue
		}
		if seen[sh.ID] {
			errs = append(errs, fmt.Errorf("duplicate inventory shelf %q", sh.ID))
		}
		seen[sh.ID] = true
	}
	return errors.Join(errs...)
}

// Presence converts the section to presence.Config.
func (p PresenceConfig) Presence() presence.Config {
	return presence.Config{
		Mode:           presence.Mode(p.Mode),
		Interval:       p.Interval,
		Alpha:          p.Alpha,
		EnterThreshold: p.EnterThreshold,
		ExitThreshold:  p.ExitThreshold,
		Hold:           p.Hold,
		DownscaleWidth: p.DownscaleWidth,
		Step:           p.Step,
		DiffThreshold:  p.DiffThreshold,
		FaceEnterHold:  p.FaceEnterHold,
		FaceExitHold:   p.FaceExitHold,
	}
}

// Vision returns the capture and face detector configs.
func (c CameraConfig) Vision() (vision.CameraConfig, vision.FaceConfig) {
	face := vision.DefaultFaceConfig()
	face.ModelPath = c.ModelPath
	face.ScoreThreshold = c.ScoreThreshold
	return vision.CameraConfig{Device: c.Device, Width: c.Width, Height: c.Height}, face
}

// Enabled reports whether a camera is configured.
func (c CameraConfig) Enabled() bool {
	return c.Device >= 0
}

// SpeechEngine returns the tagged engine variant.
func (t TTSConfig) SpeechEngine() (speech.Engine, error) {
	kind, err := speech.ParseKind(t.Engine)
	if err != nil {
		return nil, err
	}
	switch kind {
	case speech.KindLocal:
		return speech.Local{
			Rate:   t.Local.Rate,
			Pitch:  t.Local.Pitch,
			Volume: t.Local.Volume,
			Voice:  t.Local.Voice,
			Locale: t.Local.Locale,
		}, nil
	case speech.KindRemote:
		return speech.Remote{
			SpeakerID:     t.Remote.Speaker,
			Speed:         t.Remote.Speed,
			Pitch:         t.Remote.Pitch,
			Intonation:    t.Remote.Intonation,
			AllowFallback: t.Remote.AllowFallback,
		}, nil
	default:
		return speech.None{}, nil
	}
}

// RemoteOptions returns options for tts.NewVoiceVox.
func (t TTSConfig) RemoteOptions() []tts.Option {
	r := t.Remote
	return []tts.Option{
		tts.WithBaseURL(r.BaseURL),
		tts.WithSpeaker(r.Speaker),
		tts.WithProsody(r.Speed, r.Pitch, r.Intonation),
		tts.WithQueryTimeout(r.QueryTimeout),
		tts.WithSynthTimeout(r.SynthTimeout, r.SynthTimeoutPerChar, r.MaxSynthTimeout),
		tts.WithRetry(r.MaxRetries, r.RetryDelay),
	}
}

// LocalOptions returns options for tts.NewESpeak.
func (t TTSConfig) LocalOptions() []tts.Option {
	l := t.Local
	return []tts.Option{
		tts.WithBinary(l.Binary),
		tts.WithVoice(l.Voice, l.Locale),
		tts.WithLocalProsody(l.Rate, l.Pitch, l.Volume),
	}
}

package tts

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const providerESpeak = "espeak"

// Voice is a locally installed synthesizer voice.
type Voice struct {
	Name     string
	Language string
	File     string
}

// ESpeak implements Provider with the espeak-ng command line synthesizer.
type ESpeak struct {
	config *Config
	logger *slog.Logger

	once  sync.Once
	voice Voice
}

// NewESpeak creates a local synthesis provider.
func NewESpeak(opts ...Option) (*ESpeak, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if cfg.Binary == "" {
		cfg.Binary = "espeak-ng"
	}

	return &ESpeak{
		config: cfg,
		logger: cfg.Logger.With("component", "tts.espeak"),
	}, nil
}

// Synthesize renders text to WAV with the resolved voice.
func (e *ESpeak) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	if text == "" {
		return nil, WrapError(providerESpeak, ErrEmptyText)
	}
	start := time.Now()
	voice := e.Voice(ctx)

	cmd := exec.CommandContext(ctx, e.config.Binary, e.args(voice, text)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, WrapError(providerESpeak, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err()))
		}
		return nil, WrapError(providerESpeak, fmt.Errorf("%w: %v: %s", ErrSynthesisFailed, err, strings.TrimSpace(stderr.String())))
	}

	e.logger.Debug("synthesized audio",
		"voice", voice.Name,
		"bytes", len(out),
		"latency_ms", time.Since(start).Milliseconds(),
	)

	return &AudioResult{
		Audio:     out,
		Format:    AudioFormat{Encoding: EncodingWAV, SampleRate: 22050, Channels: 1, BitDepth: 16},
		CharCount: utf8.RuneCountInString(text),
		Latency:   time.Since(start),
	}, nil
}

// Voice returns the voice used for synthesis, resolving it on first use.
// A zero Voice means the synthesizer default.
func (e *ESpeak) Voice(ctx context.Context) Voice {
	e.once.Do(func() {
		voices, err := e.Voices(ctx)
		if err != nil {
			e.logger.Warn("voice list unavailable, using default voice", "error", err)
			return
		}
		v, ok := ResolveVoice(voices, e.config.Voice, e.config.Locale)
		if !ok {
			e.logger.Warn("no voices installed, using default voice")
			return
		}
		e.voice = v
		e.logger.Info("voice resolved", "voice", v.Name, "language", v.Language)
	})
	return e.voice
}

// Voices lists installed voices.
func (e *ESpeak) Voices(ctx context.Context) ([]Voice, error) {
	out, err := exec.CommandContext(ctx, e.config.Binary, "--voices").Output()
	if err != nil {
		return nil, WrapError(providerESpeak, fmt.Errorf("list voices: %w", err))
	}
	return ParseVoices(string(out)), nil
}

// Health checks that the synthesizer binary is installed.
func (e *ESpeak) Health(ctx context.Context) error {
	if _, err := exec.LookPath(e.config.Binary); err != nil {
		return WrapError(providerESpeak, fmt.Errorf("%w: %v", ErrProviderUnavailable, err))
	}
	return nil
}

// Close releases resources.
func (e *ESpeak) Close() error {
	return nil
}

func (e *ESpeak) args(voice Voice, text string) []string {
	args := []string{
		"--stdout",
		"-s", strconv.Itoa(scale(175, e.config.Rate, 80, 450)),
		"-p", strconv.Itoa(scale(50, e.config.Pitch, 0, 99)),
		"-a", strconv.Itoa(scale(100, e.config.Volume, 0, 200)),
	}
	if id := voice.id(); id != "" {
		args = append(args, "-v", id)
	}
	// "--" keeps text starting with "-" from being read as a flag.
	return append(args, "--", text)
}

func (v Voice) id() string {
	if v.File != "" {
		return v.File
	}
	return v.Name
}

func scale(base int, factor float64, lo, hi int) int {
	if factor <= 0 {
		factor = 1
	}
	n := int(float64(base)*factor + 0.5)
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// ParseVoices parses the table printed by "espeak-ng --voices".
//
//	Pty Language       Age/Gender VoiceName          File                 Other Languages
//	 5  ja              --/M      Japanese           jpx/ja
func ParseVoices(out string) []Voice {
	var voices []Voice
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) < 5 || f[0] == "Pty" {
			continue
		}
		voices = append(voices, Voice{Language: f[1], Name: f[3], File: f[4]})
	}
	return voices
}

// ResolveVoice picks the preferred voice by name, else one matching locale,
// else the first voice. Locale matching tries the full tag before the
// primary language subtag.
func ResolveVoice(voices []Voice, preferred, locale string) (Voice, bool) {
	if len(voices) == 0 {
		return Voice{}, false
	}

	if preferred != "" {
		for _, v := range voices {
			if strings.EqualFold(v.Name, preferred) || strings.EqualFold(v.File, preferred) {
				return v, true
			}
		}
	}

	if locale != "" {
		tag := normalizeLocale(locale)
		for _, v := range voices {
			if normalizeLocale(v.Language) == tag {
				return v, true
			}
		}
		primary, _, _ := strings.Cut(tag, "-")
		for _, v := range voices {
			lang, _, _ := strings.Cut(normalizeLocale(v.Language), "-")
			if lang == primary {
				return v, true
			}
		}
	}

	return voices[0], true
}

func normalizeLocale(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", "-"))
}

// Verify ESpeak implements Provider at compile time.
var _ Provider = (*ESpeak)(nil)

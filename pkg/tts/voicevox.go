package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/teslashibe/go-greeter/internal/httpc"
)

const (
	defaultVoiceVoxURL = "http://127.0.0.1:50021"
	providerVoiceVox   = "voicevox"
)

// VoiceVox implements Provider for a VOICEVOX-compatible engine.
//
// Synthesis is two requests: POST /audio_query returns a JSON query object
// which is adjusted with the configured scales and posted to /synthesis,
// which returns WAV bytes.
type VoiceVox struct {
	config  *Config
	client  *http.Client
	logger  *slog.Logger
	baseURL string
}

// NewVoiceVox creates a new remote synthesis provider.
func NewVoiceVox(opts ...Option) (*VoiceVox, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultVoiceVoxURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, WrapError(providerVoiceVox, fmt.Errorf("parse base url: %w", err))
	}

	client := cfg.HTTPClient
	if client == nil {
		// Per-step deadlines come from contexts.
		client = httpc.NewClient(0)
	}

	return &VoiceVox{
		config:  cfg,
		client:  client,
		logger:  cfg.Logger.With("component", "tts.voicevox", "speaker", cfg.Speaker),
		baseURL: baseURL,
	}, nil
}

// Speaker returns the configured speaker id.
func (v *VoiceVox) Speaker() int {
	return v.config.Speaker
}

// Synthesize runs the query and synthesis steps and returns WAV audio.
func (v *VoiceVox) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	if text == "" {
		return nil, WrapError(providerVoiceVox, ErrEmptyText)
	}
	start := time.Now()

	query, err := v.audioQuery(ctx, text)
	if err != nil {
		return nil, err
	}

	query["speedScale"] = v.config.SpeedScale
	query["pitchScale"] = v.config.PitchScale
	query["intonationScale"] = v.config.IntonationScale

	body, err := json.Marshal(query)
	if err != nil {
		return nil, WrapError(providerVoiceVox, fmt.Errorf("marshal query: %w", err))
	}

	chars := utf8.RuneCountInString(text)
	audio, err := v.do(ctx, "synthesis", v.endpoint("/synthesis", nil), body, v.config.SynthTimeoutFor(chars))
	if err != nil {
		return nil, err
	}

	latency := time.Since(start)
	v.logger.Debug("synthesized audio",
		"chars", chars,
		"bytes", len(audio),
		"latency_ms", latency.Milliseconds(),
	)

	return &AudioResult{
		Audio:     audio,
		Format:    AudioFormat{Encoding: EncodingWAV, Channels: 1, BitDepth: 16},
		CharCount: chars,
		Latency:   latency,
	}, nil
}

// Initialize warms up the speaker model on the engine.
func (v *VoiceVox) Initialize(ctx context.Context) error {
	u := v.endpoint("/initialize_speaker", url.Values{"skip_reinit": {"true"}})
	_, err := v.do(ctx, "initialize_speaker", u, nil, v.config.QueryTimeout)
	return err
}

// Health checks engine connectivity.
func (v *VoiceVox) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, v.config.QueryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/version", nil)
	if err != nil {
		return WrapError(providerVoiceVox, err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return WrapError(providerVoiceVox, fmt.Errorf("health check: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return v.parseError(resp, "version")
	}
	return nil
}

// Close releases resources.
func (v *VoiceVox) Close() error {
	v.client.CloseIdleConnections()
	return nil
}

func (v *VoiceVox) audioQuery(ctx context.Context, text string) (map[string]any, error) {
	u := v.endpoint("/audio_query", url.Values{"text": {text}})
	body, err := v.do(ctx, "audio_query", u, nil, v.config.QueryTimeout)
	if err != nil {
		return nil, err
	}

	var query map[string]any
	if err := json.Unmarshal(body, &query); err != nil {
		return nil, WrapError(providerVoiceVox, fmt.Errorf("%w: decode audio_query: %v", ErrSynthesisFailed, err))
	}
	return query, nil
}

func (v *VoiceVox) endpoint(path string, q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	q.Set("speaker", strconv.Itoa(v.config.Speaker))
	return v.baseURL + path + "?" + q.Encode()
}

// do POSTs body to u, retrying timeouts, transport errors and retryable statuses.
// Each attempt gets its own timeout.
func (v *VoiceVox) do(ctx context.Context, step, u string, body []byte, timeout time.Duration) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= v.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, v.classify(step, ctx.Err())
			case <-time.After(v.config.RetryDelay * time.Duration(attempt)):
			}
			v.logger.Warn("retrying request", "step", step, "attempt", attempt+1, "error", lastErr)
		}

		data, err := v.once(ctx, step, u, body, timeout)
		if err == nil {
			return data, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.IsRetryable() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, v.classify(step, ctx.Err())
		}
	}

	return nil, lastErr
}

func (v *VoiceVox) once(ctx context.Context, step, u string, body []byte, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(providerVoiceVox, fmt.Errorf("create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, v.classify(step, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, v.parseError(resp, step)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, v.classify(step, err)
	}
	return data, nil
}

// classify maps transport errors to ErrTimeout where a deadline fired.
func (v *VoiceVox) classify(step string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || httpc.IsTimeout(err) {
		return WrapError(providerVoiceVox, fmt.Errorf("%s: %w: %v", step, ErrTimeout, err))
	}
	return WrapError(providerVoiceVox, fmt.Errorf("%s: %w", step, err))
}

// parseError reads an error response.
func (v *VoiceVox) parseError(resp *http.Response, step string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	// FastAPI error bodies carry a "detail" field.
	var errResp struct {
		Detail any `json:"detail"`
	}
	message := string(body)
	if json.Unmarshal(body, &errResp) == nil && errResp.Detail != nil {
		message = fmt.Sprint(errResp.Detail)
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Provider:   providerVoiceVox,
		Step:       step,
	}
}

// Verify VoiceVox implements Provider at compile time.
var (
	_ Provider    = (*VoiceVox)(nil)
	_ Initializer = (*VoiceVox)(nil)
)

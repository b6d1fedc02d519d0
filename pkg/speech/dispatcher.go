package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/teslashibe/go-greeter/pkg/audio"
	"github.com/teslashibe/go-greeter/pkg/metrics"
	"github.com/teslashibe/go-greeter/pkg/tts"
)

// Defaults.
const (
	DefaultCacheSize = 32
	DefaultQueueSize = 16
)

var (
	// ErrQueueFull is reported when a request cannot be queued.
	ErrQueueFull = errors.New("speech: queue full")

	// ErrClosed is reported for requests submitted to or pending in a closed dispatcher.
	ErrClosed = errors.New("speech: dispatcher closed")

	// ErrNoProvider is returned by New when the engine has no provider.
	ErrNoProvider = errors.New("speech: no provider for engine")
)

// Dispatcher synthesizes and plays utterance sequences one at a time.
//
// Requests are processed by a single worker in submission order. Synthesis
// for every phrase of a request starts at once and playback waits for each
// phrase in turn, so phrases play back-to-back in the given order.
type Dispatcher struct {
	engine Engine
	remote tts.Provider
	local  tts.Provider
	player audio.Player
	logger *slog.Logger

	cacheSize int
	queueSize int
	onSpeak   func(text string)

	bytes *lru.Cache[string, []byte]
	clips *lru.Cache[string, *audio.Clip]
	group singleflight.Group

	queue  chan *request
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active *request
	closed bool
}

type request struct {
	texts  []string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRemote sets the remote synthesis provider.
func WithRemote(p tts.Provider) Option {
	return func(d *Dispatcher) { d.remote = p }
}

// WithLocal sets the on-device provider, used by Local and as the Remote fallback.
func WithLocal(p tts.Provider) Option {
	return func(d *Dispatcher) { d.local = p }
}

// WithCacheSize sets the capacity of each audio cache.
func WithCacheSize(n int) Option {
	return func(d *Dispatcher) { d.cacheSize = n }
}

// WithQueueSize sets how many requests may wait behind the active one.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) { d.queueSize = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithOnSpeak registers a callback invoked as each phrase starts playing.
func WithOnSpeak(fn func(text string)) Option {
	return func(d *Dispatcher) { d.onSpeak = fn }
}

// New creates a dispatcher and starts its worker. Call Close to stop it.
func New(engine Engine, player audio.Player, opts ...Option) (*Dispatcher, error) {
	if engine == nil {
		engine = None{}
	}
	d := &Dispatcher{
		engine:    engine,
		player:    player,
		logger:    slog.Default(),
		cacheSize: DefaultCacheSize,
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "speech.dispatcher", "engine", engine.Kind())

	switch e := engine.(type) {
	case Remote:
		if d.remote == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoProvider, KindRemote)
		}
		if e.AllowFallback && d.local == nil {
			d.logger.Warn("fallback enabled without a local provider, failed phrases will be dropped")
		}
	case Local:
		if d.local == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoProvider, KindLocal)
		}
	}
	if engine.Kind() != KindNone && player == nil {
		return nil, fmt.Errorf("speech: player is required for engine %s", engine.Kind())
	}

	var err error
	if d.bytes, err = lru.New[string, []byte](d.cacheSize); err != nil {
		return nil, fmt.Errorf("speech: audio cache: %w", err)
	}
	if d.clips, err = lru.New[string, *audio.Clip](d.cacheSize); err != nil {
		return nil, fmt.Errorf("speech: clip cache: %w", err)
	}

	d.queue = make(chan *request, d.queueSize)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.wg.Add(1)
	go d.worker()

	return d, nil
}

// Engine returns the configured engine.
func (d *Dispatcher) Engine() Engine {
	return d.engine
}

// Enqueue submits texts as one utterance sequence without blocking.
// The returned channel receives the outcome once the sequence has finished.
// A local-engine submission interrupts the sequence currently playing.
func (d *Dispatcher) Enqueue(texts ...string) <-chan error {
	done := make(chan error, 1)
	texts = nonEmpty(texts)
	if len(texts) == 0 {
		done <- nil
		return done
	}

	ctx, cancel := context.WithCancel(d.ctx)
	req := &request{texts: texts, ctx: ctx, cancel: cancel, done: done}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		cancel()
		done <- ErrClosed
		return done
	}

	if d.engine.Kind() == KindLocal && d.active != nil {
		d.logger.Debug("interrupting active utterance", "texts", d.active.texts)
		metrics.SpeechRequests.WithLabelValues(string(KindLocal), "preempted").Inc()
		d.active.cancel()
	}

	select {
	case d.queue <- req:
	default:
		cancel()
		d.logger.Warn("speech queue full, dropping request", "texts", texts)
		done <- ErrQueueFull
	}
	return done
}

// SpeakAll plays texts in order and waits until they finish or ctx is done.
func (d *Dispatcher) SpeakAll(ctx context.Context, texts []string) error {
	select {
	case err := <-d.Enqueue(texts...):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Speak plays a single phrase and waits until it finishes.
func (d *Dispatcher) Speak(ctx context.Context, text string) error {
	return d.SpeakAll(ctx, []string{text})
}

// Preload synthesizes and caches text without playing it.
// Only the remote engine caches; other engines return nil.
func (d *Dispatcher) Preload(ctx context.Context, text string) error {
	if d.engine.Kind() != KindRemote || text == "" {
		return nil
	}
	key, data, err := d.fetchRemote(ctx, text)
	if err != nil {
		return err
	}
	_, _ = d.decode(key, data)
	return nil
}

// Init warms up the remote engine. Other engines return nil.
func (d *Dispatcher) Init(ctx context.Context) error {
	if d.engine.Kind() != KindRemote {
		return nil
	}
	warm, ok := d.remote.(tts.Initializer)
	if !ok {
		return nil
	}
	if err := warm.Initialize(ctx); err != nil {
		return fmt.Errorf("speech: warm-up: %w", err)
	}
	d.logger.Info("remote engine warmed up")
	return nil
}

// Cached reports whether audio for text is in the cache.
func (d *Dispatcher) Cached(text string) bool {
	return d.bytes.Contains(d.key(text))
}

// Close stops the worker. Pending requests complete with ErrClosed.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	return nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			d.drain()
			return
		case req := <-d.queue:
			d.mu.Lock()
			d.active = req
			d.mu.Unlock()

			err := d.process(req)

			d.mu.Lock()
			d.active = nil
			d.mu.Unlock()
			req.cancel()
			req.done <- err
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case req := <-d.queue:
			req.cancel()
			req.done <- ErrClosed
		default:
			return
		}
	}
}

func (d *Dispatcher) process(req *request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("speech request panicked", "panic", r)
			err = fmt.Errorf("speech: panic: %v", r)
		}
	}()

	switch e := d.engine.(type) {
	case Remote:
		return d.playSequence(req, d.fetchRemote, d.fallbackFn(e))
	case Local:
		return d.playSequence(req, d.fetchLocal, nil)
	default:
		d.logger.Info("speech disabled", "texts", req.texts)
		metrics.SpeechRequests.WithLabelValues(string(KindNone), "skipped").Add(float64(len(req.texts)))
		return nil
	}
}

type fetchFn func(ctx context.Context, text string) (key string, data []byte, err error)

type fetched struct {
	key  string
	data []byte
	err  error
}

// playSequence starts all fetches together and plays results in order.
func (d *Dispatcher) playSequence(req *request, fetch fetchFn, fallback fetchFn) error {
	results := make([]chan fetched, len(req.texts))
	for i, text := range req.texts {
		ch := make(chan fetched, 1)
		results[i] = ch
		go func(text string) {
			key, data, err := fetch(req.ctx, text)
			ch <- fetched{key: key, data: data, err: err}
		}(text)
	}

	for i, text := range req.texts {
		var res fetched
		select {
		case res = <-results[i]:
		case <-req.ctx.Done():
			return req.ctx.Err()
		}

		engine := string(d.engine.Kind())
		if res.err != nil {
			if req.ctx.Err() != nil {
				return req.ctx.Err()
			}
			if fallback == nil {
				d.logDrop(text, res.err)
				metrics.SpeechRequests.WithLabelValues(engine, "dropped").Inc()
				continue
			}
			d.logger.Warn("remote synthesis failed, falling back to local engine",
				"text", text, "timeout", tts.IsTimeout(res.err), "error", res.err)
			engine = "fallback"
			res.key, res.data, res.err = fallback(req.ctx, text)
			if res.err != nil {
				d.logger.Warn("fallback synthesis failed, phrase dropped", "text", text, "error", res.err)
				metrics.SpeechRequests.WithLabelValues(engine, "dropped").Inc()
				continue
			}
		}

		if err := d.play(req.ctx, text, res.key, res.data); err != nil {
			if req.ctx.Err() != nil {
				return req.ctx.Err()
			}
			d.logger.Warn("playback failed", "text", text, "error", err)
			metrics.SpeechRequests.WithLabelValues(engine, "failed").Inc()
			continue
		}
		metrics.SpeechRequests.WithLabelValues(engine, "played").Inc()
	}
	return nil
}

func (d *Dispatcher) logDrop(text string, err error) {
	kind := "synthesis_failed"
	if tts.IsTimeout(err) {
		kind = "timeout"
	}
	d.logger.Warn("speech phrase dropped, fallback disabled",
		"text", text, "kind", kind, "error", err)
}

func (d *Dispatcher) play(ctx context.Context, text, key string, data []byte) error {
	clip, err := d.decode(key, data)
	if d.onSpeak != nil {
		d.onSpeak(text)
	}
	if err != nil {
		d.logger.Debug("decode failed, playing raw audio", "text", text, "error", err)
		return d.player.PlayRaw(ctx, data)
	}
	return d.player.Play(ctx, clip)
}

// decode returns the decoded clip for key, decoding and caching on first use.
// An empty key disables caching.
func (d *Dispatcher) decode(key string, data []byte) (*audio.Clip, error) {
	if key != "" {
		if c, ok := d.clips.Peek(key); ok {
			return c, nil
		}
	}
	clip, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, err
	}
	if key != "" {
		d.clips.ContainsOrAdd(key, clip)
	}
	return clip, nil
}

func (d *Dispatcher) key(text string) string {
	speaker := 0
	if r, ok := d.engine.(Remote); ok {
		speaker = r.SpeakerID
	}
	return strconv.Itoa(speaker) + "\x00" + text
}

// fetchRemote returns cached audio for text or synthesizes it. Concurrent
// calls for the same key share one synthesis. The synthesis runs on the
// dispatcher context so a cancelled caller does not abort it for others.
func (d *Dispatcher) fetchRemote(ctx context.Context, text string) (string, []byte, error) {
	key := d.key(text)
	if data, ok := d.bytes.Peek(key); ok {
		metrics.SpeechCache.WithLabelValues("hit").Inc()
		return key, data, nil
	}

	ch := d.group.DoChan(key, func() (any, error) {
		if data, ok := d.bytes.Peek(key); ok {
			return data, nil
		}
		metrics.SpeechCache.WithLabelValues("miss").Inc()
		start := time.Now()
		res, err := d.remote.Synthesize(d.ctx, text)
		if err != nil {
			return nil, err
		}
		metrics.SynthesisLatency.Observe(time.Since(start).Seconds())
		d.bytes.ContainsOrAdd(key, res.Audio)
		return res.Audio, nil
	})

	select {
	case r := <-ch:
		if r.Shared {
			metrics.SpeechCache.WithLabelValues("shared").Inc()
		}
		if r.Err != nil {
			return key, nil, r.Err
		}
		return key, r.Val.([]byte), nil
	case <-ctx.Done():
		return key, nil, ctx.Err()
	}
}

func (d *Dispatcher) fetchLocal(ctx context.Context, text string) (string, []byte, error) {
	res, err := d.local.Synthesize(ctx, text)
	if err != nil {
		return "", nil, err
	}
	return "", res.Audio, nil
}

func (d *Dispatcher) fallbackFn(e Remote) fetchFn {
	if !e.AllowFallback || d.local == nil {
		return nil
	}
	return d.fetchLocal
}

func nonEmpty(texts []string) []string {
	out := texts[:0:0]
	for _, t := range texts {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Package kiosk wires the greeter together and owns the session lifecycle.
//
// A Kiosk is created with New, assembled with Init, driven by Run and torn
// down with Shutdown. Everything it starts belongs to one session, identified
// by a uuid that is attached to the logger, the journal and MQTT messages.
package kiosk

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-greeter/internal/config"
	"github.com/teslashibe/go-greeter/pkg/audio"
	"github.com/teslashibe/go-greeter/pkg/emitter"
	"github.com/teslashibe/go-greeter/pkg/flow"
	"github.com/teslashibe/go-greeter/pkg/inventory"
	"github.com/teslashibe/go-greeter/pkg/journal"
	"github.com/teslashibe/go-greeter/pkg/presence"
	"github.com/teslashibe/go-greeter/pkg/serial"
	"github.com/teslashibe/go-greeter/pkg/speech"
	"github.com/teslashibe/go-greeter/pkg/tts"
	"github.com/teslashibe/go-greeter/pkg/vision"
	"github.com/teslashibe/go-greeter/pkg/web"
)

// ErrNotInitialized is returned by Run before Init.
var ErrNotInitialized = errors.New("kiosk: not initialized")

const (
	sinkBuffer      = 256
	shutdownTimeout = 5 * time.Second
)

// Option overrides a component, mainly for tests.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	source     presence.FrameSource
	face       presence.FaceDetector
	player     audio.Player
	remote     tts.Provider
	local      tts.Provider
	clock      flow.Clock
	background *image.RGBA
}

// WithLogger sets the root logger. The session id is added to it.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithFrameSource replaces the camera.
func WithFrameSource(src presence.FrameSource) Option {
	return func(o *options) { o.source = src }
}

// WithFaceDetector replaces the YuNet detector.
func WithFaceDetector(fd presence.FaceDetector) Option {
	return func(o *options) { o.face = fd }
}

// WithPlayer replaces the audio player.
func WithPlayer(p audio.Player) Option {
	return func(o *options) { o.player = p }
}

// WithRemoteProvider replaces the remote synthesis engine.
func WithRemoteProvider(p tts.Provider) Option {
	return func(o *options) { o.remote = p }
}

// WithLocalProvider replaces the local synthesizer.
func WithLocalProvider(p tts.Provider) Option {
	return func(o *options) { o.local = p }
}

// WithClock replaces the flow machine clock.
func WithClock(c flow.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithBackground sets the empty-shelf reference frame instead of loading it from disk.
func WithBackground(img *image.RGBA) Option {
	return func(o *options) { o.background = img }
}

// Kiosk is one greeter session.
type Kiosk struct {
	cfg     *config.Config
	session string
	logger  *slog.Logger
	opts    options

	catalogue *inventory.Catalogue
	store     *inventory.Store
	speech    *speech.Dispatcher
	machine   *flow.Machine
	monitor   *presence.Monitor
	camera    *vision.Camera
	face      *vision.FaceDetector
	source    presence.FrameSource
	bg        *image.RGBA
	serialLog *serial.Log
	link      serial.Link
	journal   *journal.Journal
	emitter   *emitter.MQTTEmitter
	web       *web.Server

	sinkMu     sync.RWMutex
	sink       chan func()
	sinkDone   chan struct{}
	sinkClosed bool

	mu          sync.RWMutex
	serial      web.SerialStatus
	present     bool
	initialized bool

	shutdownOnce sync.Once
}

// New validates cfg and creates a session. Call Init before Run.
func New(cfg *config.Config, opts ...Option) (*Kiosk, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kiosk: %w", err)
	}

	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	session := uuid.NewString()
	return &Kiosk{
		cfg:       cfg,
		session:   session,
		logger:    o.logger.With("session", session),
		opts:      o,
		catalogue: inventory.NewCatalogue(cfg.Inventory.Shelves),
		store:     inventory.NewStore(),
		serialLog: serial.NewLog(serial.DefaultLogSize),
		sink:      make(chan func(), sinkBuffer),
		sinkDone:  make(chan struct{}),
	}, nil
}

// Session returns the session id.
func (k *Kiosk) Session() string {
	return k.session
}

// Machine returns the flow machine. Nil before Init.
func (k *Kiosk) Machine() *flow.Machine {
	return k.machine
}

// Speech returns the speech dispatcher. Nil before Init.
func (k *Kiosk) Speech() *speech.Dispatcher {
	return k.speech
}

// Server returns the display server. Nil before Init.
func (k *Kiosk) Server() *web.Server {
	return k.web
}

// Init builds every component. Optional subsystems that fail to start
// (camera, face model, serial port, MQTT) are logged and left out.
func (k *Kiosk) Init() error {
	k.logger.Info("initializing kiosk")

	if err := k.initJournal(); err != nil {
		return err
	}
	if err := k.initSpeech(); err != nil {
		k.closeJournal()
		return err
	}
	if err := k.initFlow(); err != nil {
		_ = k.speech.Close()
		k.closeJournal()
		return err
	}
	k.web = web.NewServer(k.cfg.HTTP.Addr, k, web.WithLogger(k.logger))
	k.initInventory()
	k.initVision()
	k.initSerial()
	k.initEmitter()

	go k.runSink()

	k.mu.Lock()
	k.initialized = true
	k.mu.Unlock()
	k.logger.Info("kiosk initialized",
		"engine", k.speech.Engine().Kind(),
		"camera", k.source != nil,
		"serial", k.link != nil,
		"journal", k.journal != nil,
		"mqtt", k.emitter != nil)
	return nil
}

// Run starts the background loops and blocks until ctx is cancelled,
// then shuts the session down.
func (k *Kiosk) Run(ctx context.Context) error {
	k.mu.RLock()
	ready := k.initialized
	k.mu.RUnlock()
	if !ready {
		return ErrNotInitialized
	}
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	k.record(journal.Event{Kind: journal.KindSession, Detail: "start"})

	// Warm-up failures only cost the first phrase some latency.
	go func() {
		if err := k.speech.Init(ctx); err != nil {
			k.logger.Warn("speech warm-up failed", "error", err)
		}
	}()

	if k.emitter != nil {
		go func() {
			if err := k.emitter.Connect(ctx); err != nil {
				k.logger.Warn("mqtt unavailable, transitions will not be published", "error", err)
			}
		}()
	}

	var wg sync.WaitGroup
	if k.monitor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = k.monitor.Run(ctx)
		}()
	}
	if k.estimating() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.runEstimator(ctx)
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- k.web.Start(ctx)
	}()

	k.PublishStatus()
	k.logger.Info("kiosk running", "addr", k.cfg.HTTP.Addr)

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			err = fmt.Errorf("kiosk: display server: %w", err)
			k.logger.Error("display server stopped", "error", err)
		}
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	k.Shutdown(shutdownCtx)
	wg.Wait()
	return err
}

// Shutdown stops every component. It is safe to call more than once.
func (k *Kiosk) Shutdown(ctx context.Context) {
	k.shutdownOnce.Do(func() {
		k.logger.Info("shutting down kiosk")

		if k.machine != nil {
			k.machine.Close()
		}
		if k.web != nil {
			if err := k.web.Shutdown(ctx); err != nil {
				k.logger.Warn("display server shutdown", "error", err)
			}
		}
		if k.link != nil {
			if err := k.link.Disconnect(); err != nil {
				k.logger.Warn("serial disconnect", "error", err)
			}
		}
		if k.speech != nil {
			_ = k.speech.Close()
		}
		if k.camera != nil {
			_ = k.camera.Close()
		}
		if k.face != nil {
			_ = k.face.Close()
		}

		k.mu.RLock()
		started := k.initialized
		k.mu.RUnlock()
		if started {
			k.record(journal.Event{Kind: journal.KindSession, Detail: "stop"})
			k.sinkMu.Lock()
			k.sinkClosed = true
			close(k.sink)
			k.sinkMu.Unlock()
			<-k.sinkDone
		}

		if k.emitter != nil {
			k.emitter.Close()
		}
		k.closeJournal()
		k.logger.Info("kiosk stopped")
	})
}

// Reload applies the parts of cfg that can change at runtime:
// the log level and the shelf catalogue.
func (k *Kiosk) Reload(cfg *config.Config, setLevel func(string)) {
	if setLevel != nil {
		setLevel(cfg.Log.Level)
	}
	k.catalogue.Set(cfg.Inventory.Shelves)
	if k.machine != nil {
		k.machine.OnInventory(k.catalogue.EmptyNames(k.store.Snapshot()))
	}
	k.logger.Info("configuration reloaded", "level", cfg.Log.Level, "shelves", len(cfg.Inventory.Shelves))
}

// post queues fn on the sink goroutine. Work is dropped when the sink is
// full or closed.
func (k *Kiosk) post(fn func()) {
	k.sinkMu.RLock()
	defer k.sinkMu.RUnlock()
	if k.sinkClosed {
		return
	}
	select {
	case k.sink <- fn:
	default:
		k.logger.Warn("event sink full, dropping event")
	}
}

func (k *Kiosk) runSink() {
	defer close(k.sinkDone)
	for fn := range k.sink {
		k.safely(fn)
	}
}

func (k *Kiosk) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("event handler panicked", "panic", r)
		}
	}()
	fn()
}

package kiosk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/go-greeter/internal/config"
	"github.com/teslashibe/go-greeter/pkg/audio"
	"github.com/teslashibe/go-greeter/pkg/emitter"
	"github.com/teslashibe/go-greeter/pkg/flow"
	"github.com/teslashibe/go-greeter/pkg/inventory"
	"github.com/teslashibe/go-greeter/pkg/journal"
	"github.com/teslashibe/go-greeter/pkg/metrics"
	"github.com/teslashibe/go-greeter/pkg/presence"
	"github.com/teslashibe/go-greeter/pkg/serial"
	"github.com/teslashibe/go-greeter/pkg/speech"
	"github.com/teslashibe/go-greeter/pkg/tts"
	"github.com/teslashibe/go-greeter/pkg/vision"
)

// soldOut exposes the sold-out shelf names to the flow machine.
type soldOut struct {
	catalogue *inventory.Catalogue
	store     *inventory.Store
}

func (s soldOut) EmptyNames() []string {
	return s.catalogue.EmptyNames(s.store.Snapshot())
}

func (k *Kiosk) initJournal() error {
	if k.cfg.Journal.Path == "" {
		k.logger.Info("journal disabled")
		return nil
	}
	j, err := journal.Open(k.cfg.Journal, k.logger)
	if err != nil {
		return fmt.Errorf("kiosk: %w", err)
	}
	if err := j.StartPruning(k.cfg.Journal.PruneSchedule); err != nil {
		_ = j.Close()
		return fmt.Errorf("kiosk: %w", err)
	}
	k.journal = j
	return nil
}

func (k *Kiosk) closeJournal() {
	if k.journal == nil {
		return
	}
	if err := k.journal.Close(); err != nil {
		k.logger.Warn("journal close", "error", err)
	}
}

func (k *Kiosk) initSpeech() error {
	d, err := newDispatcher(k.cfg, k.opts, k.logger)
	if err != nil {
		return err
	}
	k.speech = d
	return nil
}

// NewSpeaker builds a standalone speech dispatcher from cfg, for one-shot use
// outside a kiosk session. The caller closes it.
func NewSpeaker(cfg *config.Config, opts ...Option) (*speech.Dispatcher, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return newDispatcher(cfg, o, o.logger)
}

func newDispatcher(cfg *config.Config, o options, logger *slog.Logger) (*speech.Dispatcher, error) {
	tc := cfg.TTS
	engine, err := tc.SpeechEngine()
	if err != nil {
		return nil, fmt.Errorf("kiosk: %w", err)
	}
	kind := engine.Kind()

	opts := []speech.Option{
		speech.WithCacheSize(tc.CacheSize),
		speech.WithLogger(logger),
	}

	if kind == speech.KindRemote {
		remote := o.remote
		if remote == nil {
			vv, err := tts.NewVoiceVox(append(tc.RemoteOptions(), tts.WithLogger(logger))...)
			if err != nil {
				return nil, fmt.Errorf("kiosk: remote engine: %w", err)
			}
			remote = vv
		}
		opts = append(opts, speech.WithRemote(remote))
	}

	if kind == speech.KindLocal || (kind == speech.KindRemote && tc.Remote.AllowFallback) {
		local := o.local
		if local == nil {
			es, err := tts.NewESpeak(append(tc.LocalOptions(), tts.WithLogger(logger))...)
			if err != nil {
				return nil, fmt.Errorf("kiosk: local engine: %w", err)
			}
			local = es
		}
		opts = append(opts, speech.WithLocal(local))
	}

	player := o.player
	if player == nil && kind != speech.KindNone {
		player = audio.NewExecPlayer(cfg.Audio.Command, cfg.Audio.Args, logger)
	}

	d, err := speech.New(engine, player, opts...)
	if err != nil {
		return nil, fmt.Errorf("kiosk: %w", err)
	}
	return d, nil
}

func (k *Kiosk) initFlow() error {
	opts := []flow.Option{
		flow.WithLogger(k.logger),
		flow.WithObserver(k.onTransition),
	}
	if k.opts.clock != nil {
		opts = append(opts, flow.WithClock(k.opts.clock))
	}
	m, err := flow.New(k.cfg.Flow.Config, k.cfg.Flow.Phrases, k.speech,
		soldOut{catalogue: k.catalogue, store: k.store}, opts...)
	if err != nil {
		return fmt.Errorf("kiosk: %w", err)
	}
	k.machine = m
	return nil
}

func (k *Kiosk) initInventory() {
	k.store.Subscribe(func(snap inventory.Snapshot) {
		k.machine.OnInventory(k.catalogue.EmptyNames(snap))
		k.post(func() {
			k.web.PublishInventory(snap)
			k.PublishStatus()
		})
	})
}

func (k *Kiosk) initVision() {
	src := k.opts.source
	if src == nil && k.cfg.Camera.Enabled() {
		camCfg, _ := k.cfg.Camera.Vision()
		cam, err := vision.OpenCamera(camCfg)
		if err != nil {
			k.logger.Warn("camera unavailable, presence detection disabled", "error", err)
			return
		}
		k.camera = cam
		src = cam
	}
	if src == nil {
		k.logger.Info("no camera configured, presence detection disabled")
		return
	}
	k.source = src

	pc := k.cfg.Presence.Presence()
	face := k.opts.face
	if pc.Mode == presence.ModeFace && face == nil {
		_, faceCfg := k.cfg.Camera.Vision()
		fd, err := vision.NewFaceDetector(faceCfg)
		if err != nil {
			k.logger.Warn("face model unavailable, using motion detection", "error", err)
			pc.Mode = presence.ModeMotion
		} else {
			k.face = fd
			face = fd
		}
	}

	mon, err := presence.NewMonitor(pc, src, face, k.logger)
	if err != nil {
		k.logger.Warn("presence monitor disabled", "error", err)
		return
	}
	mon.OnSignal(k.onSignal)
	k.monitor = mon

	k.bg = k.opts.background
	if k.bg == nil && k.cfg.Inventory.Background != "" {
		bg, err := vision.LoadImage(k.cfg.Inventory.Background)
		if err != nil {
			k.logger.Warn("shelf background unavailable, camera inventory disabled", "error", err)
			return
		}
		k.bg = bg
	}
}

func (k *Kiosk) initSerial() {
	opts := []serial.Option{
		serial.WithLogger(k.logger),
		serial.WithLog(k.serialLog),
	}
	sc := k.cfg.Serial
	switch {
	case sc.Fake:
		k.link = serial.NewFake(k.onSerialLine, opts...)
		k.setSerial(true, true)
		k.logger.Info("using simulated payment terminal")
	case sc.Port != "":
		ch, err := serial.Open(sc.Port, sc.Baud, k.onSerialLine,
			append(opts, serial.WithOnDisconnect(k.onSerialDrop))...)
		if err != nil {
			k.logger.Warn("payment terminal unavailable", "error", err)
			return
		}
		k.link = ch
		k.setSerial(true, false)
	default:
		k.logger.Info("no serial port configured")
	}
}

func (k *Kiosk) initEmitter() {
	if k.cfg.MQTT.Broker == "" {
		return
	}
	k.emitter = emitter.New(k.cfg.MQTT, k.logger)
}

func (k *Kiosk) estimating() bool {
	return k.source != nil && k.bg != nil && k.cfg.Inventory.Interval > 0
}

// runEstimator measures shelf occupancy against the background frame.
func (k *Kiosk) runEstimator(ctx context.Context) {
	ticker := time.NewTicker(k.cfg.Inventory.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.estimateOnce(ctx)
		}
	}
}

func (k *Kiosk) estimateOnce(ctx context.Context) {
	shelves := k.catalogue.Shelves()
	if len(shelves) == 0 {
		return
	}
	frame, err := k.source.Frame(ctx)
	if err != nil {
		k.logger.Debug("inventory frame skipped", "error", err)
		return
	}
	snap := inventory.Estimate(shelves, vision.ToRGBA(frame), k.bg, k.cfg.Inventory.Thresholds)
	k.store.Set(snap)
}

func (k *Kiosk) onSignal(sig presence.Signal) {
	k.machine.OnPresence(sig.Present)

	k.mu.Lock()
	changed := k.present != sig.Present
	k.present = sig.Present
	k.mu.Unlock()
	if changed {
		k.post(k.PublishStatus)
	}
}

// onTransition runs as a flow observer. It must not call back into the
// machine, so everything but metrics is handed to the sink.
func (k *Kiosk) onTransition(tr flow.Transition) {
	metrics.FlowTransitions.WithLabelValues(string(tr.From), string(tr.To), tr.Reason).Inc()
	for _, s := range flow.AllStates {
		v := 0.0
		if s == tr.To {
			v = 1
		}
		metrics.FlowState.WithLabelValues(string(s)).Set(v)
	}

	k.post(func() {
		k.write(journal.Event{
			Kind:   journal.KindTransition,
			From:   string(tr.From),
			To:     string(tr.To),
			Detail: tr.Reason,
			At:     tr.At,
		})
		k.web.PublishTransition(tr)
		k.PublishStatus()
		if k.emitter != nil {
			if err := k.emitter.PublishTransition(k.session, tr); err != nil {
				k.logger.Debug("transition not published", "error", err)
			}
		}
	})
}

func (k *Kiosk) onSerialLine(line string) {
	now := time.Now()
	k.mu.Lock()
	k.serial.LastRx = now
	k.serial.LastLine = line
	k.mu.Unlock()

	k.post(func() {
		k.write(journal.Event{Kind: journal.KindSerial, Detail: line, At: now})
		k.web.PublishSerial(serial.Entry{At: now, Dir: serial.DirRx, Text: line})
	})

	if serial.IsPayment(line) {
		k.Pay()
	}
}

func (k *Kiosk) onSerialDrop(err error) {
	k.setSerial(false, false)
	k.post(func() {
		k.write(journal.Event{Kind: journal.KindSerial, Detail: "disconnected: " + err.Error()})
		k.PublishStatus()
	})
}

func (k *Kiosk) setSerial(connected, fake bool) {
	k.mu.Lock()
	k.serial.Connected = connected
	k.serial.Fake = fake
	k.mu.Unlock()
}

// record queues ev for the journal.
func (k *Kiosk) record(ev journal.Event) {
	if k.journal == nil {
		return
	}
	k.post(func() { k.write(ev) })
}

// write stores ev now. Only the sink calls it.
func (k *Kiosk) write(ev journal.Event) {
	if k.journal == nil {
		return
	}
	ev.Session = k.session
	if _, err := k.journal.Record(context.Background(), ev); err != nil {
		k.logger.Warn("journal write failed", "kind", ev.Kind, "error", err)
	}
}

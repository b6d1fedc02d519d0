package kiosk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teslashibe/go-greeter/pkg/inventory"
	"github.com/teslashibe/go-greeter/pkg/journal"
	"github.com/teslashibe/go-greeter/pkg/metrics"
	"github.com/teslashibe/go-greeter/pkg/serial"
	"github.com/teslashibe/go-greeter/pkg/speech"
	"github.com/teslashibe/go-greeter/pkg/web"
)

var _ web.Controller = (*Kiosk)(nil)

// Status returns what the display shows.
func (k *Kiosk) Status() web.Status {
	ms := k.machine.Status()

	var score float64
	if k.monitor != nil {
		score = k.monitor.Latest().Score
	}

	k.mu.RLock()
	ser := k.serial
	k.mu.RUnlock()

	snap := k.store.Snapshot()
	return web.Status{
		Session:   k.session,
		State:     ms.State,
		Since:     ms.Since,
		Present:   ms.Present,
		Score:     score,
		Engine:    string(k.speech.Engine().Kind()),
		Serial:    ser,
		Inventory: snap,
		SoldOut:   k.catalogue.EmptyNames(snap),
	}
}

// PublishStatus pushes the current status to display clients.
func (k *Kiosk) PublishStatus() {
	k.web.PublishStatus(k.Status())
}

// Pay reports a completed payment. It returns false when the payment fell
// inside the thanks cooldown.
func (k *Kiosk) Pay() bool {
	accepted := k.machine.OnPay()
	detail := "accepted"
	if !accepted {
		metrics.PaymentsDropped.Inc()
		detail = "dropped"
	}
	k.record(journal.Event{Kind: journal.KindPayment, Detail: detail})
	return accepted
}

// Speak queues a phrase without waiting for playback.
func (k *Kiosk) Speak(ctx context.Context, text string) error {
	select {
	case err := <-k.speech.Enqueue(text):
		if errors.Is(err, speech.ErrQueueFull) || errors.Is(err, speech.ErrClosed) {
			return fmt.Errorf("%w: %v", web.ErrUnavailable, err)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// PingSerial sends PING to the payment terminal.
func (k *Kiosk) PingSerial() error {
	if k.link == nil {
		return fmt.Errorf("%w: no payment terminal", web.ErrUnavailable)
	}
	if err := k.link.WriteLine("PING"); err != nil {
		return err
	}
	entry := serial.Entry{At: time.Now(), Dir: serial.DirTx, Text: "PING"}
	k.post(func() { k.web.PublishSerial(entry) })
	return nil
}

// SerialLog returns recent terminal traffic, oldest first.
func (k *Kiosk) SerialLog() []serial.Entry {
	return k.serialLog.Entries()
}

// SetInventory replaces the inventory snapshot.
func (k *Kiosk) SetInventory(snap inventory.Snapshot) bool {
	return k.store.Set(snap)
}

// Events returns recent journal entries, newest first.
func (k *Kiosk) Events(ctx context.Context, limit int) ([]journal.Event, error) {
	if k.journal == nil {
		return nil, fmt.Errorf("%w: journal disabled", web.ErrUnavailable)
	}
	return k.journal.List(ctx, limit)
}

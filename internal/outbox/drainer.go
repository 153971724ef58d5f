// Package outbox drains durably queued sends through the messaging sender.
package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/messaging"
	"github.com/matheus3301/wpphub/internal/metrics"
	"github.com/matheus3301/wpphub/internal/store"
)

// Sender is the interface for sending text messages.
type Sender interface {
	Send(ctx context.Context, accountID, to, content string, typ store.MessageType) messaging.SendResult
}

// Ack is published as message.send_ack or message.send_failed.
type Ack struct {
	OutboxID          string `json:"outbox_id"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Drainer polls the outbox and sends queued entries.
type Drainer struct {
	store    store.OutboxStore
	sender   Sender
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration
	wake     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewDrainer creates a new outbox drainer. A zero interval defaults to 500ms.
func NewDrainer(s store.OutboxStore, sender Sender, b *bus.Bus, interval time.Duration, logger *zap.Logger) *Drainer {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Drainer{
		store:    s,
		sender:   sender,
		bus:      b,
		logger:   logger.Named("outbox"),
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue persists a send for later delivery and nudges the loop.
func (d *Drainer) Enqueue(ctx context.Context, accountID, to, body string) (*store.OutboxEntry, error) {
	e := &store.OutboxEntry{AccountID: accountID, To: to, Body: body}
	if err := d.store.QueueOutbox(ctx, e); err != nil {
		return nil, fmt.Errorf("queue outbox: %w", err)
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return e, nil
}

// Start requeues entries a previous run left mid-send, then begins polling
// the outbox for pending messages.
func (d *Drainer) Start(ctx context.Context) {
	if n, err := d.store.RequeueSending(ctx); err != nil {
		d.logger.Error("failed to requeue interrupted entries", zap.Error(err))
	} else if n > 0 {
		d.logger.Warn("requeued interrupted outbox entries", zap.Int("count", n))
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go d.loop(ctx)
}

// Stop stops the loop and waits for the current batch to finish.
func (d *Drainer) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

func (d *Drainer) loop(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-d.wake:
		case <-ctx.Done():
			return
		}
		d.ProcessPending(ctx)
	}
}

// ProcessPending sends every queued entry once. An entry whose send is cut
// short by ctx goes back to the queue instead of failing.
func (d *Drainer) ProcessPending(ctx context.Context) {
	pending, err := d.store.PendingOutbox(ctx, 100)
	if err != nil {
		d.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	// Status writes must land even when ctx is cancelled mid-send.
	wctx := context.WithoutCancel(ctx)
	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		logger := d.logger.With(zap.String("outbox_id", entry.ID))
		if err := d.store.MarkOutboxSending(wctx, entry.ID); err != nil {
			logger.Error("failed to mark sending", zap.Error(err))
			continue
		}

		res := d.sender.Send(ctx, entry.AccountID, entry.To, entry.Body, store.TypeText)
		switch {
		case !res.Success && ctx.Err() != nil:
			if err := d.store.MarkOutboxQueued(wctx, entry.ID); err != nil {
				logger.Error("failed to requeue", zap.Error(err))
			}
			logger.Info("send interrupted, entry requeued")
			return
		case !res.Success:
			metrics.OutboxProcessed.WithLabelValues("failed").Inc()
			if err := d.store.MarkOutboxFailed(wctx, entry.ID, res.Error); err != nil {
				logger.Error("failed to mark failed", zap.Error(err))
			}
			d.publish(bus.KindSendFailed, entry.AccountID, Ack{OutboxID: entry.ID, Error: res.Error})
		default:
			metrics.OutboxProcessed.WithLabelValues("sent").Inc()
			if err := d.store.MarkOutboxSent(wctx, entry.ID, res.ProviderMessageID); err != nil {
				logger.Error("failed to mark sent", zap.Error(err))
			}
			logger.Info("outbox entry sent", zap.String("provider_message_id", res.ProviderMessageID))
			d.publish(bus.KindSendAck, entry.AccountID, Ack{OutboxID: entry.ID, ProviderMessageID: res.ProviderMessageID})
		}
	}
}

func (d *Drainer) publish(kind, accountID string, ack Ack) {
	d.bus.Publish(bus.Event{
		Kind:      kind,
		AccountID: accountID,
		Timestamp: time.Now(),
		Payload:   ack,
	})
}

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wesm/casevault/internal/inbox"
	"github.com/wesm/casevault/internal/metrics"
)

// DefaultBatchSize is the number of events delivered per Send.
const DefaultBatchSize = 100

// Outbox is the queue of undelivered events.
type Outbox interface {
	PendingEvents(ctx context.Context, limit int) ([]inbox.LabelsChanged, error)
	MarkDispatched(ctx context.Context, ids []string, at time.Time) error
	PendingCount(ctx context.Context) (int64, error)
}

// Dispatcher drains the outbox through a Sender.
type Dispatcher struct {
	outbox    Outbox
	sender    Sender
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(outbox Outbox, sender Sender) *Dispatcher {
	return &Dispatcher{
		outbox:    outbox,
		sender:    sender,
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// WithBatchSize sets the events per delivery.
func (d *Dispatcher) WithBatchSize(n int) *Dispatcher {
	if n > 0 {
		d.batchSize = n
	}
	return d
}

// WithLogger sets the logger.
func (d *Dispatcher) WithLogger(logger *slog.Logger) *Dispatcher {
	d.logger = logger
	return d
}

// Run delivers pending events oldest first until the outbox is empty, ctx
// is cancelled or a delivery fails. Events are marked dispatched only after
// their batch was accepted, so a failed batch is retried on the next run.
// Returns the number of events delivered.
func (d *Dispatcher) Run(ctx context.Context) (int, error) {
	defer d.updatePending(ctx)

	sent := 0
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		events, err := d.outbox.PendingEvents(ctx, d.batchSize)
		if err != nil {
			return sent, fmt.Errorf("read outbox: %w", err)
		}
		if len(events) == 0 {
			return sent, nil
		}

		if err := d.sender.Send(ctx, events); err != nil {
			metrics.EventsDispatchedTotal.WithLabelValues("error").Add(float64(len(events)))
			return sent, fmt.Errorf("deliver %d events: %w", len(events), err)
		}

		ids := make([]string, len(events))
		for i, e := range events {
			ids[i] = e.ID
		}
		if err := d.outbox.MarkDispatched(ctx, ids, d.now()); err != nil {
			// Delivered but not marked: the batch is delivered again next run.
			return sent, fmt.Errorf("mark dispatched: %w", err)
		}
		metrics.EventsDispatchedTotal.WithLabelValues("success").Add(float64(len(events)))
		sent += len(events)
		d.logger.Debug("dispatched label events", "count", len(events))

		if len(events) < d.batchSize {
			return sent, nil
		}
	}
}

func (d *Dispatcher) updatePending(ctx context.Context) {
	n, err := d.outbox.PendingCount(context.WithoutCancel(ctx))
	if err != nil {
		d.logger.Warn("count pending events", "error", err)
		return
	}
	metrics.OutboxPending.Set(float64(n))
}

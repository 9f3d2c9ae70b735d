// Package actions applies bulk state transitions to sets of messages.
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wesm/casevault/internal/inbox"
	"github.com/wesm/casevault/internal/labels"
	"github.com/wesm/casevault/internal/metrics"
)

// DefaultConcurrency is the number of messages updated in parallel.
const DefaultConcurrency = 8

// Result summarizes a bulk action.
type Result struct {
	Action    inbox.Action `json:"action"`
	Requested int          `json:"requested"`
	// Applied counts messages now in the target state, including those
	// that already were.
	Applied int `json:"applied"`
	// Changed counts messages whose state actually moved.
	Changed int `json:"changed"`
}

// Coordinator applies bulk actions against a message store.
type Coordinator struct {
	store       inbox.Store
	labels      inbox.LabelStore
	history     inbox.ActionLog
	sink        inbox.EventSink
	logger      *slog.Logger
	concurrency int
	now         func() time.Time
}

// NewCoordinator creates a coordinator. history and sink may be nil.
func NewCoordinator(store inbox.Store, ls inbox.LabelStore, history inbox.ActionLog, sink inbox.EventSink) *Coordinator {
	return &Coordinator{
		store:       store,
		labels:      ls,
		history:     history,
		sink:        sink,
		logger:      slog.Default(),
		concurrency: DefaultConcurrency,
		now:         time.Now,
	}
}

// WithLogger sets the logger.
func (c *Coordinator) WithLogger(logger *slog.Logger) *Coordinator {
	c.logger = logger
	return c
}

// WithConcurrency sets the per-message parallelism.
func (c *Coordinator) WithConcurrency(n int) *Coordinator {
	if n > 0 {
		c.concurrency = n
	}
	return c
}

// Apply parses action and applies it to the messages of scope's
// organization named by backendIDs. labelID is required for label and
// unlabel and ignored otherwise.
//
// An unknown action returns inbox.ErrUnknownAction and a label that is
// missing, released, owned by another organization or hidden from scope
// returns inbox.ErrInvalidLabel; in both cases no message is touched.
// Ids that do not resolve are dropped. A failure on one message, including
// a label released mid-run, is logged and does not stop the others.
// Changed and the emitted events follow what the store reports it changed,
// not the state read before the update.
func (c *Coordinator) Apply(ctx context.Context, scope inbox.Scope, action string, backendIDs []int64, labelID int64) (res *Result, err error) {
	act, err := inbox.ParseAction(action)
	if err != nil {
		metrics.BulkActionsTotal.WithLabelValues("unknown", "error").Inc()
		return nil, err
	}
	defer func() {
		metrics.BulkActionsTotal.WithLabelValues(string(act), metrics.Status(err)).Inc()
	}()

	if act.NeedsLabel() {
		if err := c.checkLabel(ctx, scope, labelID); err != nil {
			return nil, err
		}
	}

	ids := dedupe(backendIDs)
	msgs, err := c.store.Find(ctx, scope.OrgID, ids)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}

	res = &Result{Action: act, Requested: len(ids)}
	var (
		mu      sync.Mutex
		records []inbox.ActionRecord
		events  []inbox.LabelsChanged
	)
	at := c.now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i := range msgs {
		msg := &msgs[i]
		g.Go(func() error {
			changed, err := c.store.ApplyAction(gctx, scope.OrgID, msg.BackendID, act, labelID)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				metrics.BulkActionMessagesTotal.WithLabelValues(string(act), "failed").Inc()
				c.logger.Warn("bulk action failed",
					"org", scope.OrgID,
					"action", act,
					"message", msg.BackendID,
					"error", err,
				)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			res.Applied++
			records = append(records, c.record(scope, act, msg.BackendID, labelID, at))
			if !changed {
				return nil
			}
			res.Changed++
			switch act {
			case inbox.ActionLabel:
				events = append(events, labels.NewEvent(scope.OrgID, msg.BackendID, []int64{labelID}, nil, at))
			case inbox.ActionUnlabel:
				events = append(events, labels.NewEvent(scope.OrgID, msg.BackendID, nil, []int64{labelID}, at))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	metrics.BulkActionMessagesTotal.WithLabelValues(string(act), "applied").Add(float64(res.Applied))
	metrics.BulkActionMessagesTotal.WithLabelValues(string(act), "unresolved").Add(float64(res.Requested - len(msgs)))

	if c.history != nil && len(records) > 0 {
		if err := c.history.RecordActions(ctx, records); err != nil {
			c.logger.Warn("record action history failed", "org", scope.OrgID, "action", act, "error", err)
		}
	}
	labels.Publish(ctx, c.sink, c.logger, events)

	c.logger.Info("bulk action applied",
		"org", scope.OrgID,
		"user", scope.UserID,
		"action", act,
		"requested", res.Requested,
		"applied", res.Applied,
		"changed", res.Changed,
	)
	return res, nil
}

func (c *Coordinator) checkLabel(ctx context.Context, scope inbox.Scope, labelID int64) error {
	l, err := c.labels.GetLabel(ctx, scope.OrgID, labelID)
	if err != nil {
		return fmt.Errorf("get label %d: %w", labelID, err)
	}
	if l == nil || !l.IsActive || l.OrgID != scope.OrgID || !scope.CanSeeLabel(labelID) {
		return fmt.Errorf("%w: %d", inbox.ErrInvalidLabel, labelID)
	}
	return nil
}

func (c *Coordinator) record(scope inbox.Scope, act inbox.Action, backendID, labelID int64, at time.Time) inbox.ActionRecord {
	r := inbox.ActionRecord{
		OrgID:     scope.OrgID,
		BackendID: backendID,
		Action:    act,
		UserID:    scope.UserID,
		CreatedOn: at.UTC(),
	}
	if act.NeedsLabel() {
		id := labelID
		r.LabelID = &id
	}
	return r
}

func dedupe(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

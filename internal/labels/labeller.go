package labels

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wesm/casevault/internal/inbox"
	"github.com/wesm/casevault/internal/metrics"
)

// Mode selects how matched labels are reconciled with existing ones.
type Mode int

const (
	// ModeAdditive only adds matched labels.
	ModeAdditive Mode = iota
	// ModeResync also removes labels whose rules no longer match.
	ModeResync
)

func (m Mode) String() string {
	if m == ModeResync {
		return "resync"
	}
	return "additive"
}

// Change is the label delta applied to one message.
type Change struct {
	Added   []int64 `json:"added"`
	Removed []int64 `json:"removed"`
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}

// Labeller persists label matches and publishes change events.
type Labeller struct {
	store       inbox.Store
	labels      inbox.LabelStore
	matcher     *Matcher
	sink        inbox.EventSink
	logger      *slog.Logger
	concurrency int
	now         func() time.Time
}

// NewLabeller creates a labeller. sink may be nil, in which case no events
// are published.
func NewLabeller(store inbox.Store, ls inbox.LabelStore, matcher *Matcher, sink inbox.EventSink) *Labeller {
	return &Labeller{
		store:       store,
		labels:      ls,
		matcher:     matcher,
		sink:        sink,
		logger:      slog.Default(),
		concurrency: 4,
		now:         time.Now,
	}
}

// WithLogger sets the logger.
func (l *Labeller) WithLogger(logger *slog.Logger) *Labeller {
	l.logger = logger
	return l
}

// WithConcurrency sets how many messages Resync processes in parallel.
func (l *Labeller) WithConcurrency(n int) *Labeller {
	if n > 0 {
		l.concurrency = n
	}
	return l
}

// Apply matches msg against the organization's active labels and persists
// the result. msg.Labels is updated to the new set.
func (l *Labeller) Apply(ctx context.Context, orgID int64, msg *inbox.Message, mode Mode) (Change, error) {
	active, err := l.labels.ActiveLabels(ctx, orgID)
	if err != nil {
		return Change{}, fmt.Errorf("load active labels: %w", err)
	}
	return l.apply(ctx, orgID, msg, mode, active)
}

func (l *Labeller) apply(ctx context.Context, orgID int64, msg *inbox.Message, mode Mode, active []inbox.Label) (Change, error) {
	matched := Match(active, l.matcher.Context(ctx, orgID, msg, active))
	want := make([]int64, 0, len(matched))
	for _, lb := range matched {
		want = append(want, lb.ID)
	}

	var ch Change
	for _, id := range want {
		if !msg.HasLabel(id) {
			ch.Added = append(ch.Added, id)
		}
	}
	if mode == ModeResync {
		for _, id := range msg.Labels {
			if !slices.Contains(want, id) {
				ch.Removed = append(ch.Removed, id)
			}
		}
	}
	ch, err := l.persist(ctx, orgID, msg, ch)
	if err != nil {
		return Change{}, err
	}
	if len(matched) > 0 {
		metrics.LabelMatchesTotal.WithLabelValues(mode.String()).Add(float64(len(matched)))
	}
	return ch, nil
}

// SetLabels replaces the labels of one message with labelIDs. Only the
// organization's active labels are considered, and a scope with a visible
// label allow-list can only add or remove labels it can see.
func (l *Labeller) SetLabels(ctx context.Context, scope inbox.Scope, backendID int64, labelIDs []int64) (Change, error) {
	found, err := l.store.Find(ctx, scope.OrgID, []int64{backendID})
	if err != nil {
		return Change{}, fmt.Errorf("find message: %w", err)
	}
	if len(found) == 0 {
		return Change{}, fmt.Errorf("%w: %d", inbox.ErrMessageNotFound, backendID)
	}
	msg := &found[0]

	active, err := l.labels.ActiveLabels(ctx, scope.OrgID)
	if err != nil {
		return Change{}, fmt.Errorf("load active labels: %w", err)
	}
	var ch Change
	for _, lb := range active {
		if !scope.CanSeeLabel(lb.ID) {
			continue
		}
		want := slices.Contains(labelIDs, lb.ID)
		has := msg.HasLabel(lb.ID)
		switch {
		case want && !has:
			ch.Added = append(ch.Added, lb.ID)
		case !want && has:
			ch.Removed = append(ch.Removed, lb.ID)
		}
	}
	return l.persist(ctx, scope.OrgID, msg, ch)
}

// Resync re-evaluates every message received at or after since in resync
// mode and returns how many messages changed. Messages that fail are
// logged and skipped.
func (l *Labeller) Resync(ctx context.Context, orgID int64, since time.Time) (int, error) {
	active, err := l.labels.ActiveLabels(ctx, orgID)
	if err != nil {
		return 0, fmt.Errorf("load active labels: %w", err)
	}

	var msgs []inbox.Message
	for m, err := range l.store.Query(ctx, orgID, inbox.Filter{After: &since}) {
		if err != nil {
			return 0, fmt.Errorf("query messages: %w", err)
		}
		msgs = append(msgs, m)
	}

	var changed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i := range msgs {
		msg := &msgs[i]
		g.Go(func() error {
			ch, err := l.apply(gctx, orgID, msg, ModeResync, active)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				l.logger.Warn("relabel failed", "org", orgID, "message", msg.BackendID, "error", err)
				return nil
			}
			if !ch.Empty() {
				changed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(changed.Load()), err
	}

	l.logger.Info("relabel complete", "org", orgID, "messages", len(msgs), "changed", changed.Load())
	return int(changed.Load()), nil
}

// persist writes ch to the store, updates msg and publishes an event for
// the labels that actually moved. A concurrent writer may have made part of
// ch a no-op, so the returned change can be smaller than ch.
func (l *Labeller) persist(ctx context.Context, orgID int64, msg *inbox.Message, ch Change) (Change, error) {
	if ch.Empty() {
		return ch, nil
	}
	added, removed, err := l.store.ChangeLabels(ctx, orgID, msg.BackendID, ch.Added, ch.Removed)
	if err != nil {
		return Change{}, fmt.Errorf("change labels of %d: %w", msg.BackendID, err)
	}
	done := Change{Added: added, Removed: removed}

	msg.Labels = slices.DeleteFunc(msg.Labels, func(id int64) bool { return slices.Contains(removed, id) })
	for _, id := range added {
		if !msg.HasLabel(id) {
			msg.Labels = append(msg.Labels, id)
		}
	}
	slices.Sort(msg.Labels)

	if !done.Empty() {
		l.publish(ctx, []inbox.LabelsChanged{NewEvent(orgID, msg.BackendID, added, removed, l.now())})
	}
	return done, nil
}

func (l *Labeller) publish(ctx context.Context, events []inbox.LabelsChanged) {
	Publish(ctx, l.sink, l.logger, events)
}

// NewEvent builds a LabelsChanged event with a fresh id.
func NewEvent(orgID, backendID int64, added, removed []int64, at time.Time) inbox.LabelsChanged {
	return inbox.LabelsChanged{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		BackendID: backendID,
		Added:     added,
		Removed:   removed,
		At:        at.UTC(),
	}
}

// Publish sends events to sink. The label change has already committed, so
// a failure is logged and counted and the events are dropped.
func Publish(ctx context.Context, sink inbox.EventSink, logger *slog.Logger, events []inbox.LabelsChanged) {
	if sink == nil || len(events) == 0 {
		return
	}
	if err := sink.Publish(ctx, events); err != nil {
		metrics.LabelEventsTotal.WithLabelValues("error").Add(float64(len(events)))
		logger.Warn("publish label events failed", "count", len(events), "error", err)
		return
	}
	metrics.LabelEventsTotal.WithLabelValues("success").Add(float64(len(events)))
}

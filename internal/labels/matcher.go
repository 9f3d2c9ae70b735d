// Package labels decides which labels apply to a message and persists the
// result.
package labels

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wesm/casevault/internal/inbox"
	"github.com/wesm/casevault/internal/metrics"
	"github.com/wesm/casevault/internal/rules"
)

// Match returns the labels whose rule matches msg, in input order. It is
// pure: the same labels and context always give the same result.
func Match(labels []inbox.Label, msg *rules.Message) []inbox.Label {
	var out []inbox.Label
	for _, l := range labels {
		if rules.Evaluate(l.Rule, msg) {
			out = append(out, l)
		}
	}
	return out
}

// Matcher evaluates an organization's active labels against messages.
type Matcher struct {
	labels   inbox.LabelStore
	resolver rules.ContactResolver
	logger   *slog.Logger
}

// NewMatcher creates a matcher reading labels from ls and contact data from
// resolver. A nil resolver means contacts have no groups or fields.
func NewMatcher(ls inbox.LabelStore, resolver rules.ContactResolver) *Matcher {
	return &Matcher{
		labels:   ls,
		resolver: resolver,
		logger:   slog.Default(),
	}
}

// WithLogger sets the logger.
func (m *Matcher) WithLogger(logger *slog.Logger) *Matcher {
	m.logger = logger
	return m
}

// MatchLabels returns the active labels of orgID whose rules match msg. The
// label set is read once per call.
func (m *Matcher) MatchLabels(ctx context.Context, orgID int64, msg *inbox.Message) ([]inbox.Label, error) {
	active, err := m.labels.ActiveLabels(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load active labels: %w", err)
	}
	return Match(active, m.Context(ctx, orgID, msg, active)), nil
}

// Context builds the rule evaluation context for msg, resolving the
// contact's groups and any field referenced by the given labels. Lookup
// failures are logged and treated as missing data.
func (m *Matcher) Context(ctx context.Context, orgID int64, msg *inbox.Message, active []inbox.Label) *rules.Message {
	mc := &rules.Message{Text: msg.Text}
	if m.resolver == nil || msg.ContactRef == "" {
		return mc
	}

	groups, err := m.resolver.GroupMembership(ctx, orgID, msg.ContactRef)
	if err != nil {
		metrics.ResolverMissesTotal.WithLabelValues("groups").Inc()
		m.logger.Warn("group lookup failed", "org", orgID, "contact", msg.ContactRef, "error", err)
	} else if len(groups) > 0 {
		mc.Groups = make(map[string]bool, len(groups))
		for _, g := range groups {
			mc.Groups[g] = true
		}
	}

	for _, key := range fieldKeys(active) {
		v, ok, err := m.resolver.FieldValue(ctx, orgID, msg.ContactRef, key)
		if err != nil {
			metrics.ResolverMissesTotal.WithLabelValues("field").Inc()
			m.logger.Warn("field lookup failed", "org", orgID, "contact", msg.ContactRef, "field", key, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if mc.Fields == nil {
			mc.Fields = make(map[string]string)
		}
		mc.Fields[key] = v
	}
	return mc
}

func fieldKeys(labels []inbox.Label) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, l := range labels {
		for _, k := range l.Rule.FieldKeys() {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	return keys
}

// Package storetest provides a Fixture and helpers for tests that
// exercise the Store layer through its public API.
package storetest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wesm/casevault/internal/inbox"
	"github.com/wesm/casevault/internal/rules"
	"github.com/wesm/casevault/internal/store"
	"github.com/wesm/casevault/internal/testutil"
)

// BaseTime is the receive time of the first message created by a Fixture.
var BaseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// Fixture holds common test state for store-level tests.
type Fixture struct {
	T     *testing.T
	Ctx   context.Context
	Store *store.Store
	Org   int64
	next  atomic.Int64
}

// New creates a Fixture with a fresh test database scoped to org 1.
func New(t *testing.T) *Fixture {
	t.Helper()
	return &Fixture{T: t, Ctx: context.Background(), Store: testutil.NewTestStore(t), Org: 1}
}

// CreateLabel inserts an active label with the given keyword rule.
func (f *Fixture) CreateLabel(name string, keywords ...string) *inbox.Label {
	f.T.Helper()
	l := &inbox.Label{OrgID: f.Org, Name: name}
	if len(keywords) > 0 {
		l.Rule = rules.Rule{&rules.ContainsTest{Keywords: keywords, Quantifier: rules.Any}}
	}
	testutil.MustNoErr(f.T, f.Store.CreateLabel(f.Ctx, l), "CreateLabel "+name)
	return l
}

// CreateMessage inserts a message with the next backend id. Each message is
// received one minute after the previous one.
func (f *Fixture) CreateMessage(contact, text string) *inbox.Message {
	f.T.Helper()
	n := f.next.Add(1)
	m := &inbox.Message{
		BackendID:  n,
		OrgID:      f.Org,
		ContactRef: contact,
		Text:       text,
		ReceivedOn: BaseTime.Add(time.Duration(n) * time.Minute),
	}
	_, err := f.Store.UpsertMessage(f.Ctx, m)
	testutil.MustNoErr(f.T, err, "CreateMessage")
	return m
}

// CreateContact inserts a contact in the given groups.
func (f *Fixture) CreateContact(ref string, groups ...string) {
	f.T.Helper()
	err := f.Store.UpsertContact(f.Ctx, &inbox.Contact{OrgID: f.Org, Ref: ref, Name: ref, Groups: groups})
	testutil.MustNoErr(f.T, err, "CreateContact "+ref)
}

// Get reloads a message from the store.
func (f *Fixture) Get(backendID int64) *inbox.Message {
	f.T.Helper()
	m, err := f.Store.GetMessage(f.Ctx, f.Org, backendID)
	testutil.MustNoErr(f.T, err, "GetMessage")
	if m == nil {
		f.T.Fatalf("message %d not found", backendID)
	}
	return m
}

// Collect drains a store query into a slice of backend ids.
func (f *Fixture) Collect(filter inbox.Filter) []int64 {
	f.T.Helper()
	var ids []int64
	for m, err := range f.Store.Query(f.Ctx, f.Org, filter) {
		testutil.MustNoErr(f.T, err, "Query")
		ids = append(ids, m.BackendID)
	}
	return ids
}

package store_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/wesm/casevault/internal/inbox"
	"github.com/wesm/casevault/internal/rules"
	"github.com/wesm/casevault/internal/store"
	"github.com/wesm/casevault/internal/testutil"
	"github.com/wesm/casevault/internal/testutil/ptr"
	"github.com/wesm/casevault/internal/testutil/storetest"
)

func TestStore_Open(t *testing.T) {
	st := testutil.NewTestStore(t)
	if st.DB() == nil {
		t.Fatal("DB() returned nil")
	}
}

func TestStore_OpenRejectsPostgres(t *testing.T) {
	if _, err := store.Open("postgres://localhost/casevault"); err == nil {
		t.Fatal("expected error for PostgreSQL URL")
	}
}

func TestStore_InitSchemaIdempotent(t *testing.T) {
	st := testutil.NewTestStore(t)
	testutil.MustNoErr(t, st.InitSchema(), "second InitSchema")
}

func TestStore_UpsertMessage(t *testing.T) {
	f := storetest.New(t)
	l := f.CreateLabel("Urgent")

	m := &inbox.Message{BackendID: 42, OrgID: f.Org, ContactRef: "c1", Text: "hello", ReceivedOn: storetest.BaseTime}
	created, err := f.Store.UpsertMessage(f.Ctx, m)
	testutil.MustNoErr(t, err, "UpsertMessage")
	if !created {
		t.Error("first upsert should create")
	}

	testutil.MustNoErr(t, f.Store.SetFlagged(f.Ctx, f.Org, []int64{42}, true), "SetFlagged")
	testutil.MustNoErr(t, f.Store.AddLabels(f.Ctx, f.Org, []int64{42}, []int64{l.ID}), "AddLabels")

	m.Text = "hello again"
	created, err = f.Store.UpsertMessage(f.Ctx, m)
	testutil.MustNoErr(t, err, "UpsertMessage again")
	if created {
		t.Error("second upsert should update")
	}

	got := f.Get(42)
	want := &inbox.Message{
		BackendID:  42,
		OrgID:      f.Org,
		ContactRef: "c1",
		Text:       "hello again",
		ReceivedOn: storetest.BaseTime,
		Labels:     []int64{l.ID},
		IsFlagged:  true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("message mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_UpsertMessageRepairsUTF8(t *testing.T) {
	f := storetest.New(t)
	m := &inbox.Message{BackendID: 1, OrgID: f.Org, Text: "caf\xe9", ReceivedOn: storetest.BaseTime}
	_, err := f.Store.UpsertMessage(f.Ctx, m)
	testutil.MustNoErr(t, err, "UpsertMessage")
	if got := f.Get(1).Text; got != m.Text {
		t.Errorf("stored text %q, want %q", got, m.Text)
	}
}

func TestStore_FindScopesToOrg(t *testing.T) {
	f := storetest.New(t)
	f.CreateMessage("c1", "one")
	f.CreateMessage("c1", "two")

	msgs, err := f.Store.Find(f.Ctx, f.Org, []int64{1, 2, 99})
	testutil.MustNoErr(t, err, "Find")
	if len(msgs) != 2 {
		t.Errorf("Find returned %d messages, want 2", len(msgs))
	}

	msgs, err = f.Store.Find(f.Ctx, f.Org+1, []int64{1, 2})
	testutil.MustNoErr(t, err, "Find other org")
	if len(msgs) != 0 {
		t.Errorf("Find in other org returned %d messages", len(msgs))
	}

	m, err := f.Store.GetMessage(f.Ctx, f.Org, 99)
	testutil.MustNoErr(t, err, "GetMessage")
	if m != nil {
		t.Errorf("GetMessage(99) = %+v, want nil", m)
	}
}

func TestStore_QueryOrder(t *testing.T) {
	f := storetest.New(t)
	tie := storetest.BaseTime.Add(time.Hour)
	for _, id := range []int64{5, 7, 6} {
		_, err := f.Store.UpsertMessage(f.Ctx, &inbox.Message{BackendID: id, OrgID: f.Org, ReceivedOn: tie})
		testutil.MustNoErr(t, err, "UpsertMessage")
	}
	_, err := f.Store.UpsertMessage(f.Ctx, &inbox.Message{BackendID: 9, OrgID: f.Org, ReceivedOn: storetest.BaseTime})
	testutil.MustNoErr(t, err, "UpsertMessage")
	_, err = f.Store.UpsertMessage(f.Ctx, &inbox.Message{BackendID: 1, OrgID: f.Org, ReceivedOn: tie.Add(time.Minute)})
	testutil.MustNoErr(t, err, "UpsertMessage")

	testutil.AssertEqualSlices(t, f.Collect(inbox.Filter{}), 1, 7, 6, 5, 9)
}

func TestStore_QuerySpansBatches(t *testing.T) {
	f := storetest.New(t)
	const n = 250
	for range n {
		f.CreateMessage("c1", "msg")
	}

	ids := f.Collect(inbox.Filter{Folder: inbox.FolderInbox})
	if len(ids) != n {
		t.Fatalf("got %d messages, want %d", len(ids), n)
	}
	for i, id := range ids {
		if want := int64(n - i); id != want {
			t.Fatalf("ids[%d] = %d, want %d", i, id, want)
		}
	}

	// Stopping early must not yield further rows.
	count := 0
	for _, err := range f.Store.Query(f.Ctx, f.Org, inbox.Filter{}) {
		testutil.MustNoErr(t, err, "Query")
		count++
		if count == 3 {
			break
		}
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestStore_QueryFilters(t *testing.T) {
	f := storetest.New(t)
	urgent := f.CreateLabel("Urgent")
	billing := f.CreateLabel("Billing")
	f.CreateContact("c-rep", "reporters")
	f.CreateContact("c-other", "farmers")

	m1 := f.CreateMessage("c-rep", "Café outbreak URGENT")
	m2 := f.CreateMessage("c-other", "invoice attached")
	m3 := f.CreateMessage("c-rep", "hello")
	m4 := f.CreateMessage("c-other", "old news")

	testutil.MustNoErr(t, f.Store.AddLabels(f.Ctx, f.Org, []int64{m1.BackendID}, []int64{urgent.ID}), "label m1")
	testutil.MustNoErr(t, f.Store.AddLabels(f.Ctx, f.Org, []int64{m2.BackendID}, []int64{billing.ID}), "label m2")
	testutil.MustNoErr(t, f.Store.SetFlagged(f.Ctx, f.Org, []int64{m1.BackendID, m4.BackendID}, true), "flag")
	testutil.MustNoErr(t, f.Store.SetArchived(f.Ctx, f.Org, []int64{m4.BackendID}, true), "archive")

	tests := []struct {
		name   string
		filter inbox.Filter
		want   []int64
	}{
		{"all", inbox.Filter{}, []int64{4, 3, 2, 1}},
		{"inbox", inbox.Filter{Folder: inbox.FolderInbox}, []int64{3, 2, 1}},
		{"flagged", inbox.Filter{Folder: inbox.FolderFlagged}, []int64{1}},
		{"flagged with archived", inbox.Filter{Folder: inbox.FolderFlagged, IncludeArchived: true}, []int64{4, 1}},
		{"archived", inbox.Filter{Folder: inbox.FolderArchived}, []int64{4}},
		{"unlabelled", inbox.Filter{Folder: inbox.FolderUnlabelled}, []int64{3}},
		{"label", inbox.Filter{Label: ptr.Int64(urgent.ID)}, []int64{1}},
		{"text folds case and accents", inbox.Filter{Text: "cafe outbreak urgent"}, []int64{1}},
		{"text substring", inbox.Filter{Text: "VOIC"}, []int64{2}},
		{"contact", inbox.Filter{Contact: "c-rep"}, []int64{3, 1}},
		{"groups", inbox.Filter{Groups: []string{"farmers", "nobody"}}, []int64{4, 2}},
		{"after inclusive", inbox.Filter{After: ptr.Time(m3.ReceivedOn)}, []int64{4, 3}},
		{"before exclusive", inbox.Filter{Before: ptr.Time(m3.ReceivedOn)}, []int64{2, 1}},
		{"visible labels", inbox.Filter{VisibleLabels: []int64{billing.ID}}, []int64{2}},
		{"empty visible labels", inbox.Filter{VisibleLabels: []int64{}}, nil},
		{"resume", inbox.Filter{Resume: &inbox.Watermark{ReceivedOn: m3.ReceivedOn, BackendID: m3.BackendID}}, []int64{2, 1}},
		{"unknown folder", inbox.Filter{Folder: "spam"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.Collect(tt.filter)
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Query mismatch (-want +got):\n%s", diff)
			}
			n, err := f.Store.CountMessages(f.Ctx, f.Org, tt.filter)
			testutil.MustNoErr(t, err, "CountMessages")
			if n != int64(len(tt.want)) {
				t.Errorf("CountMessages = %d, want %d", n, len(tt.want))
			}
		})
	}
}

func TestStore_AddLabels(t *testing.T) {
	f := storetest.New(t)
	l := f.CreateLabel("Urgent")
	released := f.CreateLabel("Old")
	_, err := f.Store.ReleaseLabel(f.Ctx, f.Org, released.ID)
	testutil.MustNoErr(t, err, "ReleaseLabel")

	foreign := &inbox.Label{OrgID: f.Org + 1, Name: "Foreign"}
	testutil.MustNoErr(t, f.Store.CreateLabel(f.Ctx, foreign), "CreateLabel foreign")

	m := f.CreateMessage("c1", "x")
	ids := []int64{m.BackendID}
	for range 2 {
		err := f.Store.AddLabels(f.Ctx, f.Org, ids, []int64{l.ID, l.ID, released.ID, foreign.ID})
		testutil.MustNoErr(t, err, "AddLabels")
	}
	testutil.AssertEqualSlices(t, f.Get(m.BackendID).Labels, l.ID)

	for range 2 {
		testutil.MustNoErr(t, f.Store.RemoveLabels(f.Ctx, f.Org, ids, []int64{l.ID}), "RemoveLabels")
	}
	if got := f.Get(m.BackendID).Labels; len(got) != 0 {
		t.Errorf("labels after remove = %v", got)
	}
}

func TestStore_ApplyAction(t *testing.T) {
	f := storetest.New(t)
	l := f.CreateLabel("Urgent")
	released := f.CreateLabel("Old")
	_, err := f.Store.ReleaseLabel(f.Ctx, f.Org, released.ID)
	testutil.MustNoErr(t, err, "ReleaseLabel")
	m := f.CreateMessage("c1", "x")

	steps := []struct {
		act         inbox.Action
		labelID     int64
		wantChanged bool
		wantErr     error
	}{
		{inbox.ActionFlag, 0, true, nil},
		{inbox.ActionFlag, 0, false, nil},
		{inbox.ActionArchive, 0, true, nil},
		{inbox.ActionRestore, 0, true, nil},
		{inbox.ActionRestore, 0, false, nil},
		{inbox.ActionLabel, l.ID, true, nil},
		{inbox.ActionLabel, l.ID, false, nil},
		{inbox.ActionLabel, released.ID, false, inbox.ErrInvalidLabel},
		{inbox.ActionUnlabel, released.ID, false, inbox.ErrInvalidLabel},
		{inbox.ActionLabel, 999, false, inbox.ErrInvalidLabel},
		{inbox.ActionUnlabel, l.ID, true, nil},
		{inbox.ActionUnlabel, l.ID, false, nil},
		{inbox.ActionUnflag, 0, true, nil},
	}
	for i, s := range steps {
		changed, err := f.Store.ApplyAction(f.Ctx, f.Org, m.BackendID, s.act, s.labelID)
		if s.wantErr != nil {
			if !errors.Is(err, s.wantErr) {
				t.Fatalf("step %d %s: err = %v, want %v", i, s.act, err, s.wantErr)
			}
			continue
		}
		testutil.MustNoErr(t, err, string(s.act))
		if changed != s.wantChanged {
			t.Errorf("step %d %s: changed = %v, want %v", i, s.act, changed, s.wantChanged)
		}
	}

	got := f.Get(m.BackendID)
	if got.IsFlagged || got.IsArchived || len(got.Labels) != 0 {
		t.Errorf("final state = %+v, want clean", got)
	}

	// Another organization's id resolves to nothing.
	changed, err := f.Store.ApplyAction(f.Ctx, f.Org+1, m.BackendID, inbox.ActionFlag, 0)
	testutil.MustNoErr(t, err, "flag through other org")
	if changed || f.Get(m.BackendID).IsFlagged {
		t.Error("message flagged through another organization")
	}
}

func TestStore_ChangeLabels(t *testing.T) {
	f := storetest.New(t)
	a := f.CreateLabel("A")
	b := f.CreateLabel("B")
	released := f.CreateLabel("Old")
	_, err := f.Store.ReleaseLabel(f.Ctx, f.Org, released.ID)
	testutil.MustNoErr(t, err, "ReleaseLabel")
	m := f.CreateMessage("c1", "x")
	testutil.MustNoErr(t, f.Store.AddLabels(f.Ctx, f.Org, []int64{m.BackendID}, []int64{a.ID}), "AddLabels")

	added, removed, err := f.Store.ChangeLabels(f.Ctx, f.Org, m.BackendID,
		[]int64{a.ID, b.ID, released.ID}, []int64{a.ID + 1000})
	testutil.MustNoErr(t, err, "ChangeLabels")
	testutil.AssertEqualSlices(t, added, b.ID)
	if len(removed) != 0 {
		t.Errorf("removed = %v, want none", removed)
	}

	added, removed, err = f.Store.ChangeLabels(f.Ctx, f.Org, m.BackendID, nil, []int64{a.ID, b.ID})
	testutil.MustNoErr(t, err, "ChangeLabels remove")
	if len(added) != 0 {
		t.Errorf("added = %v, want none", added)
	}
	testutil.AssertEqualSlices(t, removed, a.ID, b.ID)
}

func TestStore_SetFlagsIgnoresOtherOrg(t *testing.T) {
	f := storetest.New(t)
	m := f.CreateMessage("c1", "x")
	testutil.MustNoErr(t, f.Store.SetArchived(f.Ctx, f.Org+1, []int64{m.BackendID}, true), "SetArchived")
	if f.Get(m.BackendID).IsArchived {
		t.Error("message archived through another organization")
	}
}

func TestStore_CreateLabel(t *testing.T) {
	f := storetest.New(t)
	rule := rules.Rule{
		&rules.ContainsTest{Keywords: []string{"asap"}, Quantifier: rules.Any},
		&rules.GroupsTest{Groups: []string{"reporters"}},
	}
	l := &inbox.Label{OrgID: f.Org, Name: "  Urgent ", Description: "needs a reply", Rule: rule, IsSynced: true}
	testutil.MustNoErr(t, f.Store.CreateLabel(f.Ctx, l), "CreateLabel")
	if l.ID == 0 || l.Name != "Urgent" || !l.IsActive {
		t.Fatalf("created label = %+v", l)
	}

	got, err := f.Store.GetLabel(f.Ctx, f.Org, l.ID)
	testutil.MustNoErr(t, err, "GetLabel")
	if diff := cmp.Diff(l, got); diff != "" {
		t.Errorf("label mismatch (-want +got):\n%s", diff)
	}

	byName, err := f.Store.GetLabelByName(f.Ctx, f.Org, "URGENT")
	testutil.MustNoErr(t, err, "GetLabelByName")
	if byName == nil || byName.ID != l.ID {
		t.Errorf("GetLabelByName = %+v", byName)
	}

	other, err := f.Store.GetLabel(f.Ctx, f.Org+1, l.ID)
	testutil.MustNoErr(t, err, "GetLabel other org")
	if other != nil {
		t.Errorf("label visible from another organization: %+v", other)
	}
}

func TestStore_LabelErrors(t *testing.T) {
	f := storetest.New(t)
	l := f.CreateLabel("Urgent")
	f.CreateLabel("Billing")

	tests := []struct {
		name    string
		run     func() error
		wantErr error
	}{
		{"blank name", func() error {
			return f.Store.CreateLabel(f.Ctx, &inbox.Label{OrgID: f.Org, Name: " "})
		}, inbox.ErrInvalidLabel},
		{"duplicate name", func() error {
			return f.Store.CreateLabel(f.Ctx, &inbox.Label{OrgID: f.Org, Name: "urgent"})
		}, inbox.ErrDuplicateLabel},
		{"rename onto existing", func() error {
			return f.Store.UpdateLabel(f.Ctx, &inbox.Label{ID: l.ID, OrgID: f.Org, Name: "billing"})
		}, inbox.ErrDuplicateLabel},
		{"update missing", func() error {
			return f.Store.UpdateLabel(f.Ctx, &inbox.Label{ID: 999, OrgID: f.Org, Name: "x"})
		}, inbox.ErrInvalidLabel},
		{"release missing", func() error {
			_, err := f.Store.ReleaseLabel(f.Ctx, f.Org, 999)
			return err
		}, inbox.ErrInvalidLabel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	// Same name is fine in another organization.
	testutil.MustNoErr(t, f.Store.CreateLabel(f.Ctx, &inbox.Label{OrgID: f.Org + 1, Name: "Urgent"}), "CreateLabel other org")
}

func TestStore_UpdateLabel(t *testing.T) {
	f := storetest.New(t)
	l := f.CreateLabel("Urgent", "asap")

	l.Name = "Critical"
	l.Rule = rules.Rule{&rules.ContainsTest{Keywords: []string{"now"}, Quantifier: rules.All}}
	testutil.MustNoErr(t, f.Store.UpdateLabel(f.Ctx, l), "UpdateLabel")

	got, err := f.Store.GetLabel(f.Ctx, f.Org, l.ID)
	testutil.MustNoErr(t, err, "GetLabel")
	if diff := cmp.Diff(l, got); diff != "" {
		t.Errorf("label mismatch (-want +got):\n%s", diff)
	}

	_, err = f.Store.ReleaseLabel(f.Ctx, f.Org, l.ID)
	testutil.MustNoErr(t, err, "ReleaseLabel")
	if err := f.Store.UpdateLabel(f.Ctx, l); !errors.Is(err, inbox.ErrLabelReleased) {
		t.Errorf("update released label err = %v, want ErrLabelReleased", err)
	}
}

func TestStore_BadRuleDecodesAsEmpty(t *testing.T) {
	f := storetest.New(t)
	l := f.CreateLabel("Urgent", "asap")
	_, err := f.Store.DB().Exec(`UPDATE labels SET rule = '{not json' WHERE id = ?`, l.ID)
	testutil.MustNoErr(t, err, "corrupt rule")

	got, err := f.Store.GetLabel(f.Ctx, f.Org, l.ID)
	testutil.MustNoErr(t, err, "GetLabel")
	if len(got.Rule) != 0 {
		t.Errorf("rule = %v, want empty", got.Rule)
	}
}

func TestStore_ReleaseLabel(t *testing.T) {
	f := storetest.New(t)
	l := f.CreateLabel("Urgent")
	keep := f.CreateLabel("Billing")
	m1 := f.CreateMessage("c1", "a")
	m2 := f.CreateMessage("c1", "b")
	f.CreateMessage("c1", "c")
	ids := []int64{m1.BackendID, m2.BackendID}
	testutil.MustNoErr(t, f.Store.AddLabels(f.Ctx, f.Org, ids, []int64{l.ID, keep.ID}), "AddLabels")

	n, err := f.Store.ReleaseLabel(f.Ctx, f.Org, l.ID)
	testutil.MustNoErr(t, err, "ReleaseLabel")
	if n != 2 {
		t.Errorf("ReleaseLabel affected %d, want 2", n)
	}
	testutil.AssertEqualSlices(t, f.Get(m1.BackendID).Labels, keep.ID)

	active, err := f.Store.ActiveLabels(f.Ctx, f.Org)
	testutil.MustNoErr(t, err, "ActiveLabels")
	if len(active) != 1 || active[0].ID != keep.ID {
		t.Errorf("ActiveLabels = %+v", active)
	}
	all, err := f.Store.ListLabels(f.Ctx, f.Org, true)
	testutil.MustNoErr(t, err, "ListLabels")
	if len(all) != 2 || all[0].IsActive {
		t.Errorf("ListLabels(true) = %+v", all)
	}

	events, err := f.Store.PendingEvents(f.Ctx, 10)
	testutil.MustNoErr(t, err, "PendingEvents")
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	for _, e := range events {
		if e.ID == "" || e.OrgID != f.Org || len(e.Added) != 0 {
			t.Errorf("unexpected event %+v", e)
		}
		testutil.AssertEqualSlices(t, e.Removed, l.ID)
	}

	// A released name can be reused, and a second release is a no-op.
	f.CreateLabel("Urgent")
	n, err = f.Store.ReleaseLabel(f.Ctx, f.Org, l.ID)
	testutil.MustNoErr(t, err, "second ReleaseLabel")
	if n != 0 {
		t.Errorf("second release affected %d", n)
	}
}

func TestStore_LabelCounts(t *testing.T) {
	f := storetest.New(t)
	l := f.CreateLabel("Urgent")
	m1 := f.CreateMessage("c1", "a")
	m2 := f.CreateMessage("c1", "b")
	testutil.MustNoErr(t, f.Store.AddLabels(f.Ctx, f.Org, []int64{m1.BackendID, m2.BackendID}, []int64{l.ID}), "AddLabels")
	testutil.MustNoErr(t, f.Store.SetArchived(f.Ctx, f.Org, []int64{m2.BackendID}, true), "SetArchived")

	counts, err := f.Store.LabelCounts(f.Ctx, f.Org)
	testutil.MustNoErr(t, err, "LabelCounts")
	if diff := cmp.Diff(map[int64]int64{l.ID: 1}, counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_Contacts(t *testing.T) {
	f := storetest.New(t)
	c := &inbox.Contact{
		OrgID:  f.Org,
		Ref:    "c1",
		Name:   "Ann",
		Groups: []string{"reporters", "farmers", "reporters"},
		Fields: map[string]string{"tier": "gold", "district": "north"},
	}
	testutil.MustNoErr(t, f.Store.UpsertContact(f.Ctx, c), "UpsertContact")

	got, err := f.Store.GetContact(f.Ctx, f.Org, "c1")
	testutil.MustNoErr(t, err, "GetContact")
	want := &inbox.Contact{
		OrgID:  f.Org,
		Ref:    "c1",
		Name:   "Ann",
		Groups: []string{"farmers", "reporters"},
		Fields: map[string]string{"tier": "gold", "district": "north"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("contact mismatch (-want +got):\n%s", diff)
	}

	// Upsert replaces groups and fields.
	c.Groups = []string{"nurses"}
	c.Fields = nil
	testutil.MustNoErr(t, f.Store.UpsertContact(f.Ctx, c), "UpsertContact again")

	groups, err := f.Store.GroupMembership(f.Ctx, f.Org, "c1")
	testutil.MustNoErr(t, err, "GroupMembership")
	testutil.AssertEqualSlices(t, groups, "nurses")

	_, ok, err := f.Store.FieldValue(f.Ctx, f.Org, "c1", "tier")
	testutil.MustNoErr(t, err, "FieldValue")
	if ok {
		t.Error("field tier should have been removed")
	}

	groups, err = f.Store.GroupMembership(f.Ctx, f.Org, "unknown")
	testutil.MustNoErr(t, err, "GroupMembership unknown")
	if len(groups) != 0 {
		t.Errorf("unknown contact groups = %v", groups)
	}

	missing, err := f.Store.GetContact(f.Ctx, f.Org, "unknown")
	testutil.MustNoErr(t, err, "GetContact unknown")
	if missing != nil {
		t.Errorf("GetContact(unknown) = %+v", missing)
	}

	if err := f.Store.UpsertContact(f.Ctx, &inbox.Contact{OrgID: f.Org}); err == nil {
		t.Error("expected error for contact without ref")
	}
}

func TestStore_History(t *testing.T) {
	f := storetest.New(t)
	at := storetest.BaseTime
	records := []inbox.ActionRecord{
		{OrgID: f.Org, BackendID: 1, Action: inbox.ActionFlag, UserID: 7, CreatedOn: at},
		{OrgID: f.Org, BackendID: 1, Action: inbox.ActionLabel, LabelID: ptr.Int64(3), UserID: 7, CreatedOn: at.Add(time.Minute)},
		{OrgID: f.Org, BackendID: 2, Action: inbox.ActionArchive, UserID: 7, CreatedOn: at},
	}
	testutil.MustNoErr(t, f.Store.RecordActions(f.Ctx, records), "RecordActions")

	got, err := f.Store.MessageHistory(f.Ctx, f.Org, 1)
	testutil.MustNoErr(t, err, "MessageHistory")
	want := []inbox.ActionRecord{records[1], records[0]}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(inbox.ActionRecord{}, "ID")); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_Outbox(t *testing.T) {
	f := storetest.New(t)
	at := storetest.BaseTime
	events := []inbox.LabelsChanged{
		{ID: "e1", OrgID: f.Org, BackendID: 1, Added: []int64{2}, At: at},
		{ID: "e2", OrgID: f.Org, BackendID: 2, Removed: []int64{3, 4}, At: at.Add(time.Second)},
	}
	testutil.MustNoErr(t, f.Store.Publish(f.Ctx, events), "Publish")
	// Re-publishing the same event ids is ignored.
	testutil.MustNoErr(t, f.Store.Publish(f.Ctx, events[:1]), "Publish again")

	got, err := f.Store.PendingEvents(f.Ctx, 10)
	testutil.MustNoErr(t, err, "PendingEvents")
	if diff := cmp.Diff(events, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	testutil.MustNoErr(t, f.Store.MarkDispatched(f.Ctx, []string{"e1"}, at), "MarkDispatched")
	n, err := f.Store.PendingCount(f.Ctx)
	testutil.MustNoErr(t, err, "PendingCount")
	if n != 1 {
		t.Errorf("PendingCount = %d, want 1", n)
	}

	stats, err := f.Store.GetStats(f.Ctx)
	testutil.MustNoErr(t, err, "GetStats")
	if stats.PendingEvents != 1 {
		t.Errorf("stats.PendingEvents = %d, want 1", stats.PendingEvents)
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wesm/casevault/internal/actions"
	"github.com/wesm/casevault/internal/config"
	"github.com/wesm/casevault/internal/inbox"
	"github.com/wesm/casevault/internal/labels"
	"github.com/wesm/casevault/internal/scheduler"
	"github.com/wesm/casevault/internal/search"
	"github.com/wesm/casevault/internal/testutil"
	"github.com/wesm/casevault/internal/testutil/storetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncScheduler runs submitted jobs inline and records their names.
type syncScheduler struct {
	mu    sync.Mutex
	names []string
}

func (s *syncScheduler) Submit(name, kind string, fn scheduler.JobFunc) error {
	s.mu.Lock()
	s.names = append(s.names, name)
	s.mu.Unlock()
	return fn(context.Background())
}

func (s *syncScheduler) Status() []JobStatus {
	return []JobStatus{{Name: scheduler.RelabelJobName(1), Kind: scheduler.KindRelabel, Schedule: "0 2 * * *"}}
}

func (s *syncScheduler) IsRunning() bool { return true }

type testEnv struct {
	t     *testing.T
	f     *storetest.Fixture
	srv   *Server
	sched *syncScheduler
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	f := storetest.New(t)
	cfg := config.Default(t.TempDir())
	cfg.Server.RateLimitRPS = 1000
	cfg.Server.RateBurst = 1000
	if mutate != nil {
		mutate(cfg)
	}

	logger := testLogger()
	st := f.Store
	matcher := labels.NewMatcher(st, st).WithLogger(logger)
	sched := &syncScheduler{}
	svc := Services{
		Store:     st,
		Search:    search.NewEngine(st).WithPageSize(2).WithLogger(logger),
		Actions:   actions.NewCoordinator(st, st, st, st).WithLogger(logger),
		Labeller:  labels.NewLabeller(st, st, matcher, st).WithLogger(logger),
		Scheduler: sched,
	}
	srv := NewServer(cfg, svc, logger)
	srv.now = func() time.Time { return storetest.BaseTime.Add(24 * time.Hour) }
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return &testEnv{t: t, f: f, srv: srv, sched: sched}
}

// do sends a request with an optional JSON body and header pairs.
func (e *testEnv) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		testutil.MustNoErr(e.t, err, "marshal body")
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func wantStatus(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, status, w.Body.String())
	}
	if code != "" {
		if got := decode[ErrorResponse](t, w).Error; got != code {
			t.Errorf("error code = %q, want %q", got, code)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Server.APIKey = "secret" })

	w := e.do("GET", "/health", nil)
	wantStatus(t, w, http.StatusOK, "")
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("health body = %s", w.Body.String())
	}

	w = e.do("GET", "/metrics", nil)
	wantStatus(t, w, http.StatusOK, "")
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("metrics output missing go_goroutines")
	}
}

func TestAuth(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Server.APIKey = "secret" })

	tests := []struct {
		name    string
		headers []string
		want    int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", []string{"X-API-Key", "nope"}, http.StatusUnauthorized},
		{"x-api-key", []string{"X-API-Key", "secret"}, http.StatusOK},
		{"bearer", []string{"Authorization", "Bearer secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do("GET", "/api/v1/orgs/1/labels", nil, tt.headers...)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestScopeValidation(t *testing.T) {
	e := newTestEnv(t, nil)

	wantStatus(t, e.do("GET", "/api/v1/orgs/abc/labels", nil), http.StatusBadRequest, "invalid_org")
	wantStatus(t, e.do("GET", "/api/v1/orgs/0/labels", nil), http.StatusBadRequest, "invalid_org")
	wantStatus(t, e.do("GET", "/api/v1/orgs/1/labels", nil, "X-User-ID", "x"), http.StatusBadRequest, "invalid_user")
	wantStatus(t, e.do("GET", "/api/v1/orgs/1/labels", nil, "X-Visible-Labels", "1,b"), http.StatusBadRequest, "invalid_visible_labels")
}

func TestLabelLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)
	m1 := e.f.CreateMessage("c1", "need help ASAP")
	e.f.CreateMessage("c1", "hello")

	// Create: existing messages are relabelled through the scheduler.
	w := e.do("POST", "/api/v1/orgs/1/labels", LabelRequest{Name: "Urgent", Keywords: []string{"asap"}})
	wantStatus(t, w, http.StatusCreated, "")
	created := decode[LabelResponse](t, w)
	testutil.AssertEqualSlices(t, created.Keywords, "asap")
	if !created.IsActive || created.ID == 0 {
		t.Errorf("created = %+v", created)
	}
	testutil.AssertEqualSlices(t, e.f.Get(m1.BackendID).Labels, created.ID)
	if len(e.sched.names) != 1 {
		t.Errorf("resync submissions = %v", e.sched.names)
	}

	wantStatus(t, e.do("POST", "/api/v1/orgs/1/labels", LabelRequest{Name: "urgent"}), http.StatusConflict, "duplicate_label")
	wantStatus(t, e.do("POST", "/api/v1/orgs/1/labels", LabelRequest{
		Name: "Bad", Field: &FieldRule{Key: "age", Comparator: "between", Value: "3"},
	}), http.StatusBadRequest, "invalid_label")
	wantStatus(t, e.do("POST", "/api/v1/orgs/1/labels", map[string]any{"name": "X", "bogus": 1}), http.StatusBadRequest, "invalid_body")

	// List carries counts.
	w = e.do("GET", "/api/v1/orgs/1/labels", nil)
	wantStatus(t, w, http.StatusOK, "")
	list := decode[struct {
		Labels []LabelResponse `json:"labels"`
	}](t, w)
	if len(list.Labels) != 1 || list.Labels[0].Count != 1 {
		t.Errorf("labels = %+v", list.Labels)
	}

	// Update to a rule that no longer matches m1; the re-sync removes it.
	w = e.do("PUT", "/api/v1/orgs/1/labels/"+itoa(created.ID), LabelRequest{
		Name: "Urgent", Keywords: []string{"emergency"}, Field: &FieldRule{Key: "tier", Value: "gold"},
	})
	wantStatus(t, w, http.StatusOK, "")
	updated := decode[LabelResponse](t, w)
	if diff := cmp.Diff(&FieldRule{Key: "tier", Comparator: "eq", Value: "gold"}, updated.Field); diff != "" {
		t.Errorf("field mismatch (-want +got):\n%s", diff)
	}
	if got := e.f.Get(m1.BackendID).Labels; len(got) != 0 {
		t.Errorf("labels after update = %v", got)
	}

	wantStatus(t, e.do("PUT", "/api/v1/orgs/1/labels/999", LabelRequest{Name: "X"}), http.StatusBadRequest, "invalid_label")

	// Release.
	w = e.do("DELETE", "/api/v1/orgs/1/labels/"+itoa(created.ID), nil)
	wantStatus(t, w, http.StatusOK, "")
	wantStatus(t, e.do("PUT", "/api/v1/orgs/1/labels/"+itoa(created.ID), LabelRequest{Name: "Urgent"}), http.StatusConflict, "label_released")
	wantStatus(t, e.do("DELETE", "/api/v1/orgs/1/labels/abc", nil), http.StatusBadRequest, "invalid_id")
}

func TestInboundLabelsMessage(t *testing.T) {
	e := newTestEnv(t, nil)
	urgent := e.f.CreateLabel("Urgent", "asap")

	w := e.do("POST", "/api/v1/orgs/1/contacts", ContactRequest{UUID: "c-rep", Name: "Ann", Groups: []string{"reporters"}})
	wantStatus(t, w, http.StatusOK, "")
	wantStatus(t, e.do("POST", "/api/v1/orgs/1/contacts", ContactRequest{Name: "No ref"}), http.StatusBadRequest, "invalid_contact")

	body := InboundRequest{ID: 100, Contact: "c-rep", Text: "please reply asap", ReceivedOn: storetest.BaseTime}
	w = e.do("POST", "/api/v1/orgs/1/messages", body)
	wantStatus(t, w, http.StatusCreated, "")
	resp := decode[InboundResponse](t, w)
	testutil.AssertEqualSlices(t, resp.Added, urgent.ID)
	testutil.AssertEqualSlices(t, resp.Message.Labels, urgent.ID)

	// Redelivery updates in place and adds nothing.
	w = e.do("POST", "/api/v1/orgs/1/messages", body)
	wantStatus(t, w, http.StatusOK, "")
	resp = decode[InboundResponse](t, w)
	if resp.Created || len(resp.Added) != 0 {
		t.Errorf("redelivery = %+v", resp)
	}
	testutil.AssertEqualSlices(t, resp.Message.Labels, urgent.ID)

	wantStatus(t, e.do("POST", "/api/v1/orgs/1/messages", InboundRequest{Text: "x"}), http.StatusBadRequest, "invalid_id")
}

func TestSearch(t *testing.T) {
	e := newTestEnv(t, nil)
	urgent := e.f.CreateLabel("Urgent")
	for range 3 {
		e.f.CreateMessage("c1", "help me")
	}
	m4 := e.f.CreateMessage("c2", "invoice")
	testutil.MustNoErr(t, e.f.Store.AddLabels(e.f.Ctx, e.f.Org, []int64{m4.BackendID}, []int64{urgent.ID}), "AddLabels")

	type page struct {
		Results []inbox.Message `json:"results"`
		HasMore bool            `json:"has_more"`
		Next    string          `json:"next"`
	}
	pageIDs := func(p page) []int64 {
		var ids []int64
		for _, m := range p.Results {
			ids = append(ids, m.BackendID)
		}
		return ids
	}

	w := e.do("GET", "/api/v1/orgs/1/messages/search?folder=inbox", nil)
	wantStatus(t, w, http.StatusOK, "")
	p1 := decode[page](t, w)
	testutil.AssertEqualSlices(t, pageIDs(p1), 4, 3)
	if !p1.HasMore || p1.Next == "" {
		t.Fatalf("first page = %+v", p1)
	}

	w = e.do("GET", "/api/v1/orgs/1/messages/search?folder=inbox&token="+p1.Next, nil)
	wantStatus(t, w, http.StatusOK, "")
	p2 := decode[page](t, w)
	testutil.AssertEqualSlices(t, pageIDs(p2), 2, 1)
	if p2.HasMore {
		t.Error("second page should be last")
	}

	w = e.do("GET", "/api/v1/orgs/1/messages/search?q=label:urgent", nil)
	wantStatus(t, w, http.StatusOK, "")
	testutil.AssertEqualSlices(t, pageIDs(decode[page](t, w)), 4)

	w = e.do("GET", "/api/v1/orgs/1/messages/search?folder=inbox&text=HELP&contact=c1", nil)
	wantStatus(t, w, http.StatusOK, "")
	testutil.AssertEqualSlices(t, pageIDs(decode[page](t, w)), 3, 2)

	// A restricted user only sees messages with a visible label.
	w = e.do("GET", "/api/v1/orgs/1/messages/search?folder=inbox", nil, "X-Visible-Labels", itoa(urgent.ID))
	wantStatus(t, w, http.StatusOK, "")
	testutil.AssertEqualSlices(t, pageIDs(decode[page](t, w)), 4)

	w = e.do("GET", "/api/v1/orgs/1/messages/search?folder=archived", nil)
	wantStatus(t, w, http.StatusOK, "")
	if !strings.Contains(w.Body.String(), `"results":[]`) {
		t.Errorf("empty page body = %s", w.Body.String())
	}

	wantStatus(t, e.do("GET", "/api/v1/orgs/1/messages/search?folder=spam", nil), http.StatusBadRequest, "invalid_folder")
	wantStatus(t, e.do("GET", "/api/v1/orgs/1/messages/search?folder=inbox&token=garbage", nil), http.StatusBadRequest, "invalid_token")
	wantStatus(t, e.do("GET", "/api/v1/orgs/1/messages/search?folder=inbox&after=yesterday", nil), http.StatusBadRequest, "invalid_param")
	wantStatus(t, e.do("GET", "/api/v1/orgs/1/messages/search?q=label:missing", nil), http.StatusBadRequest, "invalid_param")
}

func TestBulkActions(t *testing.T) {
	e := newTestEnv(t, nil)
	urgent := e.f.CreateLabel("Urgent")
	foreign := &inbox.Label{OrgID: 2, Name: "Foreign"}
	testutil.MustNoErr(t, e.f.Store.CreateLabel(e.f.Ctx, foreign), "CreateLabel foreign")
	m1 := e.f.CreateMessage("c1", "a")
	m2 := e.f.CreateMessage("c1", "b")
	ids := []int64{m1.BackendID, m2.BackendID, 999}

	w := e.do("POST", "/api/v1/orgs/1/messages/action/flag", ActionRequest{Messages: ids}, "X-User-ID", "7")
	wantStatus(t, w, http.StatusOK, "")
	res := decode[actions.Result](t, w)
	if res.Applied != 2 || res.Changed != 2 {
		t.Errorf("flag result = %+v", res)
	}

	w = e.do("POST", "/api/v1/orgs/1/messages/action/label", ActionRequest{Messages: ids, Label: urgent.ID}, "X-User-ID", "7")
	wantStatus(t, w, http.StatusOK, "")
	testutil.AssertEqualSlices(t, e.f.Get(m2.BackendID).Labels, urgent.ID)

	wantStatus(t, e.do("POST", "/api/v1/orgs/1/messages/action/label", ActionRequest{Messages: ids, Label: foreign.ID}),
		http.StatusBadRequest, "invalid_label")
	wantStatus(t, e.do("POST", "/api/v1/orgs/1/messages/action/explode", ActionRequest{Messages: ids}),
		http.StatusBadRequest, "unknown_action")

	w = e.do("GET", "/api/v1/orgs/1/messages/"+itoa(m1.BackendID)+"/history", nil)
	wantStatus(t, w, http.StatusOK, "")
	hist := decode[struct {
		Actions []inbox.ActionRecord `json:"actions"`
	}](t, w)
	if len(hist.Actions) != 2 || hist.Actions[0].UserID != 7 {
		t.Errorf("history = %+v", hist.Actions)
	}
}

func TestSetLabels(t *testing.T) {
	e := newTestEnv(t, nil)
	urgent := e.f.CreateLabel("Urgent")
	billing := e.f.CreateLabel("Billing")
	m := e.f.CreateMessage("c1", "a")
	testutil.MustNoErr(t, e.f.Store.AddLabels(e.f.Ctx, e.f.Org, []int64{m.BackendID}, []int64{urgent.ID}), "AddLabels")

	w := e.do("POST", "/api/v1/orgs/1/messages/"+itoa(m.BackendID)+"/labels", SetLabelsRequest{Labels: []int64{billing.ID}})
	wantStatus(t, w, http.StatusOK, "")
	ch := decode[labels.Change](t, w)
	testutil.AssertEqualSlices(t, ch.Added, billing.ID)
	testutil.AssertEqualSlices(t, ch.Removed, urgent.ID)

	wantStatus(t, e.do("POST", "/api/v1/orgs/1/messages/999/labels", SetLabelsRequest{}), http.StatusNotFound, "not_found")
}

func TestSchedulerStatusAndStats(t *testing.T) {
	e := newTestEnv(t, nil)
	e.f.CreateMessage("c1", "a")

	w := e.do("GET", "/api/v1/scheduler/status", nil)
	wantStatus(t, w, http.StatusOK, "")
	st := decode[SchedulerStatusResponse](t, w)
	if !st.Running || len(st.Jobs) != 1 || st.Jobs[0].Kind != scheduler.KindRelabel {
		t.Errorf("scheduler status = %+v", st)
	}

	w = e.do("GET", "/api/v1/stats", nil)
	wantStatus(t, w, http.StatusOK, "")
	if stats := decode[StoreStats](t, w); stats.MessageCount != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRateLimit(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) {
		c.Server.RateLimitRPS = 0.001
		c.Server.RateBurst = 1
	})

	wantStatus(t, e.do("GET", "/health", nil), http.StatusOK, "")
	w := e.do("GET", "/health", nil)
	wantStatus(t, w, http.StatusTooManyRequests, "rate_limit_exceeded")
}

func TestRateLimiterEvict(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	defer rl.Close()
	rl.Allow("a")
	rl.evict(time.Now().Add(time.Minute))
	if len(rl.limiters) != 0 {
		t.Errorf("limiters after evict = %d", len(rl.limiters))
	}
	rl.Close() // idempotent
}

func TestCORS(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Server.CORSOrigins = []string{"http://app.local"} })

	w := e.do("OPTIONS", "/api/v1/orgs/1/labels", nil, "Origin", "http://app.local")
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://app.local" {
		t.Errorf("Allow-Origin = %q", got)
	}

	w = e.do("GET", "/health", nil, "Origin", "http://evil.local")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin for unknown origin = %q", got)
	}
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"admitq/internal/admission"
	"admitq/internal/events"
	"admitq/internal/executor"
	"admitq/internal/history"
	"admitq/internal/models"
	"admitq/internal/resources"
	"admitq/internal/scheduler"
)

const testSecret = "test-secret"

var (
	plenty = resources.Build(8, 0, 16, 16, 0)
	scarce = resources.Build(8, 100, 16, 0, 100)
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeHistory struct {
	last    history.Filter
	records []models.TaskRecord
	err     error
}

func (f *fakeHistory) List(ctx context.Context, filter history.Filter) ([]models.TaskRecord, error) {
	f.last = filter
	return f.records, f.err
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

type testEnv struct {
	srv      *Server
	sched    *scheduler.Scheduler
	provider *resources.StaticProvider
	tokens   *Tokens
}

func newTestEnv(t *testing.T, snap resources.Snapshot, mutate func(*Options)) *testEnv {
	t.Helper()
	provider := resources.NewStaticProvider(snap)
	sched, err := scheduler.New(scheduler.Options{
		Admission:     admission.NewController(provider, admission.StrictMode, quietLogger()),
		Broker:        events.NewBroker(64, quietLogger()),
		Logger:        quietLogger(),
		CheckInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	catalog, err := executor.NewCatalog(nil, nil, nil)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	tokens := NewTokens(testSecret, time.Minute)
	opts := Options{
		Scheduler:  sched,
		Catalog:    catalog,
		Tokens:     tokens,
		AuthLimit:  100,
		AuthWindow: time.Minute,
		KeepAlive:  time.Hour,
		Logger:     quietLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return &testEnv{srv: srv, sched: sched, provider: provider, tokens: opts.Tokens}
}

func (e *testEnv) token(t *testing.T, id Identity) string {
	t.Helper()
	tok, err := e.tokens.IssueIdentity(id, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

var (
	admin = Identity{UserID: "root", Admin: true}
	alice = Identity{UserID: "alice"}
	bob   = Identity{UserID: "bob"}
)

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t, plenty, nil)

	if w := env.do(t, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/healthz", "garbage", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", w.Code)
	}
	w := env.do(t, http.MethodGet, "/healthz", env.token(t, alice), nil)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("expected ok, got %d %q", w.Code, w.Body.String())
	}

	other := NewTokens("other-secret", time.Minute)
	forged, _ := other.IssueIdentity(admin, time.Hour)
	if w := env.do(t, http.MethodGet, "/healthz", forged, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign signature, got %d", w.Code)
	}
}

func TestAuthenticateDisabledIsAdmin(t *testing.T) {
	env := newTestEnv(t, plenty, func(o *Options) { o.Tokens = NewTokens("", 0) })
	w := env.do(t, http.MethodDelete, "/api/system/history", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected anonymous admin, got %d %s", w.Code, w.Body.String())
	}
}

func TestAuthenticateRateLimit(t *testing.T) {
	env := newTestEnv(t, plenty, func(o *Options) { o.AuthLimit = 1 })

	if w := env.do(t, http.MethodGet, "/metrics", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/metrics", "", nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}

func TestAuthenticateAllowlist(t *testing.T) {
	allowlist, err := ParseCIDRAllowlist([]string{"192.0.2.0/24"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env := newTestEnv(t, plenty, func(o *Options) {
		o.Allowlist = allowlist
		o.Tokens = NewTokens("", 0)
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "198.51.100.10:1234"
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "192.0.2.10:1234"
	w = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected allowed host, got %d", w.Code)
	}
}

func TestHealthReportsDatabase(t *testing.T) {
	env := newTestEnv(t, plenty, func(o *Options) { o.Health = fakePinger{err: errors.New("down")} })
	if w := env.do(t, http.MethodGet, "/healthz", env.token(t, admin), nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, plenty, nil)
	w := env.do(t, http.MethodGet, "/metrics", env.token(t, admin), nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Fatalf("expected prometheus output, got %d", w.Code)
	}
}

func TestResourcesEndpoints(t *testing.T) {
	env := newTestEnv(t, scarce, nil)
	if _, err := env.sched.Enqueue(context.Background(), models.TaskBacktest, noopJob, 0, scheduler.WithUserID("alice")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := env.sched.Enqueue(context.Background(), models.TaskBacktest, noopJob, 0, scheduler.WithUserID("bob")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := env.do(t, http.MethodGet, "/api/system/resources", env.token(t, alice), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resources: %d %s", w.Code, w.Body.String())
	}
	body := decode[resourcesResponse](t, w)
	if body.Resources.Mode != "strict" || body.Resources.CPU.TotalCores != 8 {
		t.Fatalf("unexpected summary %+v", body.Resources)
	}
	if body.Queue == nil || body.Queue.QueuedCount != 1 || body.Queue.QueuedTasks[0].UserID != "alice" {
		t.Fatalf("expected alice's task only, got %+v", body.Queue)
	}

	status := decode[scheduler.QueueStatus](t, env.do(t, http.MethodGet, "/api/system/queue", env.token(t, admin), nil))
	if status.QueuedCount != 2 {
		t.Fatalf("admin should see both tasks, got %d", status.QueuedCount)
	}

	only := decode[map[string]json.RawMessage](t, env.do(t, http.MethodGet, "/api/system/resources-only", env.token(t, alice), nil))
	if _, ok := only["queue"]; ok {
		t.Fatal("resources-only must not include the queue")
	}

	env.provider.SetError(errors.New("sampling failed"))
	if w := env.do(t, http.MethodGet, "/api/system/resources-only", env.token(t, alice), nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when sampling fails, got %d", w.Code)
	}
}

func TestAdmissionEndpoint(t *testing.T) {
	env := newTestEnv(t, plenty, nil)
	tok := env.token(t, alice)

	body := decode[admissionResponse](t, env.do(t, http.MethodGet, "/api/system/admission/backtest", tok, nil))
	if !body.CanRun || body.TaskType != models.TaskBacktest {
		t.Fatalf("expected approval, got %+v", body)
	}
	if w := env.do(t, http.MethodGet, "/api/system/admission/render", tok, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", w.Code)
	}

	env.provider.Set(scarce)
	body = decode[admissionResponse](t, env.do(t, http.MethodGet, "/api/system/admission/prediction", tok, nil))
	if body.CanRun || !strings.HasPrefix(body.Reason, "Insufficient CPU") {
		t.Fatalf("expected CPU denial, got %+v", body)
	}
}

func TestSubmitTask(t *testing.T) {
	env := newTestEnv(t, plenty, nil)
	tok := env.token(t, alice)

	w := env.do(t, http.MethodPost, "/api/tasks", tok, submitRequest{Job: "sleep", Args: []string{"1ms", "1"}, Description: "warmup"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", w.Code, w.Body.String())
	}
	res := decode[scheduler.SubmitResult](t, w)
	if res.Queued || res.TaskID == "" {
		t.Fatalf("expected immediate start, got %+v", res)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := env.sched.GetTask(res.TaskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if rec.Status == models.StatusCompleted {
			if rec.UserID != "alice" || rec.Type != models.TaskPrediction {
				t.Fatalf("unexpected record %+v", rec)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task did not complete, status %s", rec.Status)
		}
		time.Sleep(2 * time.Millisecond)
	}

	env.provider.Set(scarce)
	w = env.do(t, http.MethodPost, "/api/tasks", tok, submitRequest{Job: "sleep", TaskType: "backtest", TaskID: "bt-1"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", w.Code, w.Body.String())
	}
	if res := decode[scheduler.SubmitResult](t, w); !res.Queued || res.Position != 1 || res.TaskID != "bt-1" {
		t.Fatalf("expected queued at 1, got %+v", res)
	}
}

func TestSubmitTaskErrors(t *testing.T) {
	env := newTestEnv(t, scarce, nil)
	tok := env.token(t, alice)
	if _, err := env.sched.Enqueue(context.Background(), models.TaskBacktest, noopJob, 0, scheduler.WithTaskID("taken")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	tests := []struct {
		name string
		body any
		want int
	}{
		{"unknown job", submitRequest{Job: "missing"}, http.StatusBadRequest},
		{"bad args", submitRequest{Job: "sleep", Args: []string{"soon"}}, http.StatusBadRequest},
		{"bad type", submitRequest{Job: "sleep", TaskType: "render"}, http.StatusBadRequest},
		{"duplicate", submitRequest{Job: "sleep", TaskID: "taken"}, http.StatusConflict},
		{"unknown field", map[string]any{"job": "sleep", "command": "rm -rf /"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, http.MethodPost, "/api/tasks", tok, tt.body); w.Code != tt.want {
				t.Fatalf("expected %d, got %d %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestSubmitTaskBlockedJob(t *testing.T) {
	catalog, err := executor.NewCatalog(nil, []string{"reports.*"}, nil)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	env := newTestEnv(t, plenty, func(o *Options) { o.Catalog = catalog })
	w := env.do(t, http.MethodPost, "/api/tasks", env.token(t, alice), submitRequest{Job: "sleep"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestGetTaskVisibility(t *testing.T) {
	env := newTestEnv(t, scarce, nil)
	ctx := context.Background()
	env.sched.Enqueue(ctx, models.TaskBacktest, noopJob, 0, scheduler.WithTaskID("a-1"), scheduler.WithUserID("alice"))
	env.sched.Enqueue(ctx, models.TaskBacktest, noopJob, 0, scheduler.WithTaskID("a-2"), scheduler.WithUserID("alice"))

	w := env.do(t, http.MethodGet, "/api/tasks/a-2", env.token(t, alice), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("owner lookup: %d", w.Code)
	}
	body := decode[taskResponse](t, w)
	if body.ID != "a-2" || body.Status != models.StatusQueued || body.QueuePosition != 2 {
		t.Fatalf("unexpected task %+v", body)
	}

	if w := env.do(t, http.MethodGet, "/api/tasks/a-2", env.token(t, bob), nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for other user, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/tasks/a-2", env.token(t, admin), nil); w.Code != http.StatusOK {
		t.Fatalf("expected admin access, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/tasks/nope", env.token(t, admin), nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", w.Code)
	}
}

func TestListJobsHidesCommands(t *testing.T) {
	catalog, err := executor.NewCatalog([]executor.Definition{
		{Name: "train.nightly", TaskType: models.TaskModelTraining, Command: []string{"secret-script"}},
	}, nil, nil)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	env := newTestEnv(t, plenty, func(o *Options) { o.Catalog = catalog })
	w := env.do(t, http.MethodGet, "/api/jobs", env.token(t, alice), nil)
	if strings.Contains(w.Body.String(), "secret-script") {
		t.Fatalf("job commands leaked: %s", w.Body.String())
	}
	defs := decode[[]executor.Definition](t, w)
	if len(defs) != 2 || defs[0].Name != "sleep" || defs[1].Name != "train.nightly" {
		t.Fatalf("unexpected jobs %+v", defs)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	store := &fakeHistory{records: []models.TaskRecord{{ID: "old", Status: models.StatusCompleted}}}
	env := newTestEnv(t, plenty, func(o *Options) { o.History = store })

	w := env.do(t, http.MethodGet, "/api/system/history?user_id=bob&status=failed&limit=5", env.token(t, alice), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history: %d %s", w.Code, w.Body.String())
	}
	if store.last.UserID != "alice" || store.last.Status != models.StatusFailed || store.last.Limit != 5 {
		t.Fatalf("non-admin filter not scoped: %+v", store.last)
	}
	env.do(t, http.MethodGet, "/api/system/history?user_id=bob", env.token(t, admin), nil)
	if store.last.UserID != "bob" {
		t.Fatalf("admin filter should pass through, got %+v", store.last)
	}
	if w := env.do(t, http.MethodGet, "/api/system/history?status=running", env.token(t, admin), nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for live status, got %d", w.Code)
	}

	if w := env.do(t, http.MethodDelete, "/api/system/history", env.token(t, alice), nil); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin clear, got %d", w.Code)
	}

	id, err := env.sched.RegisterRunning(context.Background(), models.TaskPrediction, noopJob)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, _ := env.sched.GetTask(id)
		if rec.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task did not finish")
		}
		time.Sleep(2 * time.Millisecond)
	}
	w = env.do(t, http.MethodDelete, "/api/system/history", env.token(t, admin), nil)
	if got := decode[map[string]int](t, w); got["cleared"] != 1 {
		t.Fatalf("expected one cleared task, got %v", got)
	}
}

func TestHistoryNotConfigured(t *testing.T) {
	env := newTestEnv(t, plenty, nil)
	if w := env.do(t, http.MethodGet, "/api/system/history", env.token(t, admin), nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestTaskEventsStream(t *testing.T) {
	env := newTestEnv(t, scarce, nil)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	w := env.do(t, http.MethodPost, "/api/system/stream-token", env.token(t, alice), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stream token: %d %s", w.Code, w.Body.String())
	}
	streamTok := decode[streamTokenResponse](t, w).Token

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/system/task-events?stream_token="+streamTok, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	frames := make(chan map[string]json.RawMessage, 8)
	go func() {
		defer close(frames)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var frame map[string]json.RawMessage
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame) == nil {
				frames <- frame
			}
		}
	}()
	next := func() map[string]json.RawMessage {
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatal("stream closed early")
			}
			return f
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
		}
		return nil
	}

	if first := next(); string(first["type"]) != `"initial_state"` {
		t.Fatalf("expected initial_state first, got %s", first["type"])
	}

	env.sched.Enqueue(context.Background(), models.TaskBacktest, noopJob, 0, scheduler.WithUserID("bob"))
	env.sched.Enqueue(context.Background(), models.TaskBacktest, noopJob, 0, scheduler.WithUserID("alice"), scheduler.WithTaskID("mine"))

	frame := next()
	if string(frame["type"]) != `"task_queued"` || !strings.Contains(string(frame["data"]), `"task_id":"mine"`) {
		t.Fatalf("expected alice's task_queued only, got %v", frame)
	}
	if _, ok := frame["resources"]; ok {
		t.Fatal("non-admin stream must not carry resources")
	}

	// Stream tokens are single use.
	again, err := http.Get(ts.URL + "/api/system/task-events?stream_token=" + streamTok)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if again.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected reused stream token to fail, got %d", again.StatusCode)
	}
	again.Body.Close()
}

func TestTaskEventsQueryToken(t *testing.T) {
	env := newTestEnv(t, plenty, nil)
	tok := env.token(t, alice)

	if w := env.do(t, http.MethodGet, "/api/system/task-events?token="+tok, "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected legacy query token to be refused by default, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/system/task-events?task_type=render", tok, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad filter, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/tasks/x?stream_token="+tok, "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("query tokens must only work on the event stream, got %d", w.Code)
	}
}

func TestStreamTokenRequiresSecret(t *testing.T) {
	env := newTestEnv(t, plenty, func(o *Options) { o.Tokens = nil })
	if w := env.do(t, http.MethodPost, "/api/system/stream-token", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func noopJob(ctx context.Context, p scheduler.Progress) (any, error) {
	return nil, nil
}

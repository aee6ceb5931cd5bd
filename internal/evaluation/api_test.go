package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cms-dev/cms-sub006/internal/config"
	"github.com/cms-dev/cms-sub006/internal/rpc"
	"github.com/cms-dev/cms-sub006/internal/scheduler"
	"github.com/cms-dev/cms-sub006/internal/store"
	"github.com/cms-dev/cms-sub006/pkg/model"
)

// envelope mirrors apiResponse with the payload left raw so each test can
// decode it into its own shape.
type envelope struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
}

// newTestAPI builds an API over a service whose dispatcher never runs, so
// queued jobs stay visible.
func newTestAPI(t *testing.T) (*API, *Service, *store.SQLiteStore) {
	t.Helper()
	cfg := config.New()
	cfg.CoreServices["EvaluationService"] = []config.Address{{Host: "127.0.0.1", Port: freePort(t)}}
	cfg.CoreServices["Worker"] = []config.Address{
		{Host: "127.0.0.1", Port: freePort(t)},
		{Host: "127.0.0.1", Port: freePort(t)},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	esRPC := rpc.New(Coord, cfg, discard(), rpc.Options{})
	svc, err := New(esRPC, st, cfg, discard(), Options{
		Dispatcher: scheduler.Config{PollInterval: time.Hour},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return NewAPI(svc, discard()), svc, st
}

func doRequest(t *testing.T, api *API, method, path string, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: bad envelope %q: %v", method, path, rec.Body.String(), err)
	}
	return rec, env
}

func TestHealthEndpoint(t *testing.T) {
	api, _, _ := newTestAPI(t)

	rec, env := doRequest(t, api, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if env.Status != "ok" || env.Error != "" {
		t.Fatalf("envelope: %+v", env)
	}
	if env.RequestID == "" || rec.Header().Get("X-Request-ID") != env.RequestID {
		t.Fatalf("request id missing or mismatched: %q vs header %q",
			env.RequestID, rec.Header().Get("X-Request-ID"))
	}

	var health healthResponse
	if err := json.Unmarshal(env.Data, &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "healthy" || health.Workers != 2 || health.Busy != 0 {
		t.Fatalf("health: %+v", health)
	}
}

func TestCreateSubmissionQueuesCompilation(t *testing.T) {
	api, svc, st := newTestAPI(t)

	rec, env := doRequest(t, api, http.MethodPost, "/api/v1/submissions",
		`{"task_name":"fibonacci","tokened":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var sub model.Submission
	if err := json.Unmarshal(env.Data, &sub); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(sub.ID, "sub_") || sub.TaskName != "fibonacci" || !sub.Tokened {
		t.Fatalf("created submission: %+v", sub)
	}

	if _, err := st.GetSubmission(context.Background(), sub.ID); err != nil {
		t.Fatalf("row not stored: %v", err)
	}

	snap := svc.queue.Snapshot()
	if len(snap) != 1 || snap[0].Job.Action != scheduler.ActionCompile ||
		snap[0].Priority != scheduler.PriorityHigh {
		t.Fatalf("queue after create: %+v", snap)
	}
}

func TestCreateSubmissionValidation(t *testing.T) {
	api, _, _ := newTestAPI(t)

	rec, env := doRequest(t, api, http.MethodPost, "/api/v1/submissions", `{"tokened":true}`)
	if rec.Code != http.StatusBadRequest || env.Status != "error" {
		t.Fatalf("missing task_name: status %d, envelope %+v", rec.Code, env)
	}

	rec, env = doRequest(t, api, http.MethodPost, "/api/v1/submissions", `{not json`)
	if rec.Code != http.StatusBadRequest || env.Error == "" {
		t.Fatalf("bad body: status %d, envelope %+v", rec.Code, env)
	}
}

func TestGetSubmission(t *testing.T) {
	api, _, st := newTestAPI(t)

	rec, env := doRequest(t, api, http.MethodGet, "/api/v1/submissions/nope", "")
	if rec.Code != http.StatusNotFound || env.Status != "error" {
		t.Fatalf("missing id: status %d, envelope %+v", rec.Code, env)
	}

	sub := submission("sub-api")
	if err := st.CreateSubmission(context.Background(), sub); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, env = doRequest(t, api, http.MethodGet, "/api/v1/submissions/sub-api", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got model.Submission
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "sub-api" || got.TaskName != sub.TaskName {
		t.Fatalf("got %+v", got)
	}
}

func TestListSubmissions(t *testing.T) {
	api, _, st := newTestAPI(t)
	for _, id := range []string{"sub-1", "sub-2", "sub-3"} {
		if err := st.CreateSubmission(context.Background(), submission(id)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	_, env := doRequest(t, api, http.MethodGet, "/api/v1/submissions/", "")
	var page struct {
		Submissions []model.Submission `json:"submissions"`
		Total       int                `json:"total"`
	}
	if err := json.Unmarshal(env.Data, &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 3 || len(page.Submissions) != 3 {
		t.Fatalf("page: total %d, %d rows", page.Total, len(page.Submissions))
	}
}

func TestTokenEndpointBoostsEvaluation(t *testing.T) {
	api, svc, st := newTestAPI(t)

	sub := submission("sub-tok")
	sub.CompilationOutcome = model.OutcomeOK
	sub.CompilationTries = 1
	if err := st.CreateSubmission(context.Background(), sub); err != nil {
		t.Fatalf("create: %v", err)
	}
	svc.queue.Push(scheduler.Job{Action: scheduler.ActionEvaluate, SubmissionID: "sub-tok"},
		scheduler.PriorityLow, sub.Timestamp)

	rec, _ := doRequest(t, api, http.MethodPost, "/api/v1/submissions/sub-tok/token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	snap := svc.queue.Snapshot()
	if len(snap) != 1 || snap[0].Priority != scheduler.PriorityMedium {
		t.Fatalf("queue after token: %+v", snap)
	}

	rec, _ = doRequest(t, api, http.MethodPost, "/api/v1/submissions/nope/token", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id: status = %d", rec.Code)
	}
}

func TestWorkersEndpoint(t *testing.T) {
	api, _, _ := newTestAPI(t)

	_, env := doRequest(t, api, http.MethodGet, "/api/v1/workers", "")
	var workers []workerStatus
	if err := json.Unmarshal(env.Data, &workers); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(workers) != 2 {
		t.Fatalf("workers: %+v", workers)
	}
	for _, w := range workers {
		if w.Connected {
			t.Fatalf("shard %d reported connected with no worker running", w.Shard)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	api, svc, _ := newTestAPI(t)
	svc.stats.JobEnqueued()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("cms_jobs_enqueued_total")) {
		t.Fatalf("exposition missing counter:\n%s", rec.Body.String())
	}
}

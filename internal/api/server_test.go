package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bunkcore/internal/collect"
	"bunkcore/internal/config"
	"bunkcore/internal/constraint"
	"bunkcore/internal/core"
	"bunkcore/internal/graph"
	"bunkcore/internal/oracle"
	"bunkcore/internal/orchestrator"
	"bunkcore/internal/pipeline"
	"bunkcore/internal/priority"
	"bunkcore/internal/resolver"
	"bunkcore/internal/solver"
	"bunkcore/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	handler http.Handler
	svc     *core.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := core.NewMetrics(reg)
	svc := core.NewInMemoryService(core.NewDefaultRulesEngine(), core.WithMetricsRecorder(metrics))

	_, _, err := svc.CreateSession(ctx, domain.Session{ID: 1, Name: "Session 1", Year: 2025})
	require.NoError(t, err)
	for i, name := range [][2]string{{"Maya", "Chen"}, {"Sarah", "Lovelace"}, {"Emma", "Hopper"}, {"Lily", "Curie"}} {
		_, _, err := svc.CreatePerson(ctx, domain.Person{ID: domain.PersonID(i + 1), FirstName: name[0], LastName: name[1], SessionID: 1, Year: 2025, Grade: 5})
		require.NoError(t, err)
	}
	for _, b := range []domain.Bunk{{ID: 100, Name: "Pines", SessionID: 1, Capacity: 2}, {ID: 200, Name: "Oaks", SessionID: 1, Capacity: 2}} {
		_, _, err := svc.CreateBunk(ctx, b)
		require.NoError(t, err)
	}

	cfg := config.DefaultSolver()
	cfg.TimeLimit = 2 * time.Second
	cfg.PollInterval = 5 * time.Millisecond
	cfg.PollAttempts = 400
	orch := orchestrator.New(svc.Store(), constraint.New(config.DefaultConstraint(), nil), solver.NewLocal(nil),
		orchestrator.NewMemoryQueue(8), orchestrator.NewMemoryLocker(), cfg, orchestrator.WithRecorder(metrics))
	orch.Start(ctx)
	t.Cleanup(orch.Stop)

	res, err := resolver.New(config.DefaultResolver(), nil, nil)
	require.NoError(t, err)
	p := pipeline.New(svc.Store(),
		collect.New(oracle.NewHeuristic(config.DefaultPriority().Keywords), res, config.CollectConfig{Workers: 2}, nil),
		priority.New(config.DefaultPriority(), nil),
		graph.New(config.DefaultGraph(), nil),
		pipeline.WithRecorder(metrics))

	return &fixture{handler: NewServer(orch, svc, p, WithGatherer(reg)).Handler(), svc: svc}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestProcessSubmitPollApply(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/sessions/1/process", ProcessRequest{Year: 2025, Fields: []collect.Field{
		{PersonID: 1, Field: domain.FieldShareBunkWith, Text: "Sarah Lovelace"},
		{PersonID: 2, Field: domain.FieldShareBunkWith, Text: "Maya Chen"},
		{PersonID: 3, Field: domain.FieldDoNotShareBunkWith, Text: "Maya Chen"},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[pipeline.Report](t, rec)
	assert.Equal(t, 3, report.Created)

	rec = f.do(t, http.MethodPost, "/v1/sessions/1/validate", SubmitRequest{Year: 2025})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode[ValidateResponse](t, rec)
	assert.Equal(t, 4, summary.Persons)
	assert.Equal(t, 1, summary.Constraints[constraint.KindHardSeparate])

	rec = f.do(t, http.MethodPost, "/v1/sessions/1/runs", SubmitRequest{Year: 2025})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	runID := decode[map[string]string](t, rec)["run_id"]
	require.NotEmpty(t, runID)

	var run domain.SolverRun
	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/v1/runs/"+runID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		run = decode[domain.SolverRun](t, rec)
		return run.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, domain.RunCompleted, run.Status)

	rec = f.do(t, http.MethodPost, "/v1/runs/"+runID+"/apply", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	applied := decode[orchestrator.ApplyReport](t, rec)
	assert.Equal(t, 4, applied.Written)

	rec = f.do(t, http.MethodGet, "/v1/sessions/1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.SolverRun](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `bunkcore_solver_runs_total{status="completed"} 1`)
	assert.Contains(t, rec.Body.String(), "bunkcore_pipeline_requests_total")
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown run", http.MethodGet, "/v1/runs/nope", nil, http.StatusNotFound, "NOT_FOUND"},
		{"apply unknown run", http.MethodPost, "/v1/runs/nope/apply", nil, http.StatusNotFound, "NOT_FOUND"},
		{"bad session", http.MethodPost, "/v1/sessions/abc/runs", SubmitRequest{Year: 2025}, http.StatusBadRequest, "INVALID_SESSION"},
		{"missing year", http.MethodPost, "/v1/sessions/1/runs", SubmitRequest{}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown session", http.MethodPost, "/v1/sessions/9/validate", SubmitRequest{Year: 2025}, http.StatusNotFound, "NOT_FOUND"},
		{"review without reviewer", http.MethodPost, "/v1/requests/x/approve", map[string]string{}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown scenario history", http.MethodGet, "/v1/scenarios/nope/history", nil, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, tc.method, tc.path, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestUnsatisfiableLockGroupIsRejected(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.CreateLockGroup(context.Background(), domain.LockGroup{SessionID: 1, Year: 2025, Name: "all", Members: []domain.PersonID{1, 2, 3}})
	require.NoError(t, err)
	rec := f.do(t, http.MethodPost, "/v1/sessions/1/runs", SubmitRequest{Year: 2025})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Equal(t, "UNSATISFIABLE_LOCK_GROUP", decode[ErrorResponse](t, rec).Code)
}

func TestReviewAndScenarioEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, _, err := f.svc.CreateRequest(ctx, domain.BunkRequest{
		RequesterID: 1, RequesteeID: 4, SessionID: 1, Year: 2025,
		RequestType: domain.RequestBunkWith, SourceField: domain.FieldShareBunkWith,
		Priority: 8, Status: domain.StatusPending, RequiresManualReview: true,
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/v1/sessions/1/requests?review=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]domain.BunkRequest](t, rec), 1)

	rec = f.do(t, http.MethodPost, "/v1/requests/"+req.ID+"/approve", ReviewRequest{Reviewer: "director"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StatusResolved, decode[domain.BunkRequest](t, rec).Status)

	prio := 3
	rec = f.do(t, http.MethodPut, "/v1/requests/"+req.ID+"/priority", PriorityRequest{Priority: &prio})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[domain.BunkRequest](t, rec).PriorityLocked)

	_, _, err = f.svc.AssignCamper(ctx, domain.Assignment{PersonID: 1, SessionID: 1, Year: 2025, BunkID: 100})
	require.NoError(t, err)

	rec = f.do(t, http.MethodPost, "/v1/scenarios", domain.Scenario{Name: "draft", SessionID: 1, Year: 2025})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sc := decode[domain.Scenario](t, rec)

	to := domain.BunkID(200)
	rec = f.do(t, http.MethodPost, "/v1/scenarios/"+sc.ID+"/moves", MoveRequest{PersonID: 1, BunkID: &to})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/scenarios/"+sc.ID+"/assignments?session=1&year=2025", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[[]domain.Assignment](t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, domain.BunkID(200), got[0].BunkID)

	rec = f.do(t, http.MethodPost, "/v1/scenarios/"+sc.ID+"/clear", nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/scenarios/"+sc.ID+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]domain.ScenarioEvent](t, rec)
	require.Len(t, events, 3)
	assert.Equal(t, domain.ScenarioEventCleared, events[2].Action)
}

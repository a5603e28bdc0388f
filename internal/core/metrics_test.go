package core

import (
	"context"
	"testing"
	"time"

	"bunkcore/internal/pipeline"
	"bunkcore/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordRunsAndPipelinePasses(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	ctx := context.Background()

	m.ObserveRun(ctx, domain.RunCompleted, 2*time.Second)
	m.ObserveRun(ctx, domain.RunCompleted, time.Second)
	m.ObserveRun(ctx, domain.RunTimedOut, time.Minute)
	if got := testutil.ToFloat64(m.runs.WithLabelValues(string(domain.RunCompleted))); got != 2 {
		t.Fatalf("expected 2 completed runs, got %v", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues(string(domain.RunTimedOut))); got != 1 {
		t.Fatalf("expected 1 timed out run, got %v", got)
	}

	m.ObservePipeline(ctx, pipeline.Report{
		Requests: []domain.BunkRequest{
			{RequestType: domain.RequestBunkWith, Status: domain.StatusResolved},
			{RequestType: domain.RequestBunkWith, Status: domain.StatusResolved},
			{RequestType: domain.RequestNotBunkWith, Status: domain.StatusPending},
		},
		Problems: []domain.Problem{{Kind: domain.ProblemUnresolvedName}},
		Elapsed:  50 * time.Millisecond,
	})
	if got := testutil.ToFloat64(m.requests.WithLabelValues(string(domain.RequestBunkWith), string(domain.StatusResolved))); got != 2 {
		t.Fatalf("expected 2 resolved bunk_with requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.problems.WithLabelValues(string(domain.ProblemUnresolvedName))); got != 1 {
		t.Fatalf("expected 1 unresolved-name problem, got %v", got)
	}

	m.Observe(ctx, "create_session", true, time.Millisecond)
	m.Observe(ctx, "", true, time.Millisecond)
	if n := testutil.CollectAndCount(m.operations); n != 1 {
		t.Fatalf("expected one operation series, got %d", n)
	}
}

func TestServiceFeedsPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	seedService(t, WithMetricsRecorder(m))
	if n := testutil.CollectAndCount(m.operations); n != 3 {
		t.Fatalf("expected create_session, create_person and create_bunk series, got %d", n)
	}
}

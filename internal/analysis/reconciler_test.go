package analysis

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aterekhin/sessionlens/internal/store"
)

func newTestReconciler(t *testing.T, ms *memStore, grace time.Duration) *Reconciler {
	t.Helper()
	r, err := NewReconciler(ms, NewBroadcaster(), nil, grace, "*/5 * * * *")
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	return r
}

func TestReconcileStartupFailsInterruptedJobs(t *testing.T) {
	ms := newMemStore()
	ms.addSession(1, "t1")
	ctx := context.Background()

	mkJob := func(status string) string {
		id, _ := ms.CreateAnalysisJob(ctx, "a question to analyze", "m", 8192, false, []int64{1})
		ms.mu.Lock()
		ms.jobs[id].Status = status
		ms.mu.Unlock()
		return id
	}
	pending := mkJob(store.JobStatusPending)
	mapping := mkJob(store.JobStatusMapping)
	completed := mkJob(store.JobStatusCompleted)
	canceling := mkJob(store.JobStatusCanceling)

	r := newTestReconciler(t, ms, 10*time.Minute)
	if err := r.ReconcileStartup(ctx); err != nil {
		t.Fatalf("ReconcileStartup: %v", err)
	}

	for _, id := range []string{pending, mapping} {
		j, _ := ms.GetAnalysisJob(ctx, id)
		if j.Status != store.JobStatusFailed {
			t.Fatalf("job %s status = %s, want failed", id, j.Status)
		}
		if j.ErrorMessage == nil || !strings.Contains(*j.ErrorMessage, "interrupted by server restart") {
			t.Fatalf("job %s error = %v", id, j.ErrorMessage)
		}
	}
	if j, _ := ms.GetAnalysisJob(ctx, completed); j.Status != store.JobStatusCompleted {
		t.Fatal("terminal job must not be touched")
	}
	if j, _ := ms.GetAnalysisJob(ctx, canceling); j.Status != store.JobStatusCanceled {
		t.Fatalf("canceling job status = %s, want canceled", j.Status)
	}
}

func TestSweepFinalizesOnlyStuckCancelingJobs(t *testing.T) {
	ms := newMemStore()
	ms.addSession(1, "t1")
	ctx := context.Background()

	mk := func(since time.Time) string {
		id, _ := ms.CreateAnalysisJob(ctx, "a question to analyze", "m", 8192, false, []int64{1})
		ms.mu.Lock()
		ms.jobs[id].Status = store.JobStatusCanceling
		ms.jobs[id].CancelingSince = &since
		ms.mu.Unlock()
		return id
	}
	stuck := mk(time.Now().Add(-time.Hour))
	recent := mk(time.Now().Add(-time.Minute))

	r := newTestReconciler(t, ms, 10*time.Minute)
	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if j, _ := ms.GetAnalysisJob(ctx, stuck); j.Status != store.JobStatusCanceled {
		t.Fatalf("stuck job status = %s, want canceled", j.Status)
	}
	if j, _ := ms.GetAnalysisJob(ctx, recent); j.Status != store.JobStatusCanceling {
		t.Fatalf("recent job status = %s, want still canceling", j.Status)
	}
}

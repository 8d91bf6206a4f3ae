package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return &Store{DB: db}, mock, func() { db.Close() }
}

func TestListAnalysisJobsSortWhitelist(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY completed_at ASC NULLS LAST")).
		WithArgs(50, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	if _, err := s.ListAnalysisJobs(context.Background(), ListJobsOptions{SortBy: "completed_at", Order: "asc"}); err != nil {
		t.Fatalf("ListAnalysisJobs: %v", err)
	}

	// prompt maps onto the underlying column
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY original_prompt DESC")).
		WithArgs(10, 5).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	if _, err := s.ListAnalysisJobs(context.Background(), ListJobsOptions{SortBy: "prompt", Limit: 10, Offset: 5}); err != nil {
		t.Fatalf("ListAnalysisJobs: %v", err)
	}

	if _, err := s.ListAnalysisJobs(context.Background(), ListJobsOptions{SortBy: "drop table"}); !errors.Is(err, ErrInvalidListOptions) {
		t.Fatalf("arbitrary sort field: err = %v, want ErrInvalidListOptions", err)
	}
	if _, err := s.ListAnalysisJobs(context.Background(), ListJobsOptions{Order: "sideways"}); !errors.Is(err, ErrInvalidListOptions) {
		t.Fatalf("arbitrary sort order: err = %v, want ErrInvalidListOptions", err)
	}
}

func TestRequestCancelOnlyTouchesActiveJobs(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE analysis_jobs SET status=$2, canceling_since=NOW()")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := s.RequestCancel(context.Background(), "job-1")
	if err != nil || !ok {
		t.Fatalf("RequestCancel = %v, %v", ok, err)
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE analysis_jobs SET status=$2, canceling_since=NOW()")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = s.RequestCancel(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if ok {
		t.Fatal("second cancel must report not cancelable")
	}
}

func TestTerminalWritesAreGuarded(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	for _, call := range []func() error{
		func() error { _, err := s.CompleteJob(context.Background(), "job-1", "answer", 1, 2, 3); return err },
		func() error { return s.FailJob(context.Background(), "job-1", "boom") },
		func() error { return s.FinalizeCanceled(context.Background(), "job-1") },
	} {
		mock.ExpectExec(regexp.QuoteMeta("completed_at IS NULL")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		if err := call(); err != nil {
			t.Fatalf("terminal write: %v", err)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("every terminal write must carry the completed_at guard: %v", err)
	}
}

func TestStageWritesRefuseWhileCanceling(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE analysis_jobs SET status=$2 WHERE id=$1 AND status <> $3 AND completed_at IS NULL`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err := s.SetJobStatus(context.Background(), "job-1", JobStatusMapping)
	if err != nil {
		t.Fatalf("SetJobStatus: %v", err)
	}
	if ok {
		t.Fatal("stage write against a canceling job must report refusal")
	}

	mock.ExpectExec(regexp.QuoteMeta(`completed_at IS NULL AND status <> $7`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = s.CompleteJob(context.Background(), "job-1", "answer", 1, 2, 3)
	if err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if ok {
		t.Fatal("completion against a canceling job must report refusal")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("stage writes must carry the canceling guard: %v", err)
	}
}

func TestDeleteAnalysisJobGuard(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM analysis_jobs")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err := s.DeleteAnalysisJob(context.Background(), "job-1", 10*time.Minute)
	if err != nil {
		t.Fatalf("DeleteAnalysisJob: %v", err)
	}
	if ok {
		t.Fatal("guarded delete must report refusal")
	}
}

func TestGetAnalysisJobNotFound(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta("FROM analysis_jobs WHERE id=$1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err := s.GetAnalysisJob(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateAnalysisJobRollsBackOnAssociationFailure(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO analysis_jobs")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-1"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO analysis_job_sessions")).
		WillReturnError(errors.New("fk violation"))
	mock.ExpectRollback()

	if _, err := s.CreateAnalysisJob(context.Background(), "prompt text", "m", 8192, false, []int64{1}); err == nil {
		t.Fatal("association failure must fail the create")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected rollback: %v", err)
	}
}

func TestIsTerminalJobStatus(t *testing.T) {
	for _, st := range []string{JobStatusCompleted, JobStatusFailed, JobStatusCanceled} {
		if !IsTerminalJobStatus(st) {
			t.Fatalf("%s must be terminal", st)
		}
	}
	for _, st := range []string{JobStatusPending, JobStatusGeneratingStrategy, JobStatusMapping, JobStatusReducing, JobStatusCanceling} {
		if IsTerminalJobStatus(st) {
			t.Fatalf("%s must not be terminal", st)
		}
	}
}

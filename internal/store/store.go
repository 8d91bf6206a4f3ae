package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Store is the durable source of truth for sessions, analysis jobs and their
// intermediate summaries. Within one job the orchestrator is the sole writer,
// so no intra-job locking is needed beyond what Postgres provides.
type Store struct {
	DB *sql.DB
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidListOptions is returned for unsupported sort fields or orders,
// so callers can tell a bad request from a storage failure.
var ErrInvalidListOptions = errors.New("invalid list options")

// Analysis job statuses.
const (
	JobStatusPending            = "pending"
	JobStatusGeneratingStrategy = "generating_strategy"
	JobStatusMapping            = "mapping"
	JobStatusReducing           = "reducing"
	JobStatusCompleted          = "completed"
	JobStatusFailed             = "failed"
	JobStatusCanceling          = "canceling"
	JobStatusCanceled           = "canceled"
)

// Intermediate summary statuses.
const (
	SummaryStatusPending    = "pending"
	SummaryStatusProcessing = "processing"
	SummaryStatusCompleted  = "completed"
	SummaryStatusFailed     = "failed"
)

// JobTerminalStatuses are the statuses a job can never leave.
var JobTerminalStatuses = []string{JobStatusCompleted, JobStatusFailed, JobStatusCanceled}

// IsTerminalJobStatus reports whether status is terminal.
func IsTerminalJobStatus(status string) bool {
	for _, s := range JobTerminalStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// AnalysisJob is one user-submitted question against a fixed set of sessions.
type AnalysisJob struct {
	ID                   string     `json:"id"`
	OriginalPrompt       string     `json:"original_prompt"`
	Status               string     `json:"status"`
	IntermediateQuestion *string    `json:"intermediate_question,omitempty"`
	FinalResult          *string    `json:"final_result,omitempty"`
	ErrorMessage         *string    `json:"error_message,omitempty"`
	ModelName            string     `json:"model_name"`
	ContextSize          int        `json:"context_size"`
	UseAdvancedStrategy  bool       `json:"use_advanced_strategy"`
	PromptTokens         *int64     `json:"prompt_tokens,omitempty"`
	CompletionTokens     *int64     `json:"completion_tokens,omitempty"`
	DurationMS           *int64     `json:"duration_ms,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	CancelingSince       *time.Time `json:"canceling_since,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

// IntermediateSummary is the per-(job, session) map-stage output row.
type IntermediateSummary struct {
	ID               string    `json:"id"`
	AnalysisJobID    string    `json:"analysis_job_id"`
	SessionID        int64     `json:"session_id"`
	Status           string    `json:"status"`
	SummaryText      *string   `json:"summary_text,omitempty"`
	ErrorMessage     *string   `json:"error_message,omitempty"`
	PromptTokens     *int64    `json:"prompt_tokens,omitempty"`
	CompletionTokens *int64    `json:"completion_tokens,omitempty"`
	DurationMS       *int64    `json:"duration_ms,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Session is a recorded transcript.
type Session struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	Transcript string    `json:"transcript,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListJobsOptions controls sorting and pagination for ListAnalysisJobs.
type ListJobsOptions struct {
	SortBy string // created_at | completed_at | status | prompt
	Order  string // asc | desc
	Limit  int
	Offset int
}

// NewWithDSN opens a Postgres connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Session operations

func (s *Store) CreateSession(ctx context.Context, title, transcript string) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO sessions (title, transcript) VALUES ($1,$2) RETURNING id`,
		title, transcript).Scan(&id)
	return id, err
}

func (s *Store) GetSession(ctx context.Context, id int64) (Session, error) {
	var sess Session
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, title, transcript, created_at FROM sessions WHERE id=$1`, id).
		Scan(&sess.ID, &sess.Title, &sess.Transcript, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return sess, err
}

// ListSessions returns session metadata without transcripts, newest first.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, title, created_at FROM sessions ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SessionTranscript fetches only the transcript text for one session.
func (s *Store) SessionTranscript(ctx context.Context, id int64) (string, error) {
	var transcript string
	err := s.DB.QueryRowContext(ctx, `SELECT transcript FROM sessions WHERE id=$1`, id).Scan(&transcript)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return transcript, err
}

// MissingSessions returns the subset of ids that have no session row.
func (s *Store) MissingSessions(ctx context.Context, ids []int64) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT wanted.id FROM unnest($1::bigint[]) AS wanted(id)
		 LEFT JOIN sessions ON sessions.id = wanted.id
		 WHERE sessions.id IS NULL`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var missing []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		missing = append(missing, id)
	}
	return missing, rows.Err()
}

// Job operations

// CreateAnalysisJob persists the job row and its immutable session
// associations in one transaction and returns the new job id.
func (s *Store) CreateAnalysisJob(ctx context.Context, prompt, modelName string, contextSize int, useAdvancedStrategy bool, sessionIDs []int64) (string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`INSERT INTO analysis_jobs (original_prompt, model_name, context_size, use_advanced_strategy, status)
		 VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		prompt, modelName, contextSize, useAdvancedStrategy, JobStatusPending).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	for _, sid := range sessionIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO analysis_job_sessions (analysis_job_id, session_id) VALUES ($1,$2)`,
			id, sid); err != nil {
			return "", fmt.Errorf("insert job session %d: %w", sid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

const jobColumns = `id, original_prompt, status, intermediate_question, final_result, error_message,
	model_name, context_size, use_advanced_strategy, prompt_tokens, completion_tokens, duration_ms,
	created_at, canceling_since, completed_at`

func scanJob(row interface{ Scan(...interface{}) error }) (AnalysisJob, error) {
	var j AnalysisJob
	err := row.Scan(&j.ID, &j.OriginalPrompt, &j.Status, &j.IntermediateQuestion, &j.FinalResult,
		&j.ErrorMessage, &j.ModelName, &j.ContextSize, &j.UseAdvancedStrategy,
		&j.PromptTokens, &j.CompletionTokens, &j.DurationMS,
		&j.CreatedAt, &j.CancelingSince, &j.CompletedAt)
	return j, err
}

func (s *Store) GetAnalysisJob(ctx context.Context, id string) (AnalysisJob, error) {
	j, err := scanJob(s.DB.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return AnalysisJob{}, ErrNotFound
	}
	return j, err
}

func (s *Store) ListAnalysisJobs(ctx context.Context, opts ListJobsOptions) ([]AnalysisJob, error) {
	sortCol := "created_at"
	switch opts.SortBy {
	case "", "created_at":
	case "completed_at":
		sortCol = "completed_at"
	case "status":
		sortCol = "status"
	case "prompt":
		sortCol = "original_prompt"
	default:
		return nil, fmt.Errorf("%w: unsupported sort field %q", ErrInvalidListOptions, opts.SortBy)
	}
	dir := "DESC"
	switch strings.ToLower(opts.Order) {
	case "", "desc":
	case "asc":
		dir = "ASC"
	default:
		return nil, fmt.Errorf("%w: unsupported sort order %q", ErrInvalidListOptions, opts.Order)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	q := fmt.Sprintf(`SELECT %s FROM analysis_jobs ORDER BY %s %s NULLS LAST LIMIT $1 OFFSET $2`,
		jobColumns, sortCol, dir)
	rows, err := s.DB.QueryContext(ctx, q, limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AnalysisJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListJobsInStatuses returns all jobs currently in any of the given statuses,
// oldest first. Used by the restart reconciler.
func (s *Store) ListJobsInStatuses(ctx context.Context, statuses ...string) ([]AnalysisJob, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE status = ANY($1) ORDER BY created_at ASC`,
		pq.Array(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AnalysisJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// JobSessionIDs returns the immutable session set of a job in stable order.
func (s *Store) JobSessionIDs(ctx context.Context, jobID string) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT session_id FROM analysis_job_sessions WHERE analysis_job_id=$1 ORDER BY session_id ASC`,
		jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SetJobStatus advances a job to the next pipeline stage. The write refuses
// when a cancellation intent is set or the job is already terminal, so a
// cancel accepted between two stage checks can never be overwritten. It
// reports whether the row changed.
func (s *Store) SetJobStatus(ctx context.Context, jobID, status string) (bool, error) {
	if jobID == "" {
		return false, fmt.Errorf("job id must be provided")
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE analysis_jobs SET status=$2 WHERE id=$1 AND status <> $3 AND completed_at IS NULL`,
		jobID, status, JobStatusCanceling)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) SetJobStrategy(ctx context.Context, jobID, intermediateQuestion string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE analysis_jobs SET intermediate_question=$2 WHERE id=$1`, jobID, intermediateQuestion)
	return err
}

// CompleteJob writes the terminal completed state. completed_at is written
// here exactly once; the guards keep a late writer from resurrecting a job
// that was finalized concurrently and keep a completion from overriding an
// accepted cancel. It reports whether the row changed.
func (s *Store) CompleteJob(ctx context.Context, jobID, finalResult string, promptTokens, completionTokens, durationMS int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE analysis_jobs SET status=$2, final_result=$3, prompt_tokens=$4, completion_tokens=$5,
		 duration_ms=$6, completed_at=NOW() WHERE id=$1 AND completed_at IS NULL AND status <> $7`,
		jobID, JobStatusCompleted, finalResult, promptTokens, completionTokens, durationMS, JobStatusCanceling)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) FailJob(ctx context.Context, jobID, errMsg string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE analysis_jobs SET status=$2, error_message=$3, completed_at=NOW()
		 WHERE id=$1 AND completed_at IS NULL`,
		jobID, JobStatusFailed, errMsg)
	return err
}

// FinalizeCanceled converges a canceling job to its terminal canceled state.
func (s *Store) FinalizeCanceled(ctx context.Context, jobID string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE analysis_jobs SET status=$2, completed_at=NOW() WHERE id=$1 AND completed_at IS NULL`,
		jobID, JobStatusCanceled)
	return err
}

// RequestCancel flips a non-terminal job to canceling. It reports false when
// the job was already canceling or terminal (or does not exist).
func (s *Store) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE analysis_jobs SET status=$2, canceling_since=NOW()
		 WHERE id=$1 AND status = ANY($3)`,
		jobID, JobStatusCanceling,
		pq.Array([]string{JobStatusPending, JobStatusGeneratingStrategy, JobStatusMapping, JobStatusReducing}))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CancelRequested reports whether a cancellation intent is set for the job.
func (s *Store) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var status string
	err := s.DB.QueryRowContext(ctx, `SELECT status FROM analysis_jobs WHERE id=$1`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return status == JobStatusCanceling, nil
}

// DeleteAnalysisJob removes a job and, via FK cascade, its summaries and
// session associations. Only terminal jobs are deletable, plus jobs stuck in
// canceling for longer than grace. It reports false when the guard refused.
func (s *Store) DeleteAnalysisJob(ctx context.Context, jobID string, grace time.Duration) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM analysis_jobs
		 WHERE id=$1 AND (status = ANY($2)
		   OR (status=$3 AND canceling_since IS NOT NULL AND canceling_since < NOW() - ($4 * INTERVAL '1 second')))`,
		jobID, pq.Array(JobTerminalStatuses), JobStatusCanceling, int64(grace/time.Second))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Summary operations

// CreateIntermediateSummaries bulk-creates the fixed summary set at map-stage
// entry, one pending row per session, and returns them in insertion order.
func (s *Store) CreateIntermediateSummaries(ctx context.Context, jobID string, sessionIDs []int64) ([]IntermediateSummary, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	out := make([]IntermediateSummary, 0, len(sessionIDs))
	for _, sid := range sessionIDs {
		var sum IntermediateSummary
		err := tx.QueryRowContext(ctx,
			`INSERT INTO intermediate_summaries (analysis_job_id, session_id, status)
			 VALUES ($1,$2,$3) RETURNING id, created_at, updated_at`,
			jobID, sid, SummaryStatusPending).Scan(&sum.ID, &sum.CreatedAt, &sum.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert summary for session %d: %w", sid, err)
		}
		sum.AnalysisJobID = jobID
		sum.SessionID = sid
		sum.Status = SummaryStatusPending
		out = append(out, sum)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) MarkSummaryProcessing(ctx context.Context, summaryID string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE intermediate_summaries SET status=$2, updated_at=NOW() WHERE id=$1`,
		summaryID, SummaryStatusProcessing)
	return err
}

func (s *Store) CompleteSummary(ctx context.Context, summaryID, text string, promptTokens, completionTokens, durationMS int64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE intermediate_summaries SET status=$2, summary_text=$3, prompt_tokens=$4,
		 completion_tokens=$5, duration_ms=$6, updated_at=NOW() WHERE id=$1`,
		summaryID, SummaryStatusCompleted, text, promptTokens, completionTokens, durationMS)
	return err
}

func (s *Store) FailSummary(ctx context.Context, summaryID, errMsg string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE intermediate_summaries SET status=$2, error_message=$3, updated_at=NOW() WHERE id=$1`,
		summaryID, SummaryStatusFailed, errMsg)
	return err
}

func (s *Store) ListSummariesByJob(ctx context.Context, jobID string) ([]IntermediateSummary, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, analysis_job_id, session_id, status, summary_text, error_message,
		 prompt_tokens, completion_tokens, duration_ms, created_at, updated_at
		 FROM intermediate_summaries WHERE analysis_job_id=$1 ORDER BY session_id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IntermediateSummary
	for rows.Next() {
		var sum IntermediateSummary
		if err := rows.Scan(&sum.ID, &sum.AnalysisJobID, &sum.SessionID, &sum.Status,
			&sum.SummaryText, &sum.ErrorMessage, &sum.PromptTokens, &sum.CompletionTokens,
			&sum.DurationMS, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

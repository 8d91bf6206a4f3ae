package analysis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aterekhin/sessionlens/config"
	"github.com/aterekhin/sessionlens/internal/llm"
	"github.com/aterekhin/sessionlens/internal/store"
)

// JobStore is the persistence surface the orchestrator needs. *store.Store
// satisfies it; tests substitute an in-memory fake.
type JobStore interface {
	MissingSessions(ctx context.Context, ids []int64) ([]int64, error)
	SessionTranscript(ctx context.Context, id int64) (string, error)

	CreateAnalysisJob(ctx context.Context, prompt, modelName string, contextSize int, useAdvancedStrategy bool, sessionIDs []int64) (string, error)
	GetAnalysisJob(ctx context.Context, id string) (store.AnalysisJob, error)
	JobSessionIDs(ctx context.Context, jobID string) ([]int64, error)
	SetJobStatus(ctx context.Context, jobID, status string) (bool, error)
	SetJobStrategy(ctx context.Context, jobID, intermediateQuestion string) error
	CompleteJob(ctx context.Context, jobID, finalResult string, promptTokens, completionTokens, durationMS int64) (bool, error)
	FailJob(ctx context.Context, jobID, errMsg string) error
	FinalizeCanceled(ctx context.Context, jobID string) error
	RequestCancel(ctx context.Context, jobID string) (bool, error)
	CancelRequested(ctx context.Context, jobID string) (bool, error)
	DeleteAnalysisJob(ctx context.Context, jobID string, grace time.Duration) (bool, error)

	CreateIntermediateSummaries(ctx context.Context, jobID string, sessionIDs []int64) ([]store.IntermediateSummary, error)
	MarkSummaryProcessing(ctx context.Context, summaryID string) error
	CompleteSummary(ctx context.Context, summaryID, text string, promptTokens, completionTokens, durationMS int64) error
	FailSummary(ctx context.Context, summaryID, errMsg string) error
	ListSummariesByJob(ctx context.Context, jobID string) ([]store.IntermediateSummary, error)
}

// SubmitRequest is a validated-on-entry job submission.
type SubmitRequest struct {
	Prompt              string
	SessionIDs          []int64
	ModelName           string
	ContextSize         int
	UseAdvancedStrategy bool
}

// Orchestrator owns the job lifecycle: it validates submissions, runs the
// pipeline in the background, and serves cancel/delete with the lifecycle
// guards. One orchestrator instance runs per process.
type Orchestrator struct {
	store       JobStore
	provider    llm.Provider
	broadcaster *Broadcaster
	cfg         config.AnalysisConfig
	defaults    config.LLMConfig
	logger      *log.Logger
	tracer      trace.Tracer
	wg          sync.WaitGroup
}

func NewOrchestrator(st JobStore, provider llm.Provider, bc *Broadcaster, cfg config.AnalysisConfig, llmCfg config.LLMConfig) *Orchestrator {
	return &Orchestrator{
		store:       st,
		provider:    provider,
		broadcaster: bc,
		cfg:         cfg,
		defaults:    llmCfg,
		logger:      log.New(log.Writer(), "[ANALYSIS] ", log.LstdFlags),
		tracer:      otel.Tracer("sessionlens/analysis"),
	}
}

// Broadcaster exposes the event fan-out for stream handlers.
func (o *Orchestrator) Broadcaster() *Broadcaster { return o.broadcaster }

// Wait blocks until all in-flight job goroutines return. Used in shutdown
// and tests.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Submit validates the request, persists a pending job with its immutable
// session set, and starts the pipeline in the background.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	prompt := strings.TrimSpace(req.Prompt)
	minLen := o.cfg.MinPromptLength
	if minLen <= 0 {
		minLen = 1
	}
	if len(prompt) < minLen {
		return "", &ValidationError{Field: "prompt", Reason: fmt.Sprintf("must be at least %d characters", minLen)}
	}
	if len(req.SessionIDs) == 0 {
		return "", &ValidationError{Field: "session_ids", Reason: "at least one session is required"}
	}
	seen := make(map[int64]struct{}, len(req.SessionIDs))
	for _, id := range req.SessionIDs {
		if _, dup := seen[id]; dup {
			return "", &ValidationError{Field: "session_ids", Reason: fmt.Sprintf("duplicate session id %d", id)}
		}
		seen[id] = struct{}{}
	}
	missing, err := o.store.MissingSessions(ctx, req.SessionIDs)
	if err != nil {
		return "", fmt.Errorf("check sessions: %w", err)
	}
	if len(missing) > 0 {
		return "", &ValidationError{Field: "session_ids", Reason: fmt.Sprintf("unknown session ids %v", missing)}
	}
	model := strings.TrimSpace(req.ModelName)
	if model == "" {
		model = o.defaults.DefaultModel
	}
	if model == "" {
		return "", &ValidationError{Field: "model_name", Reason: "no model given and no default configured"}
	}
	contextSize := req.ContextSize
	if contextSize <= 0 {
		contextSize = o.cfg.DefaultContextSize
	}

	jobID, err := o.store.CreateAnalysisJob(ctx, prompt, model, contextSize, req.UseAdvancedStrategy, req.SessionIDs)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	jobsSubmitted.Inc()
	o.logger.Printf("job %s submitted: %d sessions, model=%s advanced_strategy=%v", jobID, len(req.SessionIDs), model, req.UseAdvancedStrategy)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(jobID)
	}()
	return jobID, nil
}

// Cancel requests cooperative cancellation. It fails with ErrNotCancelable
// when the job is already canceling or terminal.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	ok, err := o.store.RequestCancel(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := o.store.GetAnalysisJob(ctx, jobID); err != nil {
			return err
		}
		return ErrNotCancelable
	}
	o.logger.Printf("job %s: cancellation requested", jobID)
	o.broadcaster.Publish(statusEvent(jobID, store.JobStatusCanceling))
	return nil
}

// Delete removes a terminal job, or a job stuck in canceling beyond the
// grace period. Active jobs fail with ErrNotDeletable.
func (o *Orchestrator) Delete(ctx context.Context, jobID string) error {
	ok, err := o.store.DeleteAnalysisJob(ctx, jobID, o.cfg.CancelGracePeriod)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := o.store.GetAnalysisJob(ctx, jobID); err != nil {
			return err
		}
		return ErrNotDeletable
	}
	o.logger.Printf("job %s deleted", jobID)
	return nil
}

// JobSnapshot returns the current durable state of a job and its summaries,
// for the snapshot frame that opens every event stream.
func (o *Orchestrator) JobSnapshot(ctx context.Context, jobID string) (store.AnalysisJob, []store.IntermediateSummary, error) {
	job, err := o.store.GetAnalysisJob(ctx, jobID)
	if err != nil {
		return store.AnalysisJob{}, nil, err
	}
	sums, err := o.store.ListSummariesByJob(ctx, jobID)
	if err != nil {
		return store.AnalysisJob{}, nil, err
	}
	return job, sums, nil
}

// run drives one job through the pipeline. It is the only writer of the job's
// rows while it is alive.
func (o *Orchestrator) run(jobID string) {
	timeout := o.cfg.JobTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ctx, span := o.tracer.Start(ctx, "analysis.run", trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	start := time.Now()
	if err := o.runStages(ctx, jobID, start); err != nil {
		// The job context may itself be the failure cause (timeout), so the
		// terminal write gets its own deadline.
		failCtx, failCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer failCancel()
		o.failJob(failCtx, jobID, err)
	}
}

// runStages returns a non-nil error only for fatal pipeline failures; a
// detected cancellation finalizes the job and returns nil.
func (o *Orchestrator) runStages(ctx context.Context, jobID string, start time.Time) error {
	job, err := o.store.GetAnalysisJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	sessionIDs, err := o.store.JobSessionIDs(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job sessions: %w", err)
	}

	if done, err := o.finalizeIfCanceled(ctx, jobID); done || err != nil {
		return err
	}

	var totalPrompt, totalCompletion int64
	question := job.OriginalPrompt

	// Strategy stage (optional): derive the per-session sub-question.
	if job.UseAdvancedStrategy {
		if done, err := o.advance(ctx, jobID, store.JobStatusGeneratingStrategy); done || err != nil {
			return err
		}
		text, usage, err := o.streamCall(ctx, jobID, PhaseStrategy, nil, nil, llm.Request{
			Prompt: strategyPrompt(job.OriginalPrompt),
			Model:  job.ModelName,
		})
		if err != nil {
			return fmt.Errorf("strategy stage: %w", err)
		}
		totalPrompt += usage.PromptTokens
		totalCompletion += usage.CompletionTokens
		question = strings.TrimSpace(text)
		if question == "" {
			return errors.New("strategy stage: model returned an empty sub-question")
		}
		if err := o.store.SetJobStrategy(ctx, jobID, question); err != nil {
			return fmt.Errorf("persist strategy: %w", err)
		}
		if done, err := o.finalizeIfCanceled(ctx, jobID); done || err != nil {
			return err
		}
	}

	// Map stage: summarize every session independently. A failing session is
	// recorded on its summary row and does not stop the job.
	if done, err := o.advance(ctx, jobID, store.JobStatusMapping); done || err != nil {
		return err
	}
	mapStart := time.Now()
	summaries, err := o.store.CreateIntermediateSummaries(ctx, jobID, sessionIDs)
	if err != nil {
		return fmt.Errorf("create summaries: %w", err)
	}
	var completed []sessionSummary
	for _, sum := range summaries {
		if done, err := o.finalizeIfCanceled(ctx, jobID); done || err != nil {
			return err
		}
		text, usage, err := o.mapOne(ctx, jobID, job, question, sum)
		if err != nil {
			o.logger.Printf("job %s: session %d summary failed: %v", jobID, sum.SessionID, err)
			summariesFinished.WithLabelValues(store.SummaryStatusFailed).Inc()
			msg := err.Error()
			if ferr := o.store.FailSummary(ctx, sum.ID, msg); ferr != nil {
				return fmt.Errorf("record summary failure: %w", ferr)
			}
			ev := phaseEvent(jobID, PhaseMap, EventError)
			ev.SessionID = &sum.SessionID
			ev.SummaryID = &sum.ID
			ev.Message = &msg
			o.broadcaster.Publish(ev)
			continue
		}
		summariesFinished.WithLabelValues(store.SummaryStatusCompleted).Inc()
		totalPrompt += usage.PromptTokens
		totalCompletion += usage.CompletionTokens
		completed = append(completed, sessionSummary{SessionID: sum.SessionID, Text: text})
	}
	stageDuration.WithLabelValues(PhaseMap).Observe(time.Since(mapStart).Seconds())

	if done, err := o.finalizeIfCanceled(ctx, jobID); done || err != nil {
		return err
	}
	if len(completed) == 0 {
		return fmt.Errorf("all %d session summaries failed", len(summaries))
	}

	// Reduce stage: synthesize the final answer from the surviving summaries.
	if done, err := o.advance(ctx, jobID, store.JobStatusReducing); done || err != nil {
		return err
	}
	reduceStart := time.Now()
	answer, usage, err := o.streamCall(ctx, jobID, PhaseReduce, nil, nil, llm.Request{
		Prompt: reducePrompt(job.OriginalPrompt, completed),
		Model:  job.ModelName,
	})
	if err != nil {
		return fmt.Errorf("reduce stage: %w", err)
	}
	stageDuration.WithLabelValues(PhaseReduce).Observe(time.Since(reduceStart).Seconds())
	totalPrompt += usage.PromptTokens
	totalCompletion += usage.CompletionTokens

	if done, err := o.finalizeIfCanceled(ctx, jobID); done || err != nil {
		return err
	}
	durationMS := time.Since(start).Milliseconds()
	ok, err := o.store.CompleteJob(ctx, jobID, answer, totalPrompt, totalCompletion, durationMS)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if !ok {
		// a cancel won the race against the terminal write
		_, err := o.finalizeIfCanceled(ctx, jobID)
		return err
	}
	recordUsageTokens(totalPrompt, totalCompletion)
	jobsFinished.WithLabelValues(store.JobStatusCompleted).Inc()
	o.broadcaster.Publish(statusEvent(jobID, store.JobStatusCompleted))
	o.logger.Printf("job %s completed in %dms (%d/%d completed summaries, %d prompt + %d completion tokens)",
		jobID, durationMS, len(completed), len(summaries), totalPrompt, totalCompletion)
	return nil
}

// mapOne runs the map-stage model call for a single session.
func (o *Orchestrator) mapOne(ctx context.Context, jobID string, job store.AnalysisJob, question string, sum store.IntermediateSummary) (string, llm.Usage, error) {
	if err := o.store.MarkSummaryProcessing(ctx, sum.ID); err != nil {
		return "", llm.Usage{}, fmt.Errorf("mark processing: %w", err)
	}
	transcript, err := o.store.SessionTranscript(ctx, sum.SessionID)
	if err != nil {
		return "", llm.Usage{}, fmt.Errorf("load transcript: %w", err)
	}
	transcript = truncateTranscript(transcript, job.ContextSize)
	text, usage, err := o.streamCall(ctx, jobID, PhaseMap, &sum.SessionID, &sum.ID, llm.Request{
		Prompt: mapPrompt(question, transcript),
		Model:  job.ModelName,
	})
	if err != nil {
		return "", llm.Usage{}, err
	}
	if err := o.store.CompleteSummary(ctx, sum.ID, text, usage.PromptTokens, usage.CompletionTokens, usage.Duration.Milliseconds()); err != nil {
		return "", llm.Usage{}, fmt.Errorf("persist summary: %w", err)
	}
	return text, usage, nil
}

// streamCall performs one model call, publishing start/token/end events as
// the stream progresses, and returns the accumulated text.
func (o *Orchestrator) streamCall(ctx context.Context, jobID, phase string, sessionID *int64, summaryID *string, req llm.Request) (string, llm.Usage, error) {
	ctx, span := o.tracer.Start(ctx, "analysis."+phase, trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	ev := phaseEvent(jobID, phase, EventStart)
	ev.SessionID = sessionID
	ev.SummaryID = summaryID
	o.broadcaster.Publish(ev)

	var b strings.Builder
	usage, err := o.provider.Stream(ctx, req, func(c llm.Chunk) error {
		b.WriteString(c.Delta)
		tok := phaseEvent(jobID, phase, EventToken)
		tok.SessionID = sessionID
		tok.SummaryID = summaryID
		delta := c.Delta
		tok.Delta = &delta
		o.broadcaster.Publish(tok)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return "", llm.Usage{}, err
	}
	end := phaseEvent(jobID, phase, EventEnd)
	end.SessionID = sessionID
	end.SummaryID = summaryID
	pt, ct, dur := usage.PromptTokens, usage.CompletionTokens, usage.Duration.Milliseconds()
	end.PromptTokens = &pt
	end.CompletionTokens = &ct
	end.DurationMS = &dur
	o.broadcaster.Publish(end)
	return b.String(), usage, nil
}

// finalizeIfCanceled checks the cancellation intent at a stage boundary and,
// when set, converges the job to canceled. done=true means the caller must
// stop without treating it as a failure.
func (o *Orchestrator) finalizeIfCanceled(ctx context.Context, jobID string) (done bool, err error) {
	canceling, err := o.store.CancelRequested(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("check cancellation: %w", err)
	}
	if !canceling {
		return false, nil
	}
	if err := o.store.FinalizeCanceled(ctx, jobID); err != nil {
		return false, fmt.Errorf("finalize canceled: %w", err)
	}
	jobsFinished.WithLabelValues(store.JobStatusCanceled).Inc()
	o.broadcaster.Publish(statusEvent(jobID, store.JobStatusCanceled))
	o.logger.Printf("job %s canceled", jobID)
	return true, nil
}

// advance moves the job into the next stage. A refused write means a
// cancellation intent (or a concurrent finalization) won the race against
// this transition; the job is converged and done=true tells the caller to
// stop without treating it as a failure.
func (o *Orchestrator) advance(ctx context.Context, jobID, status string) (done bool, err error) {
	ok, err := o.store.SetJobStatus(ctx, jobID, status)
	if err != nil {
		return false, fmt.Errorf("set status %s: %w", status, err)
	}
	if !ok {
		if _, err := o.finalizeIfCanceled(ctx, jobID); err != nil {
			return false, err
		}
		return true, nil
	}
	o.broadcaster.Publish(statusEvent(jobID, status))
	return false, nil
}

// failJob records a fatal pipeline error as the job's terminal state.
func (o *Orchestrator) failJob(ctx context.Context, jobID string, cause error) {
	msg := cause.Error()
	o.logger.Printf("job %s failed: %s", jobID, msg)
	if err := o.store.FailJob(ctx, jobID, msg); err != nil {
		o.logger.Printf("job %s: recording failure also failed: %v", jobID, err)
	}
	jobsFinished.WithLabelValues(store.JobStatusFailed).Inc()
	ev := statusEvent(jobID, store.JobStatusFailed)
	ev.Message = &msg
	o.broadcaster.Publish(ev)
}

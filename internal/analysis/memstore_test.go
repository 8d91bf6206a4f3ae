package analysis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aterekhin/sessionlens/internal/store"
)

// memStore is an in-memory JobStore/ReconcilerStore with the same lifecycle
// guards as the Postgres implementation.
type memStore struct {
	mu         sync.Mutex
	sessions   map[int64]store.Session
	jobs       map[string]*store.AnalysisJob
	jobSess    map[string][]int64
	summaries  map[string][]*store.IntermediateSummary // by job id, insertion order
	summaryIdx map[string]*store.IntermediateSummary   // by summary id
}

func newMemStore() *memStore {
	return &memStore{
		sessions:   make(map[int64]store.Session),
		jobs:       make(map[string]*store.AnalysisJob),
		jobSess:    make(map[string][]int64),
		summaries:  make(map[string][]*store.IntermediateSummary),
		summaryIdx: make(map[string]*store.IntermediateSummary),
	}
}

func (m *memStore) addSession(id int64, transcript string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = store.Session{ID: id, Title: fmt.Sprintf("session %d", id), Transcript: transcript, CreatedAt: time.Now()}
}

func (m *memStore) MissingSessions(_ context.Context, ids []int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var missing []int64
	for _, id := range ids {
		if _, ok := m.sessions[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (m *memStore) SessionTranscript(_ context.Context, id int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return "", store.ErrNotFound
	}
	return s.Transcript, nil
}

func (m *memStore) CreateAnalysisJob(_ context.Context, prompt, modelName string, contextSize int, useAdvancedStrategy bool, sessionIDs []int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.jobs[id] = &store.AnalysisJob{
		ID:                  id,
		OriginalPrompt:      prompt,
		Status:              store.JobStatusPending,
		ModelName:           modelName,
		ContextSize:         contextSize,
		UseAdvancedStrategy: useAdvancedStrategy,
		CreatedAt:           time.Now(),
	}
	m.jobSess[id] = append([]int64(nil), sessionIDs...)
	return id, nil
}

func (m *memStore) GetAnalysisJob(_ context.Context, id string) (store.AnalysisJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.AnalysisJob{}, store.ErrNotFound
	}
	return *j, nil
}

func (m *memStore) JobSessionIDs(_ context.Context, jobID string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.jobSess[jobID]...), nil
}

func (m *memStore) SetJobStatus(_ context.Context, jobID, status string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return false, store.ErrNotFound
	}
	if j.Status == store.JobStatusCanceling || j.CompletedAt != nil {
		return false, nil
	}
	j.Status = status
	return true, nil
}

func (m *memStore) SetJobStrategy(_ context.Context, jobID, q string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	j.IntermediateQuestion = &q
	return nil
}

func (m *memStore) CompleteJob(_ context.Context, jobID, finalResult string, pt, ct, durMS int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.CompletedAt != nil || j.Status == store.JobStatusCanceling {
		return false, nil
	}
	now := time.Now()
	j.Status = store.JobStatusCompleted
	j.FinalResult = &finalResult
	j.PromptTokens = &pt
	j.CompletionTokens = &ct
	j.DurationMS = &durMS
	j.CompletedAt = &now
	return true, nil
}

func (m *memStore) FailJob(_ context.Context, jobID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.CompletedAt != nil {
		return nil
	}
	now := time.Now()
	j.Status = store.JobStatusFailed
	j.ErrorMessage = &errMsg
	j.CompletedAt = &now
	return nil
}

func (m *memStore) FinalizeCanceled(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.CompletedAt != nil {
		return nil
	}
	now := time.Now()
	j.Status = store.JobStatusCanceled
	j.CompletedAt = &now
	return nil
}

func (m *memStore) RequestCancel(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return false, nil
	}
	switch j.Status {
	case store.JobStatusPending, store.JobStatusGeneratingStrategy, store.JobStatusMapping, store.JobStatusReducing:
		now := time.Now()
		j.Status = store.JobStatusCanceling
		j.CancelingSince = &now
		return true, nil
	}
	return false, nil
}

func (m *memStore) CancelRequested(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return false, store.ErrNotFound
	}
	return j.Status == store.JobStatusCanceling, nil
}

func (m *memStore) DeleteAnalysisJob(_ context.Context, jobID string, grace time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return false, nil
	}
	deletable := store.IsTerminalJobStatus(j.Status) ||
		(j.Status == store.JobStatusCanceling && j.CancelingSince != nil && time.Since(*j.CancelingSince) > grace)
	if !deletable {
		return false, nil
	}
	delete(m.jobs, jobID)
	delete(m.jobSess, jobID)
	for _, s := range m.summaries[jobID] {
		delete(m.summaryIdx, s.ID)
	}
	delete(m.summaries, jobID)
	return true, nil
}

func (m *memStore) CreateIntermediateSummaries(_ context.Context, jobID string, sessionIDs []int64) ([]store.IntermediateSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.IntermediateSummary, 0, len(sessionIDs))
	for _, sid := range sessionIDs {
		sum := &store.IntermediateSummary{
			ID:            uuid.NewString(),
			AnalysisJobID: jobID,
			SessionID:     sid,
			Status:        store.SummaryStatusPending,
			CreatedAt:     time.Now(),
			UpdatedAt:     time.Now(),
		}
		m.summaries[jobID] = append(m.summaries[jobID], sum)
		m.summaryIdx[sum.ID] = sum
		out = append(out, *sum)
	}
	return out, nil
}

func (m *memStore) MarkSummaryProcessing(_ context.Context, summaryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaryIdx[summaryID]
	if !ok {
		return store.ErrNotFound
	}
	s.Status = store.SummaryStatusProcessing
	s.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) CompleteSummary(_ context.Context, summaryID, text string, pt, ct, durMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaryIdx[summaryID]
	if !ok {
		return store.ErrNotFound
	}
	s.Status = store.SummaryStatusCompleted
	s.SummaryText = &text
	s.PromptTokens = &pt
	s.CompletionTokens = &ct
	s.DurationMS = &durMS
	s.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) FailSummary(_ context.Context, summaryID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaryIdx[summaryID]
	if !ok {
		return store.ErrNotFound
	}
	s.Status = store.SummaryStatusFailed
	s.ErrorMessage = &errMsg
	s.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) ListSummariesByJob(_ context.Context, jobID string) ([]store.IntermediateSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.IntermediateSummary, 0, len(m.summaries[jobID]))
	for _, s := range m.summaries[jobID] {
		out = append(out, *s)
	}
	return out, nil
}

func (m *memStore) ListJobsInStatuses(_ context.Context, statuses ...string) ([]store.AnalysisJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.AnalysisJob
	for _, j := range m.jobs {
		for _, st := range statuses {
			if j.Status == st {
				out = append(out, *j)
				break
			}
		}
	}
	return out, nil
}

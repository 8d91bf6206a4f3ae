// Package analysis runs the map/reduce question-answering pipeline over
// recorded sessions: an optional strategy stage derives a focused
// sub-question, the map stage summarizes each session transcript, and the
// reduce stage synthesizes the final answer from the summaries.
package analysis

import "time"

// Event phases, matching the pipeline stage that produced the event.
const (
	PhaseStrategy = "strategy"
	PhaseMap      = "map"
	PhaseReduce   = "reduce"
	PhaseStatus   = "status"
	PhaseSnapshot = "snapshot"
)

// Event types within a phase.
const (
	EventStart    = "start"
	EventToken    = "token"
	EventEnd      = "end"
	EventError    = "error"
	EventStatus   = "status"
	EventSnapshot = "snapshot"
)

// Event is one progress notification for a job. Token events carry Delta;
// end events carry the usage fields; status events carry Status; error
// events carry Message. Map-phase events additionally identify the session
// and summary they belong to.
type Event struct {
	JobID            string    `json:"job_id"`
	Timestamp        time.Time `json:"timestamp"`
	Phase            string    `json:"phase"`
	Type             string    `json:"type"`
	SessionID        *int64    `json:"session_id,omitempty"`
	SummaryID        *string   `json:"summary_id,omitempty"`
	Delta            *string   `json:"delta,omitempty"`
	PromptTokens     *int64    `json:"prompt_tokens,omitempty"`
	CompletionTokens *int64    `json:"completion_tokens,omitempty"`
	DurationMS       *int64    `json:"duration_ms,omitempty"`
	Status           *string   `json:"status,omitempty"`
	Message          *string   `json:"message,omitempty"`
}

func statusEvent(jobID, status string) Event {
	return Event{
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Phase:     PhaseStatus,
		Type:      EventStatus,
		Status:    &status,
	}
}

func phaseEvent(jobID, phase, typ string) Event {
	return Event{JobID: jobID, Timestamp: time.Now().UTC(), Phase: phase, Type: typ}
}

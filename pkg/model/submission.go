package model

import "time"

// Outcome is the recorded result of a compilation or evaluation.
type Outcome string

const (
	OutcomeNone Outcome = ""     // not attempted yet
	OutcomeOK   Outcome = "ok"   // finished and accepted
	OutcomeFail Outcome = "fail" // finished but rejected (e.g. compile error)
)

// Submission is one contestant submission moving through the evaluation
// pipeline. The scheduler references submissions by ID only; everything else
// lives here and in the store.
type Submission struct {
	ID           string    `json:"id"`
	TaskName     string    `json:"task_name"`
	Timestamp    time.Time `json:"timestamp"`
	SourceDigest string    `json:"source_digest,omitempty"`
	Tokened      bool      `json:"tokened"`

	CompilationOutcome Outcome `json:"compilation_outcome"`
	CompilationTries   int     `json:"compilation_tries"`
	EvaluationOutcome  Outcome `json:"evaluation_outcome"`
	EvaluationTries    int     `json:"evaluation_tries"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Compiled reports whether the submission has a successful compilation.
func (s *Submission) Compiled() bool {
	return s.CompilationOutcome == OutcomeOK
}

// Evaluated reports whether the submission has a recorded evaluation result.
func (s *Submission) Evaluated() bool {
	return s.EvaluationOutcome != OutcomeNone
}

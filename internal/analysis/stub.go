package analysis

import (
	"context"
)

// Stub is a canned Analyzer for tests and for running the server without
// a model endpoint configured.
type Stub struct {
	Candidates  []PromiseCandidate
	Predictions []ConsequencePrediction
	Assessment  *PayoffAssessment
	Judgment    *ConflictJudgment
	Err         error

	// Calls counts invocations by task, useful for asserting that a
	// service did or did not consult the analyzer.
	Calls map[Task]int
}

func NewStub() *Stub {
	return &Stub{Calls: make(map[Task]int)}
}

func (s *Stub) record(t Task) {
	if s.Calls == nil {
		s.Calls = make(map[Task]int)
	}
	s.Calls[t]++
}

func (s *Stub) DetectPromises(ctx context.Context, in DetectPromisesInput) ([]PromiseCandidate, error) {
	s.record(TaskDetectPromises)
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Candidates, nil
}

func (s *Stub) PredictConsequences(ctx context.Context, in PredictConsequencesInput) ([]ConsequencePrediction, error) {
	s.record(TaskPredictConsequences)
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Predictions, nil
}

func (s *Stub) ValidatePayoff(ctx context.Context, in ValidatePayoffInput) (*PayoffAssessment, error) {
	s.record(TaskValidatePayoff)
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Assessment == nil {
		return &PayoffAssessment{Valid: true, Completeness: 100}, nil
	}
	return s.Assessment, nil
}

func (s *Stub) CheckConflictJudgment(ctx context.Context, in ConflictJudgmentInput) (*ConflictJudgment, error) {
	s.record(TaskCheckConflictJudgment)
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Judgment == nil {
		return &ConflictJudgment{Contradictory: true}, nil
	}
	return s.Judgment, nil
}

var _ Analyzer = (*Stub)(nil)

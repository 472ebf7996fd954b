package pipeline

import (
	"fmt"
	"time"
)

// Stage is a step of a run. Runs only move forward.
type Stage string

const (
	StageIntake     Stage = "INTAKE"
	StageEstimate   Stage = "ESTIMATE"
	StageForecast   Stage = "FORECAST"
	StageSynthesize Stage = "SYNTHESIZE"
	StageDone       Stage = "DONE"
)

var order = map[Stage]int{
	StageIntake:     0,
	StageEstimate:   1,
	StageForecast:   2,
	StageSynthesize: 3,
	StageDone:       4,
}

// CanTransition reports whether a run may move from one stage to the next. Only the
// immediate successor is allowed.
func CanTransition(from, to Stage) bool {
	f, ok := order[from]
	if !ok {
		return false
	}
	t, ok := order[to]
	if !ok {
		return false
	}
	return t == f+1
}

// StageRecord is the audit entry for one completed stage.
type StageRecord struct {
	Stage      Stage     `json:"stage"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS float64   `json:"duration_ms"`
	Degraded   bool      `json:"degraded"`
	Warnings   []string  `json:"warnings,omitempty"`
}

// tracker enforces forward-only progress for a single run and records each stage.
type tracker struct {
	current Stage
	started bool
	records []StageRecord
}

func (t *tracker) advance(to Stage) error {
	if !t.started {
		if to != StageIntake {
			return fmt.Errorf("run must start at %s, not %s", StageIntake, to)
		}
		t.started = true
		t.current = to
		return nil
	}
	if !CanTransition(t.current, to) {
		return fmt.Errorf("invalid stage transition %s -> %s", t.current, to)
	}
	t.current = to
	return nil
}

// run enters stage, executes fn and records its outcome.
func (t *tracker) run(stage Stage, fn func() (degraded bool, warnings []string)) (StageRecord, error) {
	if err := t.advance(stage); err != nil {
		return StageRecord{}, err
	}
	start := time.Now()
	degraded, warnings := fn()
	rec := StageRecord{
		Stage:      stage,
		StartedAt:  start.UTC(),
		DurationMS: float64(time.Since(start).Microseconds()) / 1000,
		Degraded:   degraded,
		Warnings:   warnings,
	}
	t.records = append(t.records, rec)
	return rec, nil
}

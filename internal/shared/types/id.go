package types

import (
	"fmt"

	"github.com/google/uuid"
)

// RunID identifies a single pipeline run. Every artifact a run produces
// (chart, report, log lines) is keyed by it so concurrent runs never collide.
type RunID string

// NewRunID generates a new random run ID
func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// NewDeterministicRunID derives a stable run ID from a batch name and case name.
// Re-running the same batch case overwrites its own artifacts and nothing else.
func NewDeterministicRunID(batch, name string) RunID {
	ns := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	return RunID(uuid.NewSHA1(ns, []byte(batch+":"+name)).String())
}

// ParseRunID parses a string into a RunID
func ParseRunID(s string) (RunID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("invalid run ID: %w", err)
	}
	return RunID(s), nil
}

// String returns the string representation
func (id RunID) String() string {
	return string(id)
}

// IsZero checks if the ID is empty
func (id RunID) IsZero() bool {
	return id == ""
}

// ChartKey returns the artifact key of the run's forecast chart.
func (id RunID) ChartKey() string {
	return string(id) + ".png"
}

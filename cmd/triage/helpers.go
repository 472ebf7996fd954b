package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fieldmed/triage/internal/pipeline"
)

// readInput returns the file contents, or nil when the file cannot be read. A nil
// artifact still runs: the affected stage degrades.
func readInput(logger *slog.Logger, path string) []byte {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("input unreadable, stage will degrade", "path", path, "error", err)
		return nil
	}
	return data
}

func writeAssessment(w io.Writer, a *pipeline.Assessment) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(a); err != nil {
		return fmt.Errorf("encode assessment: %w", err)
	}
	return nil
}

// probeDir checks that dir accepts new files.
func probeDir(dir string) error {
	f, err := os.CreateTemp(dir, ".ready-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/fieldmed/triage/internal/clinical"
	"github.com/fieldmed/triage/internal/pipeline"
	"github.com/fieldmed/triage/internal/shared/types"
)

const defaultBatchConcurrency = 4

// Manifest lists the casualties of one batch. Relative paths resolve against the
// manifest's directory.
type Manifest struct {
	Name        string         `yaml:"name"`
	Concurrency int            `yaml:"concurrency"`
	Cases       []ManifestCase `yaml:"cases"`
}

type ManifestCase struct {
	Name   string `yaml:"name"`
	Scan   string `yaml:"scan"`
	Vitals string `yaml:"vitals"`
}

var batchFlags struct {
	manifestPath string
	outDir       string
	concurrency  int
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Assess every case in a YAML manifest concurrently",
	Long: `Runs one independent pipeline per manifest case. Run IDs derive from the manifest
name and case name, so re-running a batch replaces its own charts and nothing else.
Prints one summary line per case; with --out-dir each assessment is written as <case>.json.`,
	RunE: runBatch,
}

func init() {
	f := batchCmd.Flags()
	f.StringVarP(&batchFlags.manifestPath, "manifest", "m", "", "Batch manifest YAML (required)")
	f.StringVar(&batchFlags.outDir, "out-dir", "", "Directory for per-case assessment JSON")
	f.IntVar(&batchFlags.concurrency, "concurrency", 0, "Concurrent runs (overrides the manifest)")

	_ = batchCmd.MarkFlagRequired("manifest")
}

func runBatch(cmd *cobra.Command, _ []string) error {
	manifest, err := loadManifest(batchFlags.manifestPath)
	if err != nil {
		return err
	}
	if batchFlags.concurrency > 0 {
		manifest.Concurrency = batchFlags.concurrency
	}
	if batchFlags.outDir != "" {
		if err := os.MkdirAll(batchFlags.outDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	app, err := loadApp()
	if err != nil {
		return err
	}

	results, err := executeBatch(cmd.Context(), app.Orchestrator, manifest, func(c ManifestCase) ([]byte, []byte) {
		return readInput(app.Logger, c.Scan), readInput(app.Logger, c.Vitals)
	}, batchFlags.outDir)
	if err != nil {
		return err
	}

	printBatchSummary(cmd.OutOrStdout(), manifest, results)
	return nil
}

// loadManifest parses and validates a manifest file.
func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.Name == "" {
		m.Name = filepath.Base(path)
	}
	if m.Concurrency <= 0 {
		m.Concurrency = defaultBatchConcurrency
	}
	if len(m.Cases) == 0 {
		return nil, fmt.Errorf("manifest %s lists no cases", path)
	}

	base := filepath.Dir(path)
	seen := make(map[string]bool, len(m.Cases))
	for i := range m.Cases {
		c := &m.Cases[i]
		if c.Name == "" {
			return nil, fmt.Errorf("manifest case %d has no name", i)
		}
		if strings.ContainsAny(c.Name, `/\`) || c.Name == "." || c.Name == ".." {
			return nil, fmt.Errorf("manifest case name %q must not be a path", c.Name)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("manifest case %q listed twice", c.Name)
		}
		seen[c.Name] = true
		if c.Scan == "" || c.Vitals == "" {
			return nil, fmt.Errorf("manifest case %q needs both scan and vitals", c.Name)
		}
		if !filepath.IsAbs(c.Scan) {
			c.Scan = filepath.Join(base, c.Scan)
		}
		if !filepath.IsAbs(c.Vitals) {
			c.Vitals = filepath.Join(base, c.Vitals)
		}
	}
	return &m, nil
}

// runner is the part of the orchestrator a batch needs.
type runner interface {
	RunWithID(ctx context.Context, id types.RunID, scan clinical.ScanArtifact, vitals clinical.VitalsArtifact) *pipeline.Assessment
}

// executeBatch runs every case with at most m.Concurrency runs in flight. Results are
// in manifest order. Runs never fail; a failed output write is reported after every
// case has finished and does not cancel its siblings.
func executeBatch(ctx context.Context, r runner, m *Manifest, read func(ManifestCase) ([]byte, []byte), outDir string) ([]*pipeline.Assessment, error) {
	results := make([]*pipeline.Assessment, len(m.Cases))
	writeErrs := make([]error, len(m.Cases))

	var g errgroup.Group
	g.SetLimit(m.Concurrency)

	for i, c := range m.Cases {
		g.Go(func() error {
			scan, vitals := read(c)
			a := r.RunWithID(ctx, types.NewDeterministicRunID(m.Name, c.Name),
				clinical.ScanArtifact{Name: filepath.Base(c.Scan), Data: scan},
				clinical.VitalsArtifact{Name: filepath.Base(c.Vitals), Data: vitals},
			)
			results[i] = a

			if outDir != "" {
				if err := writeCase(outDir, c.Name, a); err != nil {
					writeErrs[i] = fmt.Errorf("case %s: %w", c.Name, err)
				}
			}
			return nil
		})
	}

	g.Wait()
	return results, errors.Join(writeErrs...)
}

func writeCase(outDir, name string, a *pipeline.Assessment) error {
	f, err := os.Create(filepath.Join(outDir, name+".json"))
	if err != nil {
		return err
	}
	if err := writeAssessment(f, a); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printBatchSummary(w io.Writer, m *Manifest, results []*pipeline.Assessment) {
	degraded := 0
	for i, a := range results {
		if a == nil {
			continue
		}
		if a.Status == pipeline.StatusDegraded {
			degraded++
		}
		fmt.Fprintf(w, "%-20s %s  %-8s  %-11s  anomaly=%.2f%%  warnings=%d\n",
			m.Cases[i].Name, a.RunID, a.Status, a.Report.RiskLevel, a.Anomaly.VolumePercent, len(a.Warnings))
	}
	fmt.Fprintf(w, "%s: %d cases, %d degraded\n", m.Name, len(results), degraded)
}

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fieldmed/triage/internal/clinical"
)

var runFlags struct {
	scanPath   string
	vitalsPath string
	outPath    string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Assess one casualty from a scan image and a vitals CSV",
	Long: `Runs the full pipeline once and prints the assessment as JSON.
Unreadable inputs do not fail the command: the run degrades and reports why.`,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.scanPath, "scan", "", "Brain scan image: png, jpeg, gif, bmp, tiff or webp (required)")
	f.StringVar(&runFlags.vitalsPath, "vitals", "", "Vitals CSV (required)")
	f.StringVarP(&runFlags.outPath, "out", "o", "", "Write the assessment to this file instead of stdout")

	_ = runCmd.MarkFlagRequired("scan")
	_ = runCmd.MarkFlagRequired("vitals")
}

func runRun(cmd *cobra.Command, _ []string) error {
	app, err := loadApp()
	if err != nil {
		return err
	}

	scan := clinical.ScanArtifact{Name: filepath.Base(runFlags.scanPath), Data: readInput(app.Logger, runFlags.scanPath)}
	vitals := clinical.VitalsArtifact{Name: filepath.Base(runFlags.vitalsPath), Data: readInput(app.Logger, runFlags.vitalsPath)}

	result := app.Orchestrator.Run(cmd.Context(), scan, vitals)

	if runFlags.outPath == "" {
		return writeAssessment(cmd.OutOrStdout(), result)
	}

	f, err := os.Create(runFlags.outPath)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer f.Close()
	if err := writeAssessment(f, result); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s %s %s -> %s\n", result.RunID, result.Status, result.Report.RiskLevel, runFlags.outPath)
	return nil
}

// triage is the TBI field triage service and CLI: serve, run, batch, schema.
//
// Usage:
//
//	triage serve
//	triage run --scan=<image> --vitals=<csv> [--out=<file>]
//	triage batch --manifest=<yaml> [--out-dir=<dir>]
//	triage schema
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "triage",
	Short: "TBI decision support for field medics",
	Long: "triage estimates brain-scan anomaly volume, forecasts vitals, and synthesises\n" +
		"a structured risk report. Every run produces a schema-valid report, degraded or not.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

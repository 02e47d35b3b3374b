package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teivault/teivault/internal/cli/output"
	"github.com/teivault/teivault/pkg/exporter"
)

var (
	exportMode       string
	exportZip        string
	exportCollection string
	exportSchemas    bool
)

var exportCmd = &cobra.Command{
	Use:   "export <directory>",
	Short: "Export vault content as a directory tree or archive",
	Long: `Export the live vault content.

Gold-standard TEIs land in the main tree; superseded versions go under
versions/. The layout mode and filename transforms come from the
configuration and can be overridden per run.

Examples:
  # Export everything by file type
  teivault export ./out

  # One collection, nested by collection
  teivault export ./out --mode by_collection --collection acl-papers

  # Single zip archive
  teivault export ignored --zip corpus.zip`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportMode, "mode", "",
		"Layout: by_type, by_collection, or by_variant (default from config)")
	exportCmd.Flags().StringVar(&exportZip, "zip", "", "Write a zip archive instead of a tree")
	exportCmd.Flags().StringVar(&exportCollection, "collection", "", "Restrict to one collection")
	exportCmd.Flags().BoolVar(&exportSchemas, "schemas", false, "Also export RNG schemas")
}

func runExport(cmd *cobra.Command, args []string) error {
	rt, closeRt, err := openRuntime(GetConfigFile())
	if err != nil {
		return err
	}
	defer closeRt()

	mode := exporter.Mode(exportMode)
	if exportMode == "" {
		mode = exporter.Mode(rt.cfg.Export.Mode)
	}

	opts := exporter.Options{
		Mode:           mode,
		Collection:     exportCollection,
		Transforms:     rt.cfg.Export.Transforms,
		IncludeSchemas: exportSchemas || rt.cfg.Export.IncludeSchemas,
	}
	if exportZip != "" {
		opts.ZipPath = exportZip
	} else {
		opts.OutputDir = args[0]
	}

	stats, err := exporter.New(rt.vault, rt.bus).Run(context.Background(), opts)
	if err != nil {
		return err
	}

	output.SimpleTable(os.Stdout, [][2]string{
		{"Files written", fmt.Sprintf("%d", stats.FilesWritten)},
		{"Golds promoted", fmt.Sprintf("%d", stats.GoldsPromoted)},
		{"Bytes written", fmt.Sprintf("%d", stats.BytesWritten)},
		{"Duration", formatDuration(stats.DurationMs)},
	})
	if len(stats.Errors) > 0 {
		fmt.Printf("\n%d entries failed:\n", len(stats.Errors))
		for _, e := range stats.Errors {
			fmt.Printf("  %s: %s\n", e.StableID, e.Err)
		}
	}
	return nil
}

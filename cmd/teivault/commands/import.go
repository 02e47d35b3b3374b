package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teivault/teivault/internal/cli/output"
	"github.com/teivault/teivault/pkg/importer"
)

var (
	importCollections []string
	importDryRun      bool
	importWatch       bool
	importCreatedBy   string
)

var importCmd = &cobra.Command{
	Use:   "import <directory>",
	Short: "Import PDF, TEI, and RNG files from a directory tree",
	Long: `Import a directory tree into the vault.

Files are deduplicated by content hash; TEI documents are paired with
their PDF sources by document identifier, and gold-standard TEIs are
detected by the configured policies. Top-level directory names become
collections unless --collection overrides them.

Examples:
  # One-shot import
  teivault import ~/annotations

  # Report without writing
  teivault import ~/annotations --dry-run

  # Keep watching the tree and import on change
  teivault import ~/annotations --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringSliceVar(&importCollections, "collection", nil,
		"Assign these collections instead of deriving from the directory layout")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Resolve and report without writing")
	importCmd.Flags().BoolVar(&importWatch, "watch", false, "Keep running and import on filesystem changes")
	importCmd.Flags().StringVar(&importCreatedBy, "created-by", "", "Creator stamped on new entries (default: $USER)")
}

func runImport(cmd *cobra.Command, args []string) error {
	root := args[0]
	if _, err := os.Stat(root); err != nil {
		return fmt.Errorf("import root: %w", err)
	}

	rt, closeRt, err := openRuntime(GetConfigFile())
	if err != nil {
		return err
	}
	defer closeRt()

	createdBy := importCreatedBy
	if createdBy == "" {
		createdBy = os.Getenv("USER")
	}

	policies := make([]importer.GoldPolicy, 0, len(rt.cfg.Import.GoldPolicies))
	for _, p := range rt.cfg.Import.GoldPolicies {
		policies = append(policies, importer.GoldPolicy(p))
	}

	opts := importer.Options{
		Collections:    importCollections,
		SkipDirs:       rt.cfg.Import.SkipDirs,
		GoldPolicies:   policies,
		GoldRegex:      rt.cfg.Import.GoldRegex,
		GoldDir:        rt.cfg.Import.GoldDir,
		DefaultVariant: rt.cfg.Import.DefaultVariant,
		DryRun:         importDryRun,
		CreatedBy:      createdBy,
	}

	imp := importer.New(rt.vault, rt.bus)
	ctx := context.Background()

	if importWatch {
		fmt.Printf("Watching %s, press Ctrl+C to stop.\n", root)
		return imp.Watch(ctx, root, opts)
	}

	stats, err := imp.Run(ctx, root, opts)
	if err != nil {
		return err
	}
	printImportStats(stats)
	return nil
}

func printImportStats(stats *importer.Stats) {
	if stats.DryRun {
		fmt.Println("Dry run, nothing was written.")
	}
	output.SimpleTable(os.Stdout, [][2]string{
		{"Scanned", fmt.Sprintf("%d", stats.Scanned)},
		{"PDFs", fmt.Sprintf("%d", stats.PDFs)},
		{"TEIs", fmt.Sprintf("%d", stats.TEIs)},
		{"Schemas", fmt.Sprintf("%d", stats.Schemas)},
		{"Gold assigned", fmt.Sprintf("%d", stats.GoldAssigned)},
		{"Skipped", fmt.Sprintf("%d", stats.Skipped)},
		{"Duration", formatDuration(stats.DurationMs)},
	})
	if len(stats.Errors) > 0 {
		fmt.Printf("\n%d files failed:\n", len(stats.Errors))
		for _, e := range stats.Errors {
			fmt.Printf("  %s: %s\n", e.Path, e.Err)
		}
	}
}

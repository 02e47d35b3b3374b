package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/teivault/teivault/internal/cli/output"
	"github.com/teivault/teivault/internal/cli/prompt"
	"github.com/teivault/teivault/pkg/gc"
)

var (
	gcCutoffHours int
	gcDryRun      bool
	gcAdmin       bool
	gcYes         bool
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Purge old deleted entries and orphaned blobs",
	Long: `Run garbage collection: purge soft-deleted catalog rows older than the
cutoff, delete unreferenced blobs, remove TEI entries whose PDF source
is gone, and clear the schema cache and scratch space.

Cutoffs younger than 24 hours require --admin.

Examples:
  # Preview what a 7-day cutoff would remove
  teivault gc --cutoff-hours 168 --dry-run

  # Purge everything deleted more than 48 hours ago
  teivault gc --cutoff-hours 48

  # Administrative full purge, no confirmation
  teivault gc --cutoff-hours 0 --admin --yes`,
	RunE: runGC,
}

func init() {
	gcCmd.Flags().IntVar(&gcCutoffHours, "cutoff-hours", 168,
		"Purge soft-deleted rows older than this many hours (0 with --admin purges all)")
	gcCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "Report without changing anything")
	gcCmd.Flags().BoolVar(&gcAdmin, "admin", false, "Lift the 24 hour minimum cutoff age")
	gcCmd.Flags().BoolVar(&gcYes, "yes", false, "Skip the confirmation prompt")
}

func runGC(cmd *cobra.Command, args []string) error {
	rt, closeRt, err := openRuntime(GetConfigFile())
	if err != nil {
		return err
	}
	defer closeRt()

	var cutoff time.Time
	if gcCutoffHours > 0 {
		cutoff = time.Now().Add(-time.Duration(gcCutoffHours) * time.Hour)
	} else if !gcAdmin {
		return fmt.Errorf("a zero cutoff purges every deleted entry and requires --admin")
	}

	if !gcDryRun {
		ok, err := prompt.ConfirmWithForce("Purge deleted entries and orphaned blobs?", gcYes)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}
	}

	stats, err := gc.New(rt.catalog, rt.blobs).Run(context.Background(), gc.Options{
		Cutoff:         cutoff,
		Admin:          gcAdmin,
		DryRun:         gcDryRun,
		SchemaCacheDir: rt.cfg.Data.SchemaCacheDir(),
		TmpDir:         rt.cfg.Data.TmpDir(),
	})
	if err != nil {
		return err
	}

	if gcDryRun {
		fmt.Println("Dry run, nothing was removed.")
	}
	output.SimpleTable(os.Stdout, [][2]string{
		{"Purged rows", fmt.Sprintf("%d", stats.PurgedRows)},
		{"Orphan blobs deleted", fmt.Sprintf("%d", stats.OrphanBlobsDeleted)},
		{"Bytes freed", fmt.Sprintf("%d", stats.OrphanBytesFreed)},
		{"Duplicates removed", fmt.Sprintf("%d", stats.DuplicatesRemoved)},
		{"Collections synced", fmt.Sprintf("%d", stats.CollectionsSynced)},
		{"Inbox assigned", fmt.Sprintf("%d", stats.InboxAssigned)},
		{"Orphaned TEIs deleted", fmt.Sprintf("%d", stats.OrphanedXMLDeleted)},
		{"Cache files cleared", fmt.Sprintf("%d", stats.CacheFilesCleared)},
		{"Duration", formatDuration(stats.DurationMs)},
	})
	return nil
}

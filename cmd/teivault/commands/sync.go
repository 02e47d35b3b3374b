package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teivault/teivault/internal/cli/output"
	"github.com/teivault/teivault/pkg/sync"
)

var syncForce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize with the remote replica",
	Long: `Run one synchronization pass against the configured WebDAV remote.

The run is skipped when there are no local changes and the replica
version matches; --force runs the full sequence anyway.

Examples:
  teivault sync
  teivault sync --force`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "Sync even when the fast-path check sees nothing to do")
}

func runSync(cmd *cobra.Command, args []string) error {
	rt, closeRt, err := openRuntime(GetConfigFile())
	if err != nil {
		return err
	}
	defer closeRt()

	if rt.engine == nil {
		return fmt.Errorf("no remote replica configured (set remote.url in the config)")
	}

	summary, err := rt.engine.Perform(context.Background(), sync.Options{
		Force:    syncForce,
		LockWait: rt.cfg.Sync.LockWait,
	})
	if err != nil {
		return err
	}

	if summary.Skipped {
		fmt.Printf("Already in sync at replica version %d.\n", summary.NewVersion)
		return nil
	}

	output.SimpleTable(os.Stdout, [][2]string{
		{"Uploads", fmt.Sprintf("%d", summary.Uploads)},
		{"Downloads", fmt.Sprintf("%d", summary.Downloads)},
		{"Metadata updates", fmt.Sprintf("%d", summary.MetadataUpdates)},
		{"Deletions applied", fmt.Sprintf("%d", summary.DeletionsLocal)},
		{"Deletions published", fmt.Sprintf("%d", summary.DeletionsRemote)},
		{"Conflicts", fmt.Sprintf("%d", summary.Conflicts)},
		{"File errors", fmt.Sprintf("%d", summary.Errors)},
		{"Replica version", fmt.Sprintf("%d", summary.NewVersion)},
		{"Duration", formatDuration(summary.DurationMs)},
	})
	return nil
}

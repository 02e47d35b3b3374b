package commands

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/teivault/teivault/internal/cli/output"
	"github.com/teivault/teivault/pkg/catalog"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault counts and synchronization state",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, closeRt, err := openRuntime(GetConfigFile())
	if err != nil {
		return err
	}
	defer closeRt()

	ctx := context.Background()
	stats, err := rt.vault.Stats(ctx)
	if err != nil {
		return err
	}
	version, err := rt.catalog.LocalRemoteVersion(ctx)
	if err != nil {
		return err
	}

	lastSync := "never"
	if !stats.LastSync.IsZero() {
		lastSync = stats.LastSync.Local().Format("2006-01-02 15:04:05")
	}
	remoteURL := rt.cfg.Remote.URL
	if remoteURL == "" {
		remoteURL = "not configured"
	}

	output.SimpleTable(os.Stdout, [][2]string{
		{"Data directory", rt.cfg.Data.Dir},
		{"Entries", fmt.Sprintf("%d", stats.Entries)},
		{"Deleted", fmt.Sprintf("%d", stats.Deleted)},
		{"Unsynced", fmt.Sprintf("%d", stats.Unsynced)},
		{"Active locks", fmt.Sprintf("%d", stats.ActiveLocks)},
		{"Remote", remoteURL},
		{"Replica version", fmt.Sprintf("%d", version)},
		{"Last sync", lastSync},
	})

	if stats.Blobs != nil {
		fmt.Println()
		rows := [][]string{
			{"total", fmt.Sprintf("%d", stats.Blobs.Blobs), fmt.Sprintf("%d", stats.Blobs.TotalSize)},
		}
		types := make([]catalog.FileType, 0, len(stats.Blobs.ByType))
		for ft := range stats.Blobs.ByType {
			types = append(types, ft)
		}
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
		for _, ft := range types {
			rows = append(rows, []string{string(ft), fmt.Sprintf("%d", stats.Blobs.ByType[ft]), ""})
		}
		output.PrintTable(os.Stdout, []string{"Blobs", "Count", "Bytes"}, rows)
	}
	return nil
}

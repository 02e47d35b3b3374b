package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/teivault/teivault/pkg/config"
)

var (
	initForce   bool
	initDataDir string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the configuration file and data directory",
	Long: `Initialize a teivault configuration file and the local data layout.

By default the configuration file is created at
$XDG_CONFIG_HOME/teivault/config.yaml and the data directory at
$XDG_DATA_HOME/teivault.

Examples:
  # Initialize with default locations
  teivault init

  # Custom data directory
  teivault init --data /srv/teivault

  # Force overwrite an existing config
  teivault init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	initCmd.Flags().StringVar(&initDataDir, "data", "", "Data directory (default: $XDG_DATA_HOME/teivault)")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("config file already exists: %s (use --force to overwrite)", configPath)
	}

	cfg := config.GetDefaultConfig()
	if initDataDir != "" {
		cfg.Data.Dir = initDataDir
		// Re-derive the data-rooted paths for the new root.
		cfg.Database.Path = cfg.Data.CatalogPath()
		cfg.Locks.Path = cfg.Data.LocksPath()
		cfg.Remote.TmpDir = cfg.Data.TmpDir()
	}

	if err := config.SaveConfig(cfg, configPath); err != nil {
		return err
	}

	// Lay out the data directory up front so the first import does
	// not have to.
	for _, dir := range []string{
		cfg.Data.FilesDir(),
		filepath.Dir(cfg.Data.CatalogPath()),
		cfg.Data.SchemaCacheDir(),
		cfg.Data.TmpDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Printf("Data directory initialized at: %s\n", cfg.Data.Dir)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration to point at your WebDAV remote (optional)")
	fmt.Println("  2. Import existing documents: teivault import /path/to/files")
	fmt.Println("  3. Start the server: teivault serve")
	return nil
}

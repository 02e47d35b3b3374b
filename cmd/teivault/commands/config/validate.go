package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teivault/teivault/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the teivault configuration file.

Checks for syntax errors, missing required fields, and invalid values.

Examples:
  # Validate default config
  teivault config validate

  # Validate specific config file
  teivault config validate --config /etc/teivault/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	var warnings []string
	if cfg.Remote.URL == "" {
		warnings = append(warnings, "No remote replica configured - synchronization is disabled")
	} else if cfg.Remote.Password == "" {
		warnings = append(warnings, "Remote replica has no password - anonymous WebDAV access will be used")
	}
	if cfg.Sync.Auto && cfg.Remote.URL == "" {
		warnings = append(warnings, "sync.auto is set but no remote.url is configured")
	}

	fmt.Printf("Configuration file: %s\n", displayPath)
	fmt.Println("Validation: OK")

	if len(warnings) > 0 {
		fmt.Println("\nWarnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
	}

	fmt.Printf("\nConfiguration summary:\n")
	fmt.Printf("  Data directory:  %s\n", cfg.Data.Dir)
	fmt.Printf("  Database type:   %s\n", cfg.Database.Type)
	fmt.Printf("  API port:        %d\n", cfg.API.Port)
	fmt.Printf("  Log level:       %s\n", cfg.Logging.Level)

	return nil
}

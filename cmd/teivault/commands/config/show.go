package config

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/teivault/teivault/internal/cli/output"
	"github.com/teivault/teivault/pkg/config"
)

var showOutput string

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	Long: `Display the effective configuration after defaults and environment
overrides are applied.

Examples:
  # Show the effective config as YAML
  teivault config show

  # Show as JSON
  teivault config show --output json

  # Show a specific config file
  teivault config show --config /etc/teivault/config.yaml`,
	RunE: runConfigShow,
}

func init() {
	showCmd.Flags().StringVarP(&showOutput, "output", "o", "yaml", "Output format (yaml|json)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	format, err := output.ParseFormat(showOutput)
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, cfg)
	default:
		return output.PrintYAML(os.Stdout, cfg)
	}
}

package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/beamlink/beam/pkg/config"
)

var showOutput string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective configuration",
	Long: `Display the configuration after merging file, environment, and
defaults. Useful to verify what the server would actually run with.

Examples:
  # Show effective config as YAML
  beamd config show

  # Show as JSON
  beamd config show --output json

  # Show a specific config file
  beamd config show --config /etc/beam/config.yaml`,
	RunE: runConfigShow,
}

func init() {
	configShowCmd.Flags().StringVarP(&showOutput, "output", "o", "yaml", "Output format (yaml|json)")
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}

	switch showOutput {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(cfg)
	default:
		return fmt.Errorf("unknown output format %q (want yaml or json)", showOutput)
	}
}

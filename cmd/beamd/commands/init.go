package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/beamlink/beam/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample beam configuration file populated with defaults.

By default, the configuration file is created at $XDG_CONFIG_HOME/beam/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  beamd init

  # Initialize with custom path
  beamd init --config /etc/beam/config.yaml

  # Force overwrite existing config
  beamd init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
	}

	if err := config.SaveConfig(config.GetDefaultConfig(), configPath); err != nil {
		return err
	}

	fmt.Printf("Configuration file created at %s\n", configPath)
	fmt.Println("Edit it to suit your deployment, then run: beamd start")
	return nil
}

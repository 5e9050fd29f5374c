package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cedadev/nlds/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample NLDS configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/nlds/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  nlds init

  # Initialize with custom path
  nlds init --config /etc/nlds/config.yaml

  # Force overwrite existing config
  nlds init --force`,
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
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file: at least the rabbit url and the")
	fmt.Println("     object store tenancy need values for your deployment")
	fmt.Println("  2. Start the workers, one process per queue:")
	fmt.Println("       nlds serve catalog")
	fmt.Println("       nlds serve index")
	fmt.Println("       ...")
	fmt.Println("  3. Or run everything in one process for development:")
	fmt.Println("       nlds serve all")
	return nil
}

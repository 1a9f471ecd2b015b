package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dispatch-sh/dispatch/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample Dispatch configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/dispatch/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  dispatch init

  # Initialize with custom path
  dispatch init --config /etc/dispatch/config.yaml

  # Force overwrite existing config
  dispatch init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error

	if configFile != "" {
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Set auth.key so clients must authenticate")
	fmt.Println("  3. Start the server with: dispatch start")
	fmt.Printf("  4. Or specify custom config: dispatch start --config %s\n", configPath)

	return nil
}

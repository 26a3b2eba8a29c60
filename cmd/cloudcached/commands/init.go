package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/cloudcached/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample cloudcached configuration file.

By default, the configuration file is created at
$XDG_CONFIG_HOME/cloudcached/config.yaml. Use --config to specify a custom
path.

Examples:
  # Initialize with default location
  cloudcached init

  # Initialize with custom path
  cloudcached init --config /etc/cloudcached/config.yaml

  # Force overwrite existing config
  cloudcached init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	var configPath string
	var err error

	if configFile := GetConfigFile(); configFile != "" {
		configPath = configFile
		err = config.InitConfigToPath(configFile, initForce)
	} else {
		configPath, err = config.InitConfig(initForce)
	}
	if err != nil {
		return fmt.Errorf("initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit volume.size and backend settings to match your deployment")
	fmt.Println("  2. Start the mount with: cloudcached start")
	fmt.Printf("  3. Or specify a custom config: cloudcached start --config %s\n", configPath)
	return nil
}

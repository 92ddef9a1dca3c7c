package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage SnookerTracker configuration",
	Long:  `View and manage SnookerTracker application configuration.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration, including environment overrides.`,
	Example: `  # Show configuration as YAML (default)
  snookertracker config show

  # Show configuration as JSON
  snookertracker config show --format json`,
	RunE: runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a configuration value",
	Long:  `Set a specific configuration value. Nested keys use dots.`,
	Example: `  # Set server port
  snookertracker config set server_port 9090

  # Allow a deeper frame queue
  snookertracker config set pipeline.queue_capacity 2

  # Give the pipeline longer to stop
  snookertracker config set pipeline.shutdown_grace 10s`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Get a configuration value",
	Long:  `Get a specific configuration value.`,
	Example: `  # Get server port
  snookertracker config get server_port

  # Get preview frame rate
  snookertracker config get preview.fps`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configuration keys",
	RunE:  runConfigKeys,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	Long:  `Display the path to the configuration file.`,
	RunE:  runConfigPath,
}

var formatFlag string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configKeysCmd)
	configCmd.AddCommand(configPathCmd)

	configShowCmd.Flags().StringVarP(&formatFlag, "format", "f", "yaml", "output format (yaml or json)")
}

// encode writes v to stdout in the given format
func encode(format string, v any) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		defer encoder.Close()
		return encoder.Encode(v)
	default:
		return fmt.Errorf("unsupported format: %s (use 'yaml' or 'json')", format)
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return encode(formatFlag, cfg)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	configMgr, _, err := loadConfig()
	if err != nil {
		return err
	}

	if err := configMgr.Set(key, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	fmt.Printf("✅ Configuration updated: %s = %s\n", key, value)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	configMgr, _, err := loadConfig()
	if err != nil {
		return err
	}

	if !configMgr.HasKey(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	fmt.Println(configMgr.GetViper().Get(key))
	return nil
}

func runConfigKeys(cmd *cobra.Command, args []string) error {
	configMgr, _, err := loadConfig()
	if err != nil {
		return err
	}
	for _, key := range configMgr.Keys() {
		fmt.Println(key)
	}
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	configMgr, _, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println(configMgr.GetConfigPath())
	return nil
}

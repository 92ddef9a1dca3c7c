package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/SnookerTracker/internal/errors"
	"github.com/bryanchriswhite/SnookerTracker/internal/settings"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Inspect and convert detection settings files",
	Long: `Detection settings hold the HSV range of every ball colour and the blob
filter parameters. Files ending in .json are JSON, everything else is YAML.`,
}

var settingsDefaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Print the default detection settings",
	Example: `  # Start a settings file from the defaults
  snookertracker settings defaults > table.yaml`,
	RunE: runSettingsDefaults,
}

var settingsShowCmd = &cobra.Command{
	Use:   "show FILE",
	Short: "Validate and print a settings file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSettingsShow,
}

var settingsConvertCmd = &cobra.Command{
	Use:   "convert IN OUT",
	Short: "Convert a settings file between YAML and JSON",
	Example: `  # YAML to JSON
  snookertracker settings convert table.yaml table.json`,
	Args: cobra.ExactArgs(2),
	RunE: runSettingsConvert,
}

var settingsFormat string

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsDefaultsCmd)
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsConvertCmd)

	settingsCmd.PersistentFlags().StringVarP(&settingsFormat, "format", "f", "yaml", "output format (yaml or json)")
}

// readSettings parses and validates the file at path
func readSettings(path string) (settings.Values, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return settings.Values{}, &errors.ConfigError{Op: errors.OpLoad, Path: path, Err: err}
	}
	v, err := settings.CodecForPath(path).Parse(data)
	if err != nil {
		return settings.Values{}, &errors.ConfigError{Op: errors.OpParse, Path: path, Err: err}
	}
	return v, nil
}

func runSettingsDefaults(cmd *cobra.Command, args []string) error {
	return encode(settingsFormat, settings.Defaults())
}

func runSettingsShow(cmd *cobra.Command, args []string) error {
	v, err := readSettings(args[0])
	if err != nil {
		return err
	}
	return encode(settingsFormat, v)
}

func runSettingsConvert(cmd *cobra.Command, args []string) error {
	in, out := args[0], args[1]

	v, err := readSettings(in)
	if err != nil {
		return err
	}
	if err := settings.NewStore(v, nil).Save(out); err != nil {
		return err
	}

	fmt.Printf("✅ Converted %s (%s) -> %s (%s)\n",
		in, settings.CodecForPath(in).Name(), out, settings.CodecForPath(out).Name())
	return nil
}

package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/trellis-sandbox/trellis/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or save configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := config.Display()
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the resolved configuration to the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := config.Save(cfg); err != nil {
			color.Red("✗ Failed to save config: %v", err)
			return err
		}
		color.Green("✓ Configuration saved")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configGetCmd, configInitCmd)
}

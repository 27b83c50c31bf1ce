package cmd

import (
	"github.com/spf13/cobra"

	"alarmaway/internal/app"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration file and exit.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		if err := app.ValidateConfig(cmd.Context(), cfg); err != nil {
			return err
		}
		cmd.Println("config ok:", configPath)
		return nil
	},
}

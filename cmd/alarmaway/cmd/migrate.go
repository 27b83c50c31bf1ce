package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"alarmaway/internal/app"
	logx "alarmaway/pkg/logx"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema and exit.",
	Long:  "Opens the configured sqlite or postgres store, which applies pending schema migrations.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		log := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "migrate"))
		st, driver, err := app.OpenStorage(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer st.Close()
		log.Info("schema up to date", logx.String("driver", driver))
		return nil
	},
}

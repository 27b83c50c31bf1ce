package cmd

import (
	"os"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"alarmaway/internal/config"
)

const defaultConfigPath = "./config.yaml"

var (
	// configPath to the JSON or YAML configuration file.
	configPath string

	rootCmd = &cobra.Command{
		Use:   "alarmaway",
		Short: "Wake-up call escalation service.",
		Long: `AlarmAway calls and texts a sleeper on an escalating schedule until
they reply to any call or text.

Secrets are read from the environment:
` + config.EnvUsage(),
		SilenceUsage: true,
	}
)

// Execute runs the CLI and exits with non-zero status on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")
	rootCmd.AddCommand(serveCmd, scheduleCmd, migrateCmd, checkCmd, versionCmd)
}

// loadConfig reads the config file and environment overrides. A missing
// file is allowed when allowMissing is set and yields defaults.
func loadConfig(allowMissing bool) (*config.Config, error) {
	if allowMissing {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			cfg := &config.Config{}
			env, err := config.ReadEnv()
			if err != nil {
				return nil, err
			}
			env.Apply(cfg)
			return cfg, nil
		}
	}
	return config.NewManager(configPath).Load()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information.",
	Run: func(cmd *cobra.Command, _ []string) {
		v := "devel"
		if bi, ok := debug.ReadBuildInfo(); ok {
			v = bi.Main.Version
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" {
					v += " " + strings.TrimSpace(s.Value)
				}
			}
		}
		cmd.Println("alarmaway", v)
	},
}

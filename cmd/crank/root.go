package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var logger zerolog.Logger

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "crank",
	Short: "Crank CLI replays trigger tooth streams through the angle-to-time scheduling core.",
	Long: `Crank CLI replays trigger tooth streams through the angle-to-time scheduling core. ` +
		`The replay subcommand synthesizes a trigger wheel at a fixed RPM, submits spark-style ` +
		`charge/fire requests per channel, and reports what the scheduler armed and fired.`,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		level := zerolog.InfoLevel
		if verbose {
			level = zerolog.DebugLevel
		}

		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(level).
			With().Timestamp().Logger()
	},
}

var verbose bool

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	// A .env next to the binary may override defaults such as CRANK_MONITOR_OPEN.
	_ = godotenv.Load()

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(
		&verbose, "verbose", "v", false, "enable debug logging")
}

package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use: "kestrelvm",
	Short: "kestrelvm runs demand-paging scenarios against the Kestrel " +
		"virtual memory stack.",
	Long: `kestrelvm runs demand-paging scenarios against the Kestrel ` +
		`virtual memory stack. It can exercise copy-on-write cloning, TLB ` +
		`shootdowns, and all supported page-table formats, record the ` +
		`resulting events into SQLite, and serve live state over HTTP.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Optional .env file; flags and env vars still win.
		_ = godotenv.Load()

		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			logrus.SetLevel(logrus.DebugLevel)
		} else if lvl := os.Getenv("KESTREL_LOG_LEVEL"); lvl != "" {
			if parsed, err := logrus.ParseLevel(lvl); err == nil {
				logrus.SetLevel(parsed)
			}
		}
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false,
		"enable debug logging")
}

// Package cli implements the portcullis command-line interface.
package cli

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "portcullis",
	Short: "Portcullis access control server",
	Long: `portcullis is the backend for badge-based door access control.

It evaluates access policies for door controllers, maintains authenticated
device sessions, detects suspicious badge activity, and tracks controller
availability.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: environment variables only)")
}

// Package cli provides the command-line interface for fbmsg.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jersoncarin/facebook-message-api/internal/cli/commands"
	"github.com/jersoncarin/facebook-message-api/internal/version"
)

// NewRootCommand builds the fbmsg command tree.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fbmsg",
		Short: "fbmsg - Messenger real-time event listener",
		Long: `fbmsg keeps a logged-in Messenger session connected to the real-time
stream and turns every delta into a normalized event, printed as text or JSON
lines and optionally served over a local HTTP gateway.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				return nil
			}
			return os.Setenv("FBMSG_CONFIG_PATH", path)
		},
	}

	rootCmd.AddCommand(commands.NewListenCommand())
	rootCmd.AddCommand(commands.NewStopCommand())
	rootCmd.AddCommand(commands.NewStatusCommand())
	rootCmd.AddCommand(commands.NewTailCommand())
	rootCmd.AddCommand(commands.NewConfigCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ~/.fbmsg/fbmsg.json)")

	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

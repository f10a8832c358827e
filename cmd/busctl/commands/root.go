// Package commands implements the CLI commands for busctl.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/buslink/buslink/cmd/busctl/cmdutil"
	"github.com/buslink/buslink/internal/logger"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "busctl",
	Short: "Send and receive messages on a local message bus",
	Long: `busctl is a narrow command-line client over pkg/busconn: issue one
method call and print the reply, emit one signal, or dump the raw wire
signature and body of a call's reply. It is not an eavesdropping monitor —
it never watches traffic it didn't itself send or request.

Use "busctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cmdutil.Flags.Bus, _ = cmd.Flags().GetString("bus")
		cmdutil.Flags.Peer, _ = cmd.Flags().GetString("peer")
		cmdutil.Flags.ConfigPath, _ = cmd.Flags().GetString("config")
		cmdutil.Flags.Timeout, _ = cmd.Flags().GetDuration("timeout")
		cmdutil.Flags.Verbose, _ = cmd.Flags().GetBool("verbose")

		level := "INFO"
		if cmdutil.Flags.Verbose {
			level = "DEBUG"
		}
		return logger.Init(logger.Config{Level: level, Format: "text", Output: "stderr"})
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().String("bus", "session", `Which bus to dial: "session", "system", or an explicit unix:/tcp: ConnectAddress`)
	rootCmd.PersistentFlags().String("peer", "", "Dial this ConnectAddress directly as a peer, skipping the Hello handshake")
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/buslink/config.yaml)")
	rootCmd.PersistentFlags().Duration("timeout", 0, "Reply/handshake timeout (default: bus.reply_timeout from config for the handshake, 25s for replies)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(emitCmd)
	rootCmd.AddCommand(introspectRawCmd)
}

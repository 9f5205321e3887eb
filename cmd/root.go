package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"lexsync/internal/config"
	"lexsync/internal/logger"
)

var version = "1.0.0"

// cfg is the configuration loaded by main; nil when loading failed.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "lexsync",
	Short: "lexsync - WooCommerce to Lexware invoice connector",
	Long: `lexsync turns WooCommerce orders into Lexware invoices and credit notes.

Order events are queued in a durable queue and processed against the Lexware
API with client side rate limiting and retries. Contacts are synchronized,
invoice numbers are written back to the order, cancellations produce credit
notes and edited orders get a regenerated invoice.`,
	Version: version,
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.WithComponent("root")
		log.Info().
			Str("version", version).
			Msg("lexsync executed")

		fmt.Println("lexsync - WooCommerce to Lexware connector")
		fmt.Println("Use --help to see available commands and options.")
	},
}

// Execute runs the CLI with the loaded configuration.
func Execute(c *config.Config) {
	log := logger.WithComponent("cmd")
	cfg = c

	if err := rootCmd.Execute(); err != nil {
		log.Error().
			Err(err).
			Msg("Command execution failed")
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information")
}

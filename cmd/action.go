package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"lexsync/internal/accounting"
	"lexsync/internal/admin"
	"lexsync/internal/logger"
	"lexsync/internal/queue"
	"lexsync/pkg/models"
)

var actionCmd = &cobra.Command{
	Use:   "action [create|void|email|unlink] [order-id]",
	Short: "Run a manual action for an order immediately",
	Long: `Run a manual order action without waiting for the queue processor.

  create  create the invoice (reuses a pending queue item)
  void    cancel the invoice with a credit note
  email   send the invoice to the customer
  unlink  remove every cached accounting id from the order`,
	Example: `  lexsync action create 1234
  lexsync action unlink 1234`,
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"create", "void", "email", "unlink"},
	RunE:      runAction,
}

func init() {
	rootCmd.AddCommand(actionCmd)
}

func runAction(cmd *cobra.Command, args []string) error {
	name, orderID := args[0], args[1]
	log := logger.WithOrder("action", orderID)

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	switch name {
	case "create", "void":
		action := queue.ActionCreateInvoice
		if name == "void" {
			action = queue.ActionVoidInvoice
		}
		item, err := a.processor.RunNow(ctx, orderID, action)
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s for order %s -> %s\n", action, orderID, item.ResultReference)

	case "email":
		order, err := a.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if order.InvoiceID() == "" {
			return fmt.Errorf("order %s: %w", orderID, accounting.ErrNoInvoice)
		}
		if err := a.notifier.SendInvoice(ctx, order); err != nil {
			return fmt.Errorf("failed to send invoice: %w", err)
		}
		if err := a.orders.AddNote(ctx, orderID, "Rechnung manuell per E-Mail versendet"); err != nil {
			log.Warn().Err(err).Str("order_id", orderID).Msg("Failed to add order note")
		}
		fmt.Printf("✓ Invoice of order %s sent\n", orderID)

	case "unlink":
		if err := a.orders.DeleteMeta(ctx, orderID, models.CachedIDKeys...); err != nil {
			return err
		}
		if err := a.orders.AddNote(ctx, orderID, admin.NoteUnlinked); err != nil {
			log.Warn().Err(err).Str("order_id", orderID).Msg("Failed to add order note")
		}
		fmt.Printf("✓ Order %s unlinked from Lexware\n", orderID)

	default:
		return fmt.Errorf("unknown action %q: use create, void, email or unlink", name)
	}
	return nil
}

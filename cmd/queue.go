package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"lexsync/internal/logger"
	"lexsync/internal/queue"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process queued order actions once",
	Long: `Process the oldest eligible queue item, or all eligible items with --all.

Use this from an external scheduler (cron, systemd timer) instead of serve.`,
	Example: `  # Process one item
  lexsync process

  # Drain the queue
  lexsync process --all`,
	Args: cobra.NoArgs,
	RunE: runProcess,
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [order-id] [action]",
	Short: "Queue an action for an order",
	Long: `Queue create_invoice, void_invoice or update_invoice for an order.

An action that is already pending for the order is not queued twice.`,
	Example: `  lexsync enqueue 1234 create_invoice`,
	Args:    cobra.ExactArgs(2),
	RunE:    runEnqueue,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List pending and failed queue items",
	Example: `  lexsync queue
  lexsync queue --limit 10 --json`,
	Args: cobra.NoArgs,
	RunE: runQueue,
}

func init() {
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(queueCmd)

	processCmd.Flags().Bool("all", false, "Process until no eligible item is left")
	queueCmd.Flags().Int("limit", 50, "Maximum number of items")
	queueCmd.Flags().Bool("json", false, "Output as JSON")
}

func runProcess(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("process")
	all, _ := cmd.Flags().GetBool("all")

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	processed, failed := 0, 0
	for {
		item, err := a.processor.ProcessNext(ctx)
		if errors.Is(err, queue.ErrNoItem) {
			break
		}
		if item == nil {
			return err
		}
		processed++
		if err != nil {
			failed++
			fmt.Printf("✗ #%d %s %s: %v\n", item.ID, item.OrderID, item.Action, err)
		} else {
			fmt.Printf("✓ #%d %s %s -> %s\n", item.ID, item.OrderID, item.Action, item.ResultReference)
		}
		if !all || ctx.Err() != nil {
			break
		}
	}

	if processed == 0 {
		fmt.Println("Queue is empty.")
	}
	log.Info().Int("processed", processed).Int("failed", failed).Msg("Queue processing finished")
	return nil
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("enqueue")

	action, err := queue.ParseAction(args[1])
	if err != nil {
		return fmt.Errorf("%w: use create_invoice, void_invoice or update_invoice", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	inserted, err := a.queue.Enqueue(ctx, args[0], action)
	if err != nil {
		return err
	}
	if inserted {
		fmt.Printf("Queued %s for order %s\n", action, args[0])
	} else {
		fmt.Printf("%s for order %s is already pending\n", action, args[0])
	}
	return nil
}

func runQueue(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("queue")
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	items, err := a.queue.ListRecent(ctx, limit)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}

	if len(items) == 0 {
		fmt.Println("No pending or failed items.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tORDER\tACTION\tSTATUS\tATTEMPTS\tCREATED\tERROR")
	for _, item := range items {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			item.ID, item.OrderID, item.Action, item.Status, item.Attempts,
			item.CreatedAt.Local().Format("02.01.2006 15:04"), item.ErrorMessage)
	}
	return w.Flush()
}

package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"lexsync/internal/accounting"
	"lexsync/internal/invoice"
	"lexsync/internal/logger"
	"lexsync/pkg/models"
	"lexsync/pkg/services"
)

var invoiceCmd = &cobra.Command{
	Use:   "invoice",
	Short: "Inspect and download Lexware documents of an order",
}

var invoicePreviewCmd = &cobra.Command{
	Use:   "preview [order-id]",
	Short: "Print the invoice request built for an order without sending it",
	Long: `Build the Lexware invoice request for an order and print it as JSON.

Nothing is sent to Lexware. Use --credit-note to preview the cancellation
document instead.`,
	Example: `  # Preview the invoice of order 1234
  lexsync invoice preview 1234

  # Preview the credit note and save it
  lexsync invoice preview 1234 --credit-note -o credit-note.json`,
	Args: cobra.ExactArgs(1),
	RunE: runInvoicePreview,
}

var invoiceDownloadCmd = &cobra.Command{
	Use:   "download [order-id]",
	Short: "Download the PDF of the linked invoice",
	Long: `Download the PDF of the invoice linked to an order into UPLOADS_DIR.

Use --credit-note to download the credit note instead.`,
	Example: `  lexsync invoice download 1234`,
	Args:    cobra.ExactArgs(1),
	RunE:    runInvoiceDownload,
}

func init() {
	rootCmd.AddCommand(invoiceCmd)
	invoiceCmd.AddCommand(invoicePreviewCmd)
	invoiceCmd.AddCommand(invoiceDownloadCmd)

	invoicePreviewCmd.Flags().Bool("credit-note", false, "Build the credit note instead of the invoice")
	invoicePreviewCmd.Flags().StringP("output", "o", "", "Output file (default: stdout)")
	invoiceDownloadCmd.Flags().Bool("credit-note", false, "Download the credit note instead of the invoice")
}

func runInvoicePreview(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("invoice-preview")
	creditNote, _ := cmd.Flags().GetBool("credit-note")
	outputFile, _ := cmd.Flags().GetString("output")

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	order, err := a.orders.Get(ctx, args[0])
	if err != nil {
		return err
	}

	req, err := a.builder.Build(order, invoice.Options{
		Negate:    creditNote,
		ContactID: order.MetaValue(models.MetaContactID),
	})
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	if outputFile == "" {
		fmt.Println(string(data))
		return nil
	}
	if err := os.WriteFile(outputFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	log.Info().Str("output_file", outputFile).Msg("Preview written")
	return nil
}

func runInvoiceDownload(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("invoice-download")
	creditNote, _ := cmd.Flags().GetBool("credit-note")

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	order, err := a.orders.Get(ctx, args[0])
	if err != nil {
		return err
	}

	docType, documentID := services.DocumentInvoice, order.InvoiceID()
	if creditNote {
		docType, documentID = services.DocumentCreditNote, order.MetaValue(models.MetaCreditNoteID)
	}
	if documentID == "" {
		return fmt.Errorf("order %s: %w", args[0], accounting.ErrNoInvoice)
	}

	path, err := a.accounting.DownloadDocument(ctx, docType, documentID)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

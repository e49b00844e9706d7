package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cloo-solutions/docrag/internal/config"
	"github.com/cloo-solutions/docrag/internal/service"
	"github.com/spf13/cobra"
)

// ReconcileCmd returns the reconcile command
func ReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair documents, collections and parent blocks",
		Long: `Bring collections and parent blocks in line with the document records.

By default in-flight ingestion is left alone. Use --startup only while no
server is running: it also fails documents stuck in processing.`,
		RunE: runReconcile,
	}

	cmd.Flags().Bool("startup", false, "Treat processing documents as interrupted")
	cmd.Flags().Bool("json", false, "Print the report as JSON")

	return cmd
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	a, err := buildApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	mode := service.ReconcileOnDemand
	if startup, _ := cmd.Flags().GetBool("startup"); startup {
		mode = service.ReconcileStartup
	}

	report, err := a.lifecycle.Reconcile(ctx, mode)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	logReport("reconcile", report)
	return nil
}

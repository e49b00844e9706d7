package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/spf13/cobra"
)

// Document mirrors the server's document representation.
type Document struct {
	ID           string `json:"id"`
	Filename     string `json:"filename"`
	ContentType  string `json:"content_type"`
	SizeBytes    int64  `json:"size_bytes"`
	State        string `json:"state"`
	ChunkCount   int    `json:"chunk_count"`
	QueryEnabled bool   `json:"query_enabled"`
	Error        string `json:"error,omitempty"`
	UploadedAt   string `json:"uploaded_at"`
	UpdatedAt    string `json:"updated_at"`
}

func DocsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "Manage documents",
	}

	cmd.AddCommand(
		docsListCmd(),
		docsUploadCmd(),
		docsStatusCmd(),
		docsWatchCmd(),
		docsQueryToggleCmd("enable", true),
		docsQueryToggleCmd("disable", false),
		docsReprocessCmd(),
		docsDeleteCmd(),
	)
	return cmd
}

func docsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			resp, err := api.Get("/documents")
			if err != nil {
				return fmt.Errorf("failed to list documents: %w", err)
			}

			var docs []Document
			if err := decodeData(resp, &docs); err != nil {
				return err
			}
			if wantsJSON(cmd) {
				return printJSON(docs)
			}
			if len(docs) == 0 {
				fmt.Println("No documents found")
				return nil
			}

			tw := newTable()
			fmt.Fprintln(tw, "ID\tFILENAME\tSTATE\tCHUNKS\tQUERY")
			for _, d := range docs {
				query := "on"
				if !d.QueryEnabled {
					query = "off"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", d.ID, d.Filename, d.State, d.ChunkCount, query)
			}
			return tw.Flush()
		},
	}
}

func docsUploadCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a document for ingestion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err != nil {
				return fmt.Errorf("cannot read %s: %w", args[0], err)
			}
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			resp, err := api.UploadFile("/documents", args[0])
			if err != nil {
				return fmt.Errorf("failed to upload document: %w", err)
			}

			var doc Document
			if err := decodeData(resp, &doc); err != nil {
				return err
			}
			if wantsJSON(cmd) && !watch {
				return printJSON(doc)
			}
			if !wantsJSON(cmd) {
				fmt.Printf("Uploaded %s (%s, %s)\n", doc.Filename, doc.ID, doc.State)
			}
			if watch {
				return watchDocument(api, doc.ID, wantsJSON(cmd))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Follow ingestion progress after upload")
	return cmd
}

func docsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show a document's processing status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			resp, err := api.Get("/documents/" + url.PathEscape(args[0]) + "/status")
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}

			var ev domain.ProgressEvent
			if err := decodeData(resp, &ev); err != nil {
				return err
			}
			if wantsJSON(cmd) {
				return printJSON(ev)
			}
			printProgress(ev)
			return nil
		},
	}
}

func docsWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <id>",
		Short: "Follow a document's ingestion progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			return watchDocument(api, args[0], wantsJSON(cmd))
		},
	}
}

func watchDocument(api *APIClient, id string, outputJSON bool) error {
	var last domain.ProgressEvent
	err := api.Stream(http.MethodGet, "/documents/"+url.PathEscape(id)+"/events", nil, func(e Event) (bool, error) {
		if err := json.Unmarshal(e.Data, &last); err != nil {
			return true, fmt.Errorf("failed to parse progress event: %w", err)
		}
		if outputJSON {
			fmt.Println(string(e.Data))
		} else {
			printProgress(last)
		}
		return last.Stage.Terminal(), nil
	})
	if err != nil {
		return err
	}
	if last.Stage == domain.StageError {
		return fmt.Errorf("ingestion failed: %s", last.Message)
	}
	return nil
}

func printProgress(ev domain.ProgressEvent) {
	line := fmt.Sprintf("[%3.0f%%] %-10s %s", ev.Progress*100, ev.Stage, ev.Message)
	if ev.ChunkCount > 0 {
		line += fmt.Sprintf(" (%d chunks)", ev.ChunkCount)
	}
	fmt.Println(line)
}

func docsQueryToggleCmd(use string, enabled bool) *cobra.Command {
	short := "Include a document in queries"
	if !enabled {
		short = "Exclude a document from queries"
	}

	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			resp, err := api.Patch("/documents/"+url.PathEscape(args[0])+"/preferences", map[string]bool{"query_enabled": enabled})
			if err != nil {
				return fmt.Errorf("failed to update preferences: %w", err)
			}

			var doc Document
			if err := decodeData(resp, &doc); err != nil {
				return err
			}
			if wantsJSON(cmd) {
				return printJSON(doc)
			}
			fmt.Printf("%s: query %sd\n", doc.Filename, use)
			return nil
		},
	}
}

func docsReprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <id>",
		Short: "Re-run ingestion for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			resp, err := api.Post("/documents/"+url.PathEscape(args[0])+"/reprocess", nil)
			if err != nil {
				return fmt.Errorf("failed to reprocess document: %w", err)
			}

			var doc Document
			if err := decodeData(resp, &doc); err != nil {
				return err
			}
			if wantsJSON(cmd) {
				return printJSON(doc)
			}
			fmt.Printf("Requeued %s (%s)\n", doc.Filename, doc.State)
			return nil
		},
	}
}

func docsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a document and its index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			if _, err := api.Delete("/documents/" + url.PathEscape(args[0])); err != nil {
				return fmt.Errorf("failed to delete document: %w", err)
			}
			if wantsJSON(cmd) {
				return printJSON(map[string]interface{}{"success": true, "id": args[0]})
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
}

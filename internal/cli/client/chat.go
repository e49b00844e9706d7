package client

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/spf13/cobra"
)

type Chat struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type Message struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Sources   []domain.Source `json:"sources,omitempty"`
	CreatedAt string          `json:"created_at"`
}

type messagePage struct {
	Items   []Message `json:"items"`
	Cursor  string    `json:"cursor,omitempty"`
	HasMore bool      `json:"has_more"`
}

func ChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Manage chats",
	}
	cmd.AddCommand(chatNewCmd(), chatListCmd(), chatHistoryCmd(), chatDeleteCmd())
	return cmd
}

func chatNewCmd() *cobra.Command {
	var title string

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Start a new chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			resp, err := api.Post("/chats", map[string]string{"title": title})
			if err != nil {
				return fmt.Errorf("failed to create chat: %w", err)
			}

			var chat Chat
			if err := decodeData(resp, &chat); err != nil {
				return err
			}
			if wantsJSON(cmd) {
				return printJSON(chat)
			}
			fmt.Printf("Created chat %s (%s)\n", chat.ID, chat.Title)
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "Chat title")
	return cmd
}

func chatListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List chats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			resp, err := api.Get("/chats")
			if err != nil {
				return fmt.Errorf("failed to list chats: %w", err)
			}

			var chats []Chat
			if err := decodeData(resp, &chats); err != nil {
				return err
			}
			if wantsJSON(cmd) {
				return printJSON(chats)
			}
			if len(chats) == 0 {
				fmt.Println("No chats found")
				return nil
			}

			tw := newTable()
			fmt.Fprintln(tw, "ID\tTITLE\tUPDATED")
			for _, c := range chats {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, c.Title, c.UpdatedAt)
			}
			return tw.Flush()
		},
	}
}

func chatHistoryCmd() *cobra.Command {
	var limit int
	var cursor string

	cmd := &cobra.Command{
		Use:   "history <chat-id>",
		Short: "Show a chat's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}

			q := url.Values{}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if cursor != "" {
				q.Set("cursor", cursor)
			}
			path := "/chats/" + url.PathEscape(args[0]) + "/messages"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			resp, err := api.Get(path)
			if err != nil {
				return fmt.Errorf("failed to load messages: %w", err)
			}

			var page messagePage
			if err := decodeData(resp, &page); err != nil {
				return err
			}
			if wantsJSON(cmd) {
				return printJSON(page)
			}

			for _, m := range page.Items {
				fmt.Printf("%s [%s]\n%s\n", m.Role, m.CreatedAt, m.Content)
				printSources(m.Sources)
				fmt.Println()
			}
			if page.HasMore {
				fmt.Printf("More messages: --cursor %s\n", page.Cursor)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Messages per page")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Cursor from a previous page")
	return cmd
}

func chatDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <chat-id>",
		Short: "Delete a chat and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			if _, err := api.Delete("/chats/" + url.PathEscape(args[0])); err != nil {
				return fmt.Errorf("failed to delete chat: %w", err)
			}
			if wantsJSON(cmd) {
				return printJSON(map[string]interface{}{"success": true, "id": args[0]})
			}
			fmt.Printf("Deleted chat %s\n", args[0])
			return nil
		},
	}
}

func printSources(sources []domain.Source) {
	for _, s := range sources {
		fmt.Printf("  %s %s", s.Label, s.Document)
		if s.Section != "" {
			fmt.Printf(" / %s", s.Section)
		}
		fmt.Printf(" (%.2f)\n", s.Score)
	}
}

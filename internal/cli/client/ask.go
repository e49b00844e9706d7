package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/spf13/cobra"
)

func AskCmd() *cobra.Command {
	var chatID string
	var cont, quiet bool

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question about the enabled documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			if cont && chatID == "" {
				cfg, err := LoadGlobalConfig()
				if err != nil {
					return err
				}
				if cfg == nil || cfg.LastChatID == "" {
					return fmt.Errorf("no previous chat to continue, run ask without --continue first")
				}
				chatID = cfg.LastChatID
			}

			answeredIn, err := runAsk(api, chatID, strings.Join(args, " "), wantsJSON(cmd), quiet)
			if answeredIn != "" {
				if saveErr := UpdateGlobalConfig(func(c *GlobalConfig) { c.LastChatID = answeredIn }); saveErr != nil {
					fmt.Fprintf(os.Stderr, "warning: could not remember chat: %v\n", saveErr)
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&chatID, "chat", "", "Continue an existing chat")
	cmd.Flags().BoolVar(&cont, "continue", false, "Continue the chat of the previous ask")
	cmd.MarkFlagsMutuallyExclusive("chat", "continue")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Hide retrieval steps")
	return cmd
}

// runAsk streams one answer and returns the chat it was recorded in.
func runAsk(api *APIClient, chatID, question string, outputJSON, quiet bool) (string, error) {
	body := map[string]string{"query": question}
	if chatID != "" {
		body["chat_id"] = chatID
	}

	var final domain.QueryEvent
	var events []domain.QueryEvent
	err := api.Stream(http.MethodPost, "/query/stream", body, func(e Event) (bool, error) {
		var ev domain.QueryEvent
		if err := json.Unmarshal(e.Data, &ev); err != nil {
			return true, fmt.Errorf("failed to parse query event: %w", err)
		}

		if outputJSON {
			events = append(events, ev)
		} else {
			renderQueryEvent(ev, quiet)
		}
		if ev.Terminal() {
			final = ev
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return "", err
	}

	if outputJSON {
		if err := printJSON(events); err != nil {
			return "", err
		}
	}
	switch final.Type {
	case domain.QueryEventError:
		return "", fmt.Errorf("query failed: %s", final.Message)
	case "":
		return "", fmt.Errorf("stream ended before the answer completed")
	}
	return final.ChatID, nil
}

func renderQueryEvent(ev domain.QueryEvent, quiet bool) {
	switch ev.Type {
	case domain.QueryEventThinking:
		if !quiet && ev.Step != nil {
			fmt.Fprintf(os.Stderr, "· %s\n", ev.Step.Message)
		}
	case domain.QueryEventChunk:
		fmt.Print(ev.Content)
	case domain.QueryEventEnd:
		fmt.Println()
		if len(ev.Sources) > 0 {
			fmt.Println("\nSources:")
			printSources(ev.Sources)
		}
		if ev.ChatID != "" && !quiet {
			fmt.Fprintf(os.Stderr, "\nchat: %s\n", ev.ChatID)
		}
	}
}

package client

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func InitCmd() *cobra.Command {
	var apiURL string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Point the CLI at a docrag server",
		Long:  "Checks that the server answers /health and saves its URL to the global config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(apiURL, wantsJSON(cmd))
		},
	}

	cmd.Flags().StringVar(&apiURL, "url", "", "Server base URL (default: $DOCRAG_API_URL or http://localhost:8080)")

	return cmd
}

func runInit(apiURL string, outputJSON bool) error {
	if apiURL == "" {
		apiURL = os.Getenv(envAPIURL)
	}
	if apiURL == "" {
		apiURL = defaultAPIURL
	}

	api := NewAPIClientWithConfig(apiURL)
	resp, err := api.Get("/health")
	if err != nil {
		return fmt.Errorf("server at %s is not reachable: %w", apiURL, err)
	}

	var health struct {
		Status string `json:"status"`
	}
	if err := decodeData(resp, &health); err != nil {
		return err
	}

	err = UpdateGlobalConfig(func(c *GlobalConfig) {
		if c.APIURL != api.baseURL {
			c.LastChatID = ""
		}
		c.APIURL = api.baseURL
	})
	if err != nil {
		return err
	}
	configPath, _ := GetConfigPath()

	if outputJSON {
		return printJSON(map[string]interface{}{
			"success": true,
			"api_url": api.baseURL,
			"status":  health.Status,
			"config":  configPath,
		})
	}

	fmt.Printf("Connected to %s (%s)\n", api.baseURL, health.Status)
	fmt.Printf("Config saved to %s\n", configPath)
	return nil
}

package client

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func wantsJSON(cmd *cobra.Command) bool {
	outputJSON, _ := cmd.Flags().GetBool("output")
	return outputJSON
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func decodeData(resp *APIResponse, dst interface{}) error {
	if err := json.Unmarshal(resp.Data, dst); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

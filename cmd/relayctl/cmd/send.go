package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send an event to the relay over HTTP",
	Long:  `Send host events to a running relay, which forwards them to its endpoint.`,
}

var sendEventCmd = &cobra.Command{
	Use:   "event [event-json]",
	Short: "Send a lifecycle event",
	Long: `Send a lifecycle event. A missing id is generated by the relay.

Example:
  relayctl send event '{"type":"LOGIN","realmId":"acme","clientId":"web","userId":"u-1"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmd, "/v1/events", args[0])
	},
}

var sendAdminCmd = &cobra.Command{
	Use:   "admin [admin-event-json]",
	Short: "Send an administrative event",
	Long: `Send an administrative event.

Example:
  relayctl send admin --update '{"operationType":"UPDATE","resourcePath":"users/u-1"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		update, _ := cmd.Flags().GetBool("update")
		return send(cmd, "/v1/admin-events?update="+strconv.FormatBool(update), args[0])
	},
}

type sendResult struct {
	ID     string `json:"id,omitempty"`
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

func send(cmd *cobra.Command, path, payload string) error {
	body, err := parseJSONObject(payload)
	if err != nil {
		return fmt.Errorf("invalid event JSON: %w", err)
	}

	resp, err := makeHTTPRequest(http.MethodPost, path, body)
	if err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	res := sendResult{Status: resp.StatusCode}
	_ = json.Unmarshal(raw, &res)
	if resp.StatusCode != http.StatusAccepted {
		if res.Error == "" {
			res.Error = string(raw)
		}
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, res.Error)
	}

	if outputJSON {
		printOutput(cmd.OutOrStdout(), res)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Accepted event: %s\n", res.ID)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.AddCommand(sendEventCmd)
	sendCmd.AddCommand(sendAdminCmd)

	sendAdminCmd.Flags().Bool("update", false, "mark the admin event as an update")
}

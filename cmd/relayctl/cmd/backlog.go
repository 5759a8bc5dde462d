package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

// nsqStats is the part of nsqd's /stats?format=json response relayctl reads
type nsqStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Depth     int64  `json:"depth"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

type channelBacklog struct {
	Topic    string `json:"topic"`
	Channel  string `json:"channel"`
	Depth    int64  `json:"depth"`
	InFlight int64  `json:"in_flight"`
}

// backlogCmd shows how many events wait in NSQ for the relay
var backlogCmd = &cobra.Command{
	Use:   "backlog",
	Short: "Show queued events for the relay's NSQ topic",
	Long: `Read nsqd's stats endpoint and print depth and in-flight counts for the
topic the relay consumes.

Example:
  relayctl backlog --nsqd-http localhost:4151`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("nsqd-http")
		topic, _ := cmd.Flags().GetString("topic")

		rows, err := fetchBacklog(addr, topic)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, rows)
			return nil
		}
		if len(rows) == 0 {
			fmt.Fprintf(out, "No channels on topic %s\n", topic)
			return nil
		}
		for _, r := range rows {
			fmt.Fprintf(out, "%s/%s  depth=%d  in_flight=%d\n", r.Topic, r.Channel, r.Depth, r.InFlight)
		}
		return nil
	},
}

func fetchBacklog(nsqdHTTP, topic string) ([]channelBacklog, error) {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(baseURL(nsqdHTTP) + "/stats?format=json&topic=" + topic)
	if err != nil {
		return nil, fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nsqd stats returned %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	var rows []channelBacklog
	for _, t := range stats.Topics {
		if !strings.EqualFold(t.TopicName, topic) {
			continue
		}
		for _, c := range t.Channels {
			rows = append(rows, channelBacklog{
				Topic:    t.TopicName,
				Channel:  c.ChannelName,
				Depth:    c.Depth,
				InFlight: c.InFlightCount,
			})
		}
	}
	return rows, nil
}

func init() {
	rootCmd.AddCommand(backlogCmd)

	backlogCmd.Flags().String("nsqd-http", "localhost:4151", "nsqd HTTP address")
	backlogCmd.Flags().String("topic", "host_events", "topic the relay consumes")
}

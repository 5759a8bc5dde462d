package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/event"
	"github.com/austindbirch/harbor_relay/internal/ingest"
)

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish [event|admin] [event-json]",
	Short: "Publish an event to the relay's NSQ topic",
	Long: `Publish an event envelope to nsqd. A relay consuming the topic forwards it.

Example:
  relayctl publish event '{"type":"LOGIN","clientId":"web"}' --nsqd localhost:4150`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := args[0]
		nsqdAddr, _ := cmd.Flags().GetString("nsqd")
		topic, _ := cmd.Flags().GetString("topic")
		update, _ := cmd.Flags().GetBool("update")

		payload, err := parseJSONObject(args[1])
		if err != nil {
			return fmt.Errorf("invalid event JSON: %w", err)
		}
		env, err := ingest.NewEnvelope(context.Background(), kind, update && kind == event.KindAdmin, json.RawMessage(payload))
		if err != nil {
			return err
		}

		prod, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
		if err != nil {
			return fmt.Errorf("nsq producer: %w", err)
		}
		defer prod.Stop()
		prod.SetLoggerLevel(nsq.LogLevelWarning)

		if err := ingest.Publish(prod, topic, env); err != nil {
			return err
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), map[string]string{"topic": topic, "kind": kind})
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Published %s to %s\n", kind, topic)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().String("nsqd", "localhost:4150", "nsqd TCP address")
	publishCmd.Flags().String("topic", "host_events", "topic the relay consumes")
	publishCmd.Flags().Bool("update", false, "mark an admin event as an update")
}

package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/streamrelay/internal/ingest"
	"github.com/telhawk-systems/streamrelay/internal/output"
	"github.com/telhawk-systems/streamrelay/internal/relay"
)

type publishResult struct {
	TicketID  string `json:"ticket_id" yaml:"ticket_id"`
	Outcome   string `json:"outcome" yaml:"outcome"`
	MessageID string `json:"message_id,omitempty" yaml:"message_id,omitempty"`
	Partition int    `json:"partition" yaml:"partition"`
	Offset    uint64 `json:"offset" yaml:"offset"`
	Reason    string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Attempts  int    `json:"attempts" yaml:"attempts"`
}

var publishCmd = &cobra.Command{
	Use:   "publish <data|->",
	Short: "Publish one message to the topic",
	Long: `Publish a single message through the relay (retries, dead-lettering) and print
the partition and offset it was stored at. Use "-" to read the payload from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		key, _ := cmd.Flags().GetString("key")

		data := []byte(args[0])
		if args[0] == "-" {
			var err error
			if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
		}

		bus, js, err := openBus()
		if err != nil {
			return err
		}
		defer bus.Close()

		dl, err := deadLetterWriter(ctx, js)
		if err != nil {
			return err
		}

		r, err := relay.New(bus, relayOptions(dl), logger.Logger)
		if err != nil {
			return err
		}
		defer r.Close()

		future, err := r.Submit(ctx, ingest.RawEvent{
			Payload:     data,
			ReceivedAt:  time.Now(),
			OrderingKey: key,
		})
		if err != nil {
			return err
		}
		res, err := future.Wait(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		result := publishResult{
			TicketID:  future.TicketID(),
			Outcome:   res.Outcome.String(),
			MessageID: res.MessageID,
			Partition: res.Partition,
			Offset:    res.Offset,
			Reason:    res.Reason,
			Attempts:  res.Attempts,
		}
		if done, err := output.Structured(out, format, result); done {
			if err != nil {
				return err
			}
		} else {
			table := output.NewTable("TICKET", "OUTCOME", "PARTITION", "OFFSET", "ATTEMPTS")
			table.AddRow(result.TicketID, result.Outcome,
				strconv.Itoa(result.Partition),
				strconv.FormatUint(result.Offset, 10),
				strconv.Itoa(result.Attempts))
			table.Render(out)
		}

		if res.Outcome != relay.Acked {
			return fmt.Errorf("publish failed: %s", res.Reason)
		}
		return nil
	},
}

func init() {
	publishCmd.Flags().StringP("key", "k", "", "ordering key")
}

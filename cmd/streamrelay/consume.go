package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/streamrelay/internal/consumer"
	"github.com/telhawk-systems/streamrelay/internal/output"
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Consume a topic subscription and acknowledge each message",
	Long: `Pull messages from a subscription ("<topic>/<name>") with flow control, print
them and acknowledge each one. Stops after --timeout or on SIGINT and reports how
many messages were processed and how many were still pending.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		quiet, _ := cmd.Flags().GetBool("quiet")

		bus, _, err := openBus()
		if err != nil {
			return err
		}
		defer bus.Close()

		dedup, closeDedup, err := dedupStore()
		if err != nil {
			return err
		}
		defer closeDedup()

		out := cmd.OutOrStdout()
		var mu sync.Mutex
		cb := func(_ context.Context, msg *consumer.InboundMessage) consumer.AckDecision {
			if !quiet {
				mu.Lock()
				fmt.Fprintf(out, "%s\t%s\n", msg.ID, msg.Payload)
				mu.Unlock()
			}
			return consumer.Ack
		}

		c := consumer.New(bus, consumerOptions(dedup), logger.Logger)
		h, err := c.Subscribe(ctx, cfg.Consumer.Subscription, cb)
		if err != nil {
			return err
		}

		report, err := h.Wait()
		if err != nil {
			return fmt.Errorf("subscription %s failed: %w", cfg.Consumer.Subscription, err)
		}
		return printReport(cmd, report)
	},
}

func printReport(cmd *cobra.Command, report consumer.Report) error {
	out := cmd.OutOrStdout()
	if done, err := output.Structured(out, format, report); done {
		return err
	}

	table := output.NewTable("PROCESSED", "PENDING", "ACKED", "NACKED", "EXPIRED", "DUPLICATES")
	table.AddRow(
		strconv.Itoa(report.Processed),
		strconv.Itoa(report.Pending),
		strconv.Itoa(report.Acked),
		strconv.Itoa(report.Nacked),
		strconv.Itoa(report.Expired),
		strconv.Itoa(report.Duplicates),
	)
	table.Render(out)
	return nil
}

func init() {
	consumeCmd.Flags().String("subscription", "tweets/analysis", "subscription path <topic>/<name>")
	consumeCmd.Flags().Duration("timeout", 0, "stop after this long (default from config, 0 = until interrupted)")
	consumeCmd.Flags().BoolP("quiet", "q", false, "do not print message payloads")
	mustBind("consumer.subscription", consumeCmd.Flags().Lookup("subscription"))
	mustBind("consumer.timeout", consumeCmd.Flags().Lookup("timeout"))
}

package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/streamrelay/internal/dlq"
	"github.com/telhawk-systems/streamrelay/internal/output"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect the dead-letter stream",
	Long:  "Inspect and purge events the relay could not publish (requires the nats bus)",
}

// withQueue opens the dead-letter stream of the configured topic for fn.
func withQueue(cmd *cobra.Command, fn func(q *dlq.JetStreamQueue) error) error {
	bus, js, err := openBus()
	if err != nil {
		return err
	}
	defer bus.Close()

	q, err := openDeadLetterQueue(cmd.Context(), js)
	if err != nil {
		return err
	}
	return fn(q)
}

var dlqListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List dead-lettered events",
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withQueue(cmd, func(q *dlq.JetStreamQueue) error {
			events, err := q.List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if done, err := output.Structured(out, format, events); done {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(out, "No dead-lettered events")
				return nil
			}

			table := output.NewTable("TICKET", "REASON", "ATTEMPTS", "BYTES", "TIMESTAMP", "ERROR")
			for _, e := range events {
				table.AddRow(e.TicketID, e.Reason,
					strconv.Itoa(e.Attempts),
					strconv.Itoa(len(e.Payload)),
					e.Timestamp.Format("2006-01-02 15:04:05"),
					e.Error)
			}
			table.Render(out)
			return nil
		})
	},
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dead-letter stream statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withQueue(cmd, func(q *dlq.JetStreamQueue) error {
			stats := q.Stats(cmd.Context())

			out := cmd.OutOrStdout()
			if done, err := output.Structured(out, format, stats); done {
				return err
			}

			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			table := output.NewTable("KEY", "VALUE")
			for _, k := range keys {
				table.AddRow(k, fmt.Sprint(stats[k]))
			}
			table.Render(out)
			return nil
		})
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove every dead-lettered event",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to purge %s dead letters without --yes", cfg.Bus.Topic)
		}
		return withQueue(cmd, func(q *dlq.JetStreamQueue) error {
			if err := q.Purge(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged dead letters of %s\n", cfg.Bus.Topic)
			return nil
		})
	},
}

func init() {
	dlqListCmd.Flags().Int("limit", 100, "maximum number of events to list")
	dlqPurgeCmd.Flags().Bool("yes", false, "confirm the purge")
	dlqCmd.AddCommand(dlqListCmd, dlqStatsCmd, dlqPurgeCmd)
}

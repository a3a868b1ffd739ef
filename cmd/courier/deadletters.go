package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	courier "github.com/glimte/courier-go"
	"github.com/glimte/courier-go/deadletter"
	"github.com/glimte/courier-go/internal/config"
	"github.com/spf13/cobra"
)

func newDeadLettersCommand(cfg *config.Config) *cobra.Command {
	var path string

	open := func(cmd *cobra.Command) (*deadletter.Store[courier.Event], error) {
		if cmd.Flags().Changed("path") {
			cfg.DeadLetter.Path = path
		}
		sink, err := deadletter.OpenSQLiteSink[courier.Event](cfg.DeadLetter.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open dead-letter store: %w", err)
		}
		return deadletter.NewStore[courier.Event](sink,
			deadletter.WithMaxRetentionDays(cfg.DeadLetter.RetentionDays),
		), nil
	}

	dlqCmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dlq"},
		Short:   "Inspect and manage dead-lettered events",
	}
	dlqCmd.PersistentFlags().StringVar(&path, "path", "", "Dead-letter database (default from COURIER_DLQ_PATH)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered events",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list dead letters: %w", err)
			}
			printRecords(cmd.OutOrStdout(), records)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print one dead letter with its retry history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			record, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get dead letter %s: %w", args[0], err)
			}
			return printJSON(cmd.OutOrStdout(), record)
		},
	}

	resolveCmd := &cobra.Command{
		Use:   "resolve <id>...",
		Short: "Remove dead letters that have been dealt with",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, id := range args {
				if err := store.Resolve(cmd.Context(), id); err != nil {
					return fmt.Errorf("failed to resolve %s: %w", id, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resolved %d dead letters\n", len(args))
			return nil
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete dead letters older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.PurgeExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d dead letters older than %d days\n", n, cfg.DeadLetter.RetentionDays)
			return nil
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show dead-letter totals and top failure reasons",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			metrics, err := store.GetMetrics(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to compute metrics: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), metrics)
		},
	}

	dlqCmd.AddCommand(listCmd, showCmd, resolveCmd, purgeCmd, statsCmd)
	return dlqCmd
}

func printRecords(w io.Writer, records []deadletter.Record[courier.Event]) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No dead letters")
		return
	}

	fmt.Fprintf(w, "%-36s %-20s %-8s %-25s %s\n", "ID", "Event Type", "Failures", "Last Failure", "Reason")
	for _, r := range records {
		fmt.Fprintf(w, "%-36s %-20s %-8d %-25s %s\n",
			r.ID,
			truncate(r.OriginalPayload.Type, 20),
			r.FailureCount,
			r.LastFailureTime.Format(time.RFC3339),
			truncate(r.FailureReason, 80),
		)
	}
	fmt.Fprintf(w, "\nTotal: %d\n", len(records))
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

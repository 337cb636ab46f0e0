package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/mcpbus/config"
	"github.com/vinayprograms/mcpbus/store"
)

func newReplayCmd(configPath *string) *cobra.Command {
	var (
		discard bool
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "List persisted messages awaiting redelivery",
		Long: `List persisted messages that were never marked processed. The next
"mcpbusd run" redelivers them in timestamp order.

With --discard they are marked processed instead and will not be replayed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), cfg, func(ctx context.Context, st store.Store) error {
				return replay(ctx, st, cmd.OutOrStdout(), limit, discard)
			})
		},
	}
	cmd.Flags().BoolVar(&discard, "discard", false, "mark the listed messages processed")
	cmd.Flags().IntVar(&limit, "limit", 0, "list at most this many messages (0 = all)")
	return cmd
}

// withStore opens the configured store for the duration of fn.
func withStore(ctx context.Context, cfg *config.Config, fn func(context.Context, store.Store) error) error {
	c := newConns()
	defer c.Close()
	st, err := openStore(ctx, cfg, c)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Store.Backend, err)
	}
	defer st.Close()
	return fn(ctx, st)
}

func replay(ctx context.Context, st store.Store, out io.Writer, limit int, discard bool) error {
	msgs, err := st.Query(ctx, store.Filter{Limit: limit})
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Fprintln(out, "no unprocessed messages")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MESSAGE ID\tTYPE\tSOURCE\tTARGET\tPRIORITY\tSTATUS\tTIMESTAMP")
	for _, m := range msgs {
		h := m.Header
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			h.MessageID, h.MessageType, h.Source, h.Target, h.Priority, h.Status,
			h.Timestamp.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if !discard {
		fmt.Fprintf(out, "%d message(s) will be redelivered on the next run\n", len(msgs))
		return nil
	}
	for _, m := range msgs {
		if err := st.MarkProcessed(ctx, m.ID()); err != nil {
			return fmt.Errorf("discarding %s: %w", m.ID(), err)
		}
	}
	fmt.Fprintf(out, "discarded %d message(s)\n", len(msgs))
	return nil
}

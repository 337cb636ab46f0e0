package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/mcpbus/config"
	"github.com/vinayprograms/mcpbus/store"
)

func newInspectCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <message_id>",
		Short: "Print a persisted message as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			id := args[0]
			return withStore(cmd.Context(), cfg, func(ctx context.Context, st store.Store) error {
				m, err := st.Load(ctx, id)
				if err != nil {
					if store.IsNotFound(err) {
						return fmt.Errorf("message %s not found in %s store", id, cfg.Store.Backend)
					}
					return err
				}
				data, err := json.MarshalIndent(m, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			})
		},
	}
}

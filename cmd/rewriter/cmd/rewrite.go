package cmd

import (
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-rewrite/internal/rewrite"
)

func (a *app) rewriteCommand() *cobra.Command {
	var id string
	c := &cobra.Command{
		Use:   "rewrite <turn>...",
		Short: "Rewrite the last turn of one dialogue",
		Long: `Rewrite decodes a single dialogue. Every argument is one turn; the last
one is the query to rewrite, the earlier ones are its context.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			svc, cleanup, err := a.service()
			if err != nil {
				return err
			}
			defer cleanup()

			resp, err := svc.Rewrite(ctx, []rewrite.Request{{ID: id, Turns: args}})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp[0])
		},
	}
	c.Flags().StringVar(&id, "id", "cli", "request id echoed in the output")
	return c
}

package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	peerchat "github.com/NeboLoop/peerchat-go-sdk"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		peer   int64
		page   int
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the stored conversation with a peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := wireApp(cmd, opts)
			if err != nil {
				return err
			}
			if limit == 0 {
				limit = app.cfg.HistoryLimit
			}

			resp, err := app.api.HistoryPage(cmd.Context(), peerchat.HistoryRequest{
				Local: app.user,
				Peer:  peerchat.Identity(peer),
				Page:  page,
				Limit: limit,
			})
			if err != nil {
				return fmt.Errorf("load history: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			out := cmd.OutOrStdout()
			for _, m := range resp.Messages {
				writeLine(out, m.CreatedAt.Time, peerchat.Identity(m.SenderID), app.user, m.Content)
			}
			_, err = fmt.Fprintf(out, "page %d, %d of %d messages\n", resp.Page, len(resp.Messages), resp.TotalCount)
			return err
		},
	}

	cmd.Flags().Int64Var(&peer, "peer", 0, "Peer user ID")
	cmd.Flags().IntVar(&page, "page", 1, "Page number, 1-based")
	cmd.Flags().IntVar(&limit, "limit", 0, "Messages per page (default from PEERCHAT_HISTORY_LIMIT)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	_ = cmd.MarkFlagRequired("peer")

	return cmd
}

func writeHistory(w io.Writer, msgs []peerchat.Message, local peerchat.Identity) {
	for _, m := range msgs {
		writeMessage(w, m, local)
	}
}

package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newPeersCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List the users you can chat with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := wireApp(cmd, opts)
			if err != nil {
				return err
			}

			users, err := app.api.ConnectedPeers(cmd.Context(), app.user)
			if err != nil {
				return fmt.Errorf("list peers: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(users)
			}
			if len(users) == 0 {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "no connected users")
				return err
			}
			for _, u := range users {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", u.ID, u.Username); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")

	return cmd
}

package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "peerchat",
		Short:         "Terminal client for two-party chat",
		Long:          "peerchat keeps a live channel to the chat backend for one user, shows conversation history, and sends messages over the channel or the REST API when the channel is down.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.endpoint, "endpoint", "", "Channel base URL (default from PEERCHAT_ENDPOINT)")
	flags.StringVar(&opts.apiEndpoint, "api-endpoint", "", "REST base URL (default derived from --endpoint)")
	flags.Int64Var(&opts.user, "user", 0, "Local user ID")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(
		newVersionCmd(),
		newChatCmd(opts),
		newHistoryCmd(opts),
		newPeersCmd(opts),
	)

	return rootCmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type globalFlags struct {
	configDir string
	apiURL    string
	logLevel  string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "cloudidian",
		Short: "Sort your Gmail with the Cloudidian backend from the terminal",
		Long: `cloudidian connects your Gmail account to a Cloudidian classification
backend, starts sorting jobs, follows their progress and shows which inbox
messages have already been labeled.

Run without a subcommand to open the interactive dashboard.`,
		SilenceUsage: true,
		Version:      version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboard(cmd.Context(), g)
		},
	}
	root.SetVersionTemplate(`{{printf "cloudidian version %s\n" .Version}}`)

	pf := root.PersistentFlags()
	pf.StringVar(&g.configDir, "config-dir", "", "directory holding config.yaml and local state (default ~/.config/cloudidian)")
	pf.StringVar(&g.apiURL, "api-url", "", "backend base URL; remembered for later runs")
	pf.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		newLoginCmd(g),
		newLogoutCmd(g),
		newWhoamiCmd(g),
		newJobCmd(g),
		newStatsCmd(g),
		newCategoriesCmd(g),
		newInboxCmd(g),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cloudidian version %s\n", version)
		},
	}
}

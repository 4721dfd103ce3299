package main

import (
	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "followcrawler",
		Short: "Crawls a social site's follow graph from a seed profile.",
		Long: `followcrawler logs in to a social question-and-answer site, then walks
the follower/followee graph breadth-first from a seed profile, emitting
profile records and relation lists to the configured sinks.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./followcrawler.yaml or $HOME/.followcrawler/followcrawler.yaml)")
	cmd.AddCommand(newCrawlCmd(&cfgFile), newInspectCmd(&cfgFile))

	return cmd
}

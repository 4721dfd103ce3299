package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/followgraph-crawler/internal/config"
	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
	"github.com/JakeFAU/followgraph-crawler/internal/storage/sqlite"
)

type inspectReport struct {
	Profile   crawler.Profile `json:"profile"`
	Followees []string        `json:"followees"`
	Followers []string        `json:"followers"`
}

func newInspectCmd(cfgFile *string) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "inspect <profile-id>",
		Short: "Print a crawled profile and its relation lists from the SQLite sink",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				cfg, err := config.Read(*cfgFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				dbPath = cfg.Sinks.SQLite.Path
			}
			return inspectProfile(cmd, dbPath, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database written by the crawl (default sinks.sqlite.path)")
	return cmd
}

func inspectProfile(cmd *cobra.Command, dbPath, id string, out io.Writer) error {
	ctx := cmd.Context()
	store, err := sqlite.Open(sqlite.Config{Path: dbPath})
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer func() { _ = store.Close(ctx) }()

	profile, ok, err := store.Profile(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("profile %q not found in %s", id, store.Path())
	}
	report := inspectReport{Profile: profile}
	if report.Followees, err = store.Members(ctx, id, crawler.DirectionFollowee); err != nil {
		return err
	}
	if report.Followers, err = store.Members(ctx, id, crawler.DirectionFollower); err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

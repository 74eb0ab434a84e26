package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/camp-discovery-daemon/internal/queue"
)

func newEnqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Create work items on behalf of an operator",
	}
	cmd.AddCommand(newEnqueueDirectoryCmd(), newEnqueueDiscoveryCmd(), newEnqueueScraperCmd())
	return cmd
}

func newEnqueueDirectoryCmd() *cobra.Command {
	var item queue.DirectoryItem
	cmd := &cobra.Command{
		Use:   "directory <url>",
		Short: "Queue an aggregator page for link extraction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			item.URL = args[0]
			id, err := appInstance.Enqueuer().EnqueueDirectory(cmd.Context(), item)
			if err != nil {
				return fmt.Errorf("enqueue directory: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&item.LinkPattern, "link-pattern", "", "regular expression a link must match")
	cmd.Flags().StringVar(&item.BaseURLFilter, "base-url-filter", "", "prefix a link must start with")
	return cmd
}

func newEnqueueDiscoveryCmd() *cobra.Command {
	var task queue.DiscoveryTask
	cmd := &cobra.Command{
		Use:   "discovery",
		Short: "Queue a region for search-driven discovery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			id, err := appInstance.Enqueuer().EnqueueDiscovery(cmd.Context(), task)
			if err != nil {
				return fmt.Errorf("enqueue discovery: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&task.RegionName, "region", "", "region name, e.g. \"Austin\"")
	cmd.Flags().StringArrayVar(&task.SearchQueries, "query", nil, "search query; repeat for several (defaults apply when omitted)")
	_ = cmd.MarkFlagRequired("region")
	return cmd
}

func newEnqueueScraperCmd() *cobra.Command {
	var req queue.ScraperDevRequest
	cmd := &cobra.Command{
		Use:   "scraper <url>",
		Short: "Request a scraper build for a provider site (--city sets its market)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			req.SourceURL = args[0]
			req.City = cmd.Flag("city").Value.String()
			id, err := appInstance.Enqueuer().EnqueueScraperDev(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("enqueue scraper: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.SourceName, "name", "", "provider name")
	return cmd
}

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"bskyfetch/bsky"
	"bskyfetch/internal"
	"bskyfetch/utils"
)

func newProfileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profile <handle|did>",
		Short: "Show an actor profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, true, func(ctx context.Context, a *app) (interface{}, error) {
				return a.client.GetProfile(ctx, args[0])
			})
		},
	}
}

func newPostCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "post <at-uri|link>",
		Short: "Show a single post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, true, func(ctx context.Context, a *app) (interface{}, error) {
				return a.client.GetPost(ctx, args[0])
			})
		},
	}
}

func newFeedCmd() *cobra.Command {
	var opts bsky.FeedOptions
	c := &cobra.Command{
		Use:   "feed <handle|did>",
		Short: "Show posts authored by an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, true, func(ctx context.Context, a *app) (interface{}, error) {
				return a.client.GetAuthorFeed(ctx, args[0], &opts)
			})
		},
	}
	c.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "Posts per page (default from BSKYFETCH_FEED_LIMIT)")
	c.Flags().StringVar(&opts.Filter, "filter", "", "Feed filter, e.g. posts_with_media (default from BSKYFETCH_FEED_FILTER)")
	c.Flags().StringVar(&opts.Cursor, "cursor", "", "Continue from a previous page")
	return c
}

func newTimelineCmd() *cobra.Command {
	var opts bsky.FeedOptions
	c := &cobra.Command{
		Use:   "timeline",
		Short: "Show the timeline, anonymously when no account is configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, false, func(ctx context.Context, a *app) (interface{}, error) {
				return a.client.GetPublicTimeline(ctx, &opts)
			})
		},
	}
	c.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "Posts per page")
	c.Flags().StringVar(&opts.Cursor, "cursor", "", "Continue from a previous page")
	return c
}

func newSearchCmd() *cobra.Command {
	var searchQuery bsky.SearchQuery
	c := &cobra.Command{
		Use:   "search <query>",
		Short: "Search posts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := searchQuery
			query.Q = args[0]
			return runWithApp(cmd, true, func(ctx context.Context, a *app) (interface{}, error) {
				return a.client.SearchPosts(ctx, query)
			})
		},
	}
	f := c.Flags()
	f.StringVar(&searchQuery.Sort, "sort", "", "Sort order: top or latest")
	f.IntVarP(&searchQuery.Limit, "limit", "n", 0, "Results per page (1-100)")
	f.StringVar(&searchQuery.Cursor, "cursor", "", "Continue from a previous page")
	f.StringVar(&searchQuery.Lang, "lang", "", "Only posts in this language")
	f.StringVar(&searchQuery.Author, "author", "", "Only posts by this handle or DID")
	f.StringVar(&searchQuery.Mentions, "mentions", "", "Only posts mentioning this handle or DID")
	f.StringVar(&searchQuery.Since, "since", "", "Only posts after this date (RFC 3339 or YYYY-MM-DD)")
	f.StringVar(&searchQuery.Until, "until", "", "Only posts before this date")
	f.StringVar(&searchQuery.Domain, "domain", "", "Only posts linking to this domain")
	f.StringVar(&searchQuery.URL, "url", "", "Only posts linking to this URL")
	f.StringSliceVar(&searchQuery.Tags, "tag", nil, "Only posts with this hashtag (repeatable)")
	return c
}

func newListsCmd() *cobra.Command {
	var opts bsky.PageOptions
	c := &cobra.Command{
		Use:   "lists <handle|did>",
		Short: "Show the lists created by an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, true, func(ctx context.Context, a *app) (interface{}, error) {
				return a.client.GetLists(ctx, args[0], &opts)
			})
		},
	}
	c.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "Lists per page")
	c.Flags().StringVar(&opts.Cursor, "cursor", "", "Continue from a previous page")
	return c
}

func newListCmd() *cobra.Command {
	var (
		opts    bsky.PageOptions
		refresh bool
	)
	c := &cobra.Command{
		Use:   "list <at-uri|link>",
		Short: "Show every member of a list",
		Long: `Show every member of a list, following pagination up to the item cap.

Results are cached in the secret store; use --refresh to fetch again.
With --cursor a single page is fetched instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, true, func(ctx context.Context, a *app) (interface{}, error) {
				if opts.Cursor != "" {
					return a.client.GetList(ctx, args[0], opts.Limit, opts.Cursor)
				}
				return aggregate(ctx, a, args[0], refresh, a.aggregator.GetAllListItems)
			})
		},
	}
	c.Flags().IntVarP(&opts.Limit, "limit", "n", 100, "Items per page when --cursor is given")
	c.Flags().StringVar(&opts.Cursor, "cursor", "", "Fetch the single page at this cursor")
	c.Flags().BoolVar(&refresh, "refresh", false, "Ignore the cached result")
	return c
}

func newStarterPackCmd() *cobra.Command {
	var refresh bool
	c := &cobra.Command{
		Use:     "starter-pack <at-uri|link>",
		Aliases: []string{"starterpack"},
		Short:   "Show every member of a starter pack",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, true, func(ctx context.Context, a *app) (interface{}, error) {
				return aggregate(ctx, a, args[0], refresh, a.aggregator.GetAllStarterPackData)
			})
		},
	}
	c.Flags().BoolVar(&refresh, "refresh", false, "Ignore the cached result")
	return c
}

// aggregate runs one aggregation with a progress bar on stderr
func aggregate(ctx context.Context, a *app, input string, refresh bool, fetch func(context.Context, string) (*internal.AggregatedList, error)) (*internal.AggregatedList, error) {
	if refresh {
		if err := a.aggregator.Invalidate(ctx, input); err != nil {
			return nil, err
		}
	}

	tracker := utils.NewProgressTracker(int64(config.AggregateMaxItems), config.QuietMode)
	a.aggregator.SetProgress(func(items, pages int) {
		tracker.Update(int64(items), pages)
	})

	result, err := fetch(ctx, input)
	if err != nil {
		tracker.Finish("")
		return nil, err
	}

	tracker.Finish(result.List.Name)
	if !config.QuietMode {
		switch {
		case result.Partial:
			fmt.Fprintln(os.Stderr, "Warning: a page failed, the result is incomplete")
		case result.Truncated:
			fmt.Fprintf(os.Stderr, "Warning: stopped at %d items, the list is longer\n", config.AggregateMaxItems)
		}
	}
	return result, nil
}

// resolveResult is printed by the resolve command
type resolveResult struct {
	Input string `json:"input"`
	URI   string `json:"uri"`
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <link>",
		Short: "Convert a bsky.app link into an AT-URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, true, func(ctx context.Context, a *app) (interface{}, error) {
				uri, err := a.client.Resolver().Resolve(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return resolveResult{Input: args[0], URI: uri}, nil
			})
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and delete stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, false, func(ctx context.Context, a *app) (interface{}, error) {
				if err := a.client.Session().Logout(ctx); err != nil {
					return nil, err
				}
				if !config.QuietMode {
					fmt.Fprintln(os.Stderr, "Logged out")
				}
				return nil, nil
			})
		},
	}
}

func addCommands(root *cobra.Command) {
	root.AddCommand(
		newProfileCmd(),
		newPostCmd(),
		newFeedCmd(),
		newTimelineCmd(),
		newSearchCmd(),
		newListsCmd(),
		newListCmd(),
		newStarterPackCmd(),
		newResolveCmd(),
		newLogoutCmd(),
	)
}

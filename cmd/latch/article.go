package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-latch/internal/article"
	"github.com/mirkobrombin/go-latch/v1/cacheaside"
)

// dataDir returns the data directory, defaulting to $HOME/.latch.
func (a *app) dataDir() (string, error) {
	if d := a.v.GetString("data-dir"); d != "" {
		return d, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".latch"), nil
}

// articleService opens the database and wires the service to the backend.
// Callers close the returned repository.
func (a *app) articleService(cmd *cobra.Command, opts ...article.Option) (*article.Service, *article.Repository, error) {
	dir, err := a.dataDir()
	if err != nil {
		return nil, nil, err
	}
	repo, err := article.Open(dir)
	if err != nil {
		return nil, nil, err
	}
	if err := repo.Migrate(cmd.Context()); err != nil {
		repo.Close()
		return nil, nil, err
	}
	b, err := a.openBackend(cmd.Context())
	if err != nil {
		repo.Close()
		return nil, nil, err
	}

	copts := []cacheaside.Option{}
	if a.v.GetBool("trace") {
		copts = append(copts, cacheaside.WithTracing())
	}
	opts = append([]article.Option{
		article.WithLogger(a.logger),
		article.WithPolicy(cacheaside.NewPolicy(a.v.GetDuration("cache.default-ttl"))),
		article.WithCacheOptions(copts...),
	}, opts...)
	return article.NewService(repo, a.locker(b), b.Store, opts...), repo, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: id %q", article.ErrInvalidParameter, s)
	}
	return id, nil
}

// inputFromFlags collects only the flags the user actually set.
func inputFromFlags(cmd *cobra.Command) article.Input {
	var in article.Input
	flags := cmd.Flags()
	if flags.Changed("title") {
		v, _ := flags.GetString("title")
		in.Title = &v
	}
	if flags.Changed("body") {
		v, _ := flags.GetString("body")
		in.Body = &v
	}
	if flags.Changed("author") {
		v, _ := flags.GetInt64("author")
		in.AuthorID = &v
	}
	return in
}

func addInputFlags(cmd *cobra.Command) {
	cmd.Flags().String("title", "", "article title")
	cmd.Flags().String("body", "", "article body")
	cmd.Flags().Int64("author", 0, "author id")
}

func newArticleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "article",
		Short: "Drive the demo article service",
		Long: `Drive the demo article service.

Reads go through the cache-aside helper (/article/get and /article/get/all,
10s TTL) and balance updates run under the addBalance lock.`,
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Create the article schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.dataDir()
			if err != nil {
				return err
			}
			repo, err := article.Open(dir)
			if err != nil {
				return err
			}
			defer repo.Close()
			if err := repo.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Database ready in %s\n", dir)
			return nil
		},
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create an article",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, repo, err := a.articleService(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()
			created, err := svc.Create(cmd.Context(), inputFromFlags(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd, created)
		},
	}
	addInputFlags(create)

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show an article (cached)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			svc, repo, err := a.articleService(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()
			got, err := svc.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, got)
		},
	}

	var q article.Query
	list := &cobra.Command{
		Use:   "list",
		Short: "List articles (cached)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, repo, err := a.articleService(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()
			got, err := svc.GetAll(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printJSON(cmd, got)
		},
	}
	list.Flags().StringVar(&q.Title, "title", "", "only titles containing this text")
	list.Flags().Int64SliceVar(&q.AuthorIDs, "author", nil, "only these author ids")
	list.Flags().StringVar(&q.From, "from", "", "created on or after this date (YYYY-MM-DD)")
	list.Flags().StringVar(&q.To, "to", "", "created on or before this date (YYYY-MM-DD)")

	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Update an article and invalidate its cached copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			svc, repo, err := a.articleService(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()
			updated, err := svc.Update(cmd.Context(), id, inputFromFlags(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd, updated)
		},
	}
	addInputFlags(update)

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an article and invalidate its cached copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			svc, repo, err := a.articleService(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()
			if err := svc.Delete(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted article %d\n", id)
			return nil
		},
	}

	var (
		concurrency int
		hold        time.Duration
	)
	addBalance := &cobra.Command{
		Use:   "add-balance <id> <amount>",
		Short: "Add to an article's balance under the addBalance lock",
		Long: `Add to an article's balance under the addBalance lock.

With --concurrency N the update is attempted by N contenders at once; they
queue on the lock, so the balance grows by exactly N * amount. Use --hold to
keep each critical section busy and make the waiting visible.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("%w: amount %q", article.ErrInvalidParameter, args[1])
			}
			if concurrency < 1 {
				concurrency = 1
			}
			svc, repo, err := a.articleService(cmd, article.WithHoldDelay(hold))
			if err != nil {
				return err
			}
			defer repo.Close()

			start := time.Now()
			g, ctx := errgroup.WithContext(cmd.Context())
			for i := 0; i < concurrency; i++ {
				g.Go(func() error {
					began := time.Now()
					updated, err := svc.AddBalance(ctx, id, amount)
					if err != nil {
						return err
					}
					a.logger.Info("balance updated", "id", id, "balance", updated.Balance, "waited", time.Since(began).Round(time.Millisecond))
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			final, err := repo.FindByID(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Article %d balance %d after %d update(s) in %s\n",
				id, final.Balance, concurrency, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	addBalance.Flags().IntVarP(&concurrency, "concurrency", "c", 1, "number of concurrent contenders")
	addBalance.Flags().DurationVar(&hold, "hold", 0, "time each contender holds the lock")

	cmd.AddCommand(migrate, create, get, list, update, del, addBalance)
	return cmd
}

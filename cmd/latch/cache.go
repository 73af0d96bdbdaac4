package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-latch/v1/cacheaside"
	"github.com/mirkobrombin/go-latch/v1/presets"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and invalidate cached entries",
	}

	rawCache := func(b *presets.Backend) *cacheaside.Cache[json.RawMessage] {
		opts := []cacheaside.Option{
			cacheaside.WithLogger(a.logger),
			cacheaside.WithPolicy(cacheaside.NewPolicy(a.v.GetDuration("cache.default-ttl"))),
		}
		if a.v.GetBool("trace") {
			opts = append(opts, cacheaside.WithTracing())
		}
		return presets.NewCache[json.RawMessage](b, opts...)
	}

	get := &cobra.Command{
		Use:   "get <group> [parts...]",
		Short: "Print a cached value",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k := parseKey(args[0], args[1:])
			b, err := a.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			v, found, err := rawCache(b).Get(cmd.Context(), k, func(context.Context) (json.RawMessage, bool, error) {
				return nil, false, nil
			})
			if err != nil {
				return err
			}
			if !found {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: not cached\n", k)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(v))
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "del <group> [parts...]",
		Short: "Delete a cached value",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k := parseKey(args[0], args[1:])
			b, err := a.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			ok, err := rawCache(b).Delete(cmd.Context(), k)
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: deleted\n", k)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: not cached\n", k)
			}
			return nil
		},
	}

	cmd.AddCommand(get, del)
	return cmd
}

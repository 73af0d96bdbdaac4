package main

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"
)

func newLockCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Run commands under a distributed lock",
	}

	run := &cobra.Command{
		Use:   "run <group> [parts...] -- <command> [args...]",
		Short: "Run a command while holding a lock",
		Long: `Run a command while holding the lock named by group and parts.

The command starts only once the lock is acquired and the lock is released
when it exits, whatever its exit status. If the lock cannot be acquired
within lock.timeout the command does not run at all.`,
		Example: `  latch --backend redis lock run addBalance 42 -- ./settle.sh 42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dash := cmd.ArgsLenAtDash()
			if dash < 1 || dash >= len(args) {
				return fmt.Errorf("usage: %s", cmd.Use)
			}
			k := parseKey(args[0], args[1:dash])
			argv := args[dash:]

			b, err := a.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			return a.locker(b).Lock(cmd.Context(), k, func(ctx context.Context) error {
				a.logger.Debug("lock acquired, running command", "key", k.String(), "command", argv[0])
				c := exec.CommandContext(ctx, argv[0], argv[1:]...)
				c.Stdin = cmd.InOrStdin()
				c.Stdout = cmd.OutOrStdout()
				c.Stderr = cmd.ErrOrStderr()
				return c.Run()
			})
		},
	}

	status := &cobra.Command{
		Use:   "status <group> [parts...]",
		Short: "Report whether a lock is currently held",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k := parseKey(args[0], args[1:])
			b, err := a.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			held, err := a.locker(b).IsLocked(cmd.Context(), k)
			if err != nil {
				return err
			}
			state := "free"
			if held {
				state = "held"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", k, state)
			return nil
		},
	}

	cmd.AddCommand(run, status)
	return cmd
}

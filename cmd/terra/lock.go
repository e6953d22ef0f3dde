package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-terra/v1/lock"
	"github.com/mirkobrombin/go-terra/v1/presets"
	"github.com/mirkobrombin/go-terra/v1/traceid"
)

type lockOptions struct {
	*rootOptions
	Workers int
	Wait    time.Duration
	Hold    time.Duration
}

func newLockCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &lockOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "lock <id>",
		Short: "Contend for a lock from concurrent workers",
		Long: `Start several workers that each try to take the lock <id>, hold it for a
while and release it. Every worker runs under its own owner so they exclude
each other even on a shared backend.

Example:
  terra lock report-job --workers 4 --wait 2s --hold 300ms
  TERRA_LOCK_ENABLED=true TERRA_LOCK_BACKEND=redis terra lock report-job`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLock(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Workers, "workers", 3, "number of contending workers")
	cmd.Flags().DurationVar(&opts.Wait, "wait", time.Second, "how long each worker waits for the lock")
	cmd.Flags().DurationVar(&opts.Hold, "hold", 200*time.Millisecond, "how long the lock is held once acquired")
	return cmd
}

func runLock(ctx context.Context, opts *lockOptions, id string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	deps, err := opts.dial()
	if err != nil {
		return err
	}
	defer deps.Close()

	c, err := presets.NewCoordinator(opts.cfg, deps)
	if err != nil {
		return err
	}

	gen := presets.NewGenerator(opts.cfg.Trace)
	var acquired, missed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Workers; i++ {
		owner := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			wctx := traceid.WithID(lock.WithOwner(gctx, owner), gen.NewID())
			err := c.Do(wctx, id, opts.Wait, func(ctx context.Context) error {
				opts.logger.InfoContext(ctx, "lock: held", "id", id, "owner", owner)
				select {
				case <-time.After(opts.Hold):
				case <-ctx.Done():
				}
				return nil
			})
			if lock.IsNotAcquired(err) {
				missed.Add(1)
				opts.logger.InfoContext(wctx, "lock: not acquired", "id", id, "owner", owner, "error", err)
				return nil
			}
			if err == nil {
				acquired.Add(1)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "lock %s: %d acquired, %d missed\n", id, acquired.Load(), missed.Load())
	return nil
}

package main

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-terra/v1/batch"
	"github.com/mirkobrombin/go-terra/v1/presets"
	"github.com/mirkobrombin/go-terra/v1/traceid"
)

// event is the item type pushed through buffers by the CLI.
type event struct {
	Seq      int       `json:"seq"`
	Producer int       `json:"producer"`
	Payload  string    `json:"payload"`
	At       time.Time `json:"at"`
}

func (e event) key() string {
	return strconv.Itoa(e.Producer) + ":" + e.Payload
}

type batchOptions struct {
	*rootOptions
	Producers int
	Items     int
	DedupTTL  time.Duration
}

func newBatchCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &batchOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Push events through a batch buffer from concurrent producers",
		Long: `Run producers that submit events to a buffer built from the config, then
shut the buffer down and report throughput. The sink is selected with
batch.sink (log, redis, kafka or nats).

Example:
  terra batch --producers 8 --items 100000
  TERRA_BATCH_SINK=redis TERRA_REDIS_ADDR=localhost:6379 terra batch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Producers, "producers", 4, "number of concurrent producers")
	cmd.Flags().IntVar(&opts.Items, "items", 10000, "events submitted by each producer")
	cmd.Flags().DurationVar(&opts.DedupTTL, "dedup-ttl", 0, "drop events repeated within this window (0 disables)")
	return cmd
}

func runBatch(opts *batchOptions, cmd *cobra.Command) error {
	deps, err := opts.dial()
	if err != nil {
		return err
	}
	defer deps.Close()
	exec, stopExec := opts.sharedExecutor(deps)
	defer stopExec()

	extra := []batch.Option[event]{batch.WithExecutor[event](exec)}
	if opts.DedupTTL > 0 {
		d, err := batch.NewDedup(event.key, opts.DedupTTL, int64(opts.Producers*opts.Items))
		if err != nil {
			return err
		}
		defer d.Close()
		extra = append(extra, batch.WithAccepts[event](d.Accepts))
	}
	buf, err := presets.NewBuffer[event](opts.cfg, deps, append(extra, batch.WithName[event]("cli"))...)
	if err != nil {
		return err
	}

	gen := presets.NewGenerator(opts.cfg.Trace)
	var accepted atomic.Int64
	start := time.Now()
	var g errgroup.Group
	for p := 0; p < opts.Producers; p++ {
		g.Go(func() error {
			ctx := traceid.WithID(context.Background(), gen.NewID())
			for i := 0; i < opts.Items; i++ {
				e := event{Seq: i, Producer: p, Payload: "event-" + strconv.Itoa(i), At: time.Now()}
				if buf.Submit(ctx, e) {
					accepted.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := buf.Shutdown(context.Background()); err != nil {
		opts.logger.Warn("batch: shutdown incomplete", "error", err)
	}
	elapsed := time.Since(start)
	total := opts.Producers * opts.Items
	fmt.Fprintf(cmd.OutOrStdout(), "submitted %d events (%d accepted) in %v, %.0f events/s\n",
		total, accepted.Load(), elapsed, float64(total)/elapsed.Seconds())
	return nil
}

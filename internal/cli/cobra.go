package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"blaauwpipe/internal/pending"
	"blaauwpipe/internal/pipeline"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "blaauwpipe",
		Short: "Blaauwpipe reduces telescope nights with matched calibration masters",
		Long: `Blaauwpipe clusters calibration frames into master bias, dark and flat
frames, reduces light frames with the closest masters it can find and keeps a
pending ledger of frames that should be re-reduced when better masters appear.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(root.out)

	rootCmd.AddCommand(newReduceCmd(root))
	rootCmd.AddCommand(newMastersCmd(root))
	rootCmd.AddCommand(newPendingCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newReduceCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "reduce <night>",
		Short: "Run the configured steps for a night",
		Long: `Copy the night from the telescope, build its masters and reduce its light
frames. Frames reduced with masters from other nights are added to the pending
ledger.`,
		Example: "  blaauwpipe reduce 210304",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			night, err := root.parseNight(args[0])
			if err != nil {
				return err
			}
			job := pipeline.NewJob(pipeline.JobNight)
			job.Night = night
			job.Options = map[string]any{"source": "cli", "steps": root.cfg.Pipeline.Steps}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			root.printSummary(res.Summary)
			return err
		},
	}
}

func newMastersCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:     "masters <night>",
		Short:   "Build the master frames of a night",
		Example: "  blaauwpipe masters 210304",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			night, err := root.parseNight(args[0])
			if err != nil {
				return err
			}
			job := pipeline.NewJob(pipeline.JobMasters)
			job.Night = night
			job.Options = map[string]any{"source": "cli"}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			root.printSummary(res.Summary)
			return err
		},
	}
}

func newPendingCmd(root *Root) *cobra.Command {
	var (
		today string
		list  bool
	)
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Re-reduce the frames in the pending ledger",
		Long: `Re-match every pending frame against the masters available now. Frames
whose masters all come from their own night are removed, frames past their
expiration date are dropped and the rest are kept with refreshed ages.`,
		Example: `  blaauwpipe pending
  blaauwpipe pending --today 2021-03-08
  blaauwpipe pending --list`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				return root.listPending()
			}
			job := pipeline.NewJob(pipeline.JobPending)
			job.Today = root.now()
			if today != "" {
				t, err := time.Parse(pending.DateLayout, today)
				if err != nil {
					return fmt.Errorf("invalid --today: %w", err)
				}
				job.Today = t
			}
			job.Options = map[string]any{"source": "cli"}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			root.printReport(res.Report)
			return err
		},
	}
	cmd.Flags().StringVar(&today, "today", "", "evaluate expiration as of this date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&list, "list", false, "print the ledger without re-reducing")
	return cmd
}

func (r *Root) listPending() error {
	entries, corrupt, err := r.ledger.Read()
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(r.out, "%s %s %s bias=%d dark=%d flat=%d expires=%s\n",
			r.layout.NightName(e.Night), e.Type(), e.Frame, e.Ages.Bias, e.Ages.Dark, e.Ages.Flat, e.Expires.Format(pending.DateLayout))
	}
	for _, c := range corrupt {
		fmt.Fprintf(r.out, "corrupt: %v\n", c)
	}
	return nil
}

func newWatchCmd(root *Root) *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run a pending pass whenever new masters or nights appear",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			root.log.Info("starting watcher", "root", root.layout.Root, "debounce", debounce.String())
			return root.watch(ctx, root.layout, debounce, root.pendingTrigger(), root.log)
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", root.cfg.Watch.Debounce, "quiet period before a pass starts")
	return cmd
}

// pendingTrigger queues a pending pass without waiting for it.
func (r *Root) pendingTrigger() func(ctx context.Context) {
	return func(ctx context.Context) {
		job := pipeline.NewJob(pipeline.JobPending)
		job.Today = r.now()
		job.Options = map[string]any{"source": "watch"}
		if err := r.enqueue(ctx, job); err != nil {
			r.log.Warn("failed to queue pending pass", "error", err)
		}
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr      string
		withWatch bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP status API",
		Long: `Serve run history, reductions and the pending ledger over HTTP and stream
job results on /stream (server-sent events) and /ws (websocket).

Examples:
  blaauwpipe serve --addr :8080
  blaauwpipe serve --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			root.log.Info("starting server", "addr", addr, "watch", withWatch)
			if withWatch {
				go func() {
					if err := root.watch(ctx, root.layout, root.cfg.Watch.Debounce, root.pendingTrigger(), root.log); err != nil {
						root.log.Error("watcher stopped", "error", err)
					}
				}()
			}
			return root.serve(ctx, addr, root.store, root.pipeline, root.ledger, root.layout, root.log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "listen address")
	cmd.Flags().BoolVar(&withWatch, "watch", false, "also watch the data root for new masters")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("blaauwpipe " + Version)
		},
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hiveflow/hiveflow/internal/config"
	"github.com/hiveflow/hiveflow/internal/logging/loki"
	"github.com/hiveflow/hiveflow/internal/metrics"
	"github.com/hiveflow/hiveflow/internal/tracing"
	"github.com/hiveflow/hiveflow/internal/transfer"
)

const statsInterval = 15 * time.Second

func newChunkCmd() *cobra.Command {
	var (
		offset   uint64
		priority string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "chunk <file-id> <index>",
		Short: "Serve one chunk as a wire message",
		Long: `Answer a chunk request locally and write the framed chunk_data message
a peer would receive. With --offset the response starts mid-chunk, as for a
resumed transfer.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid chunk index %q: %w", args[1], err)
			}
			prio, err := transfer.ParsePriority(priority)
			if err != nil {
				return err
			}

			c, _, err := openCell(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			adapter := transfer.NewAdapter(c.Chunks(), c.Metadata(), log.Logger)
			requester := transfer.NewRequesterID()

			req := transfer.BuildResumeRequest(args[0], uint32(index), prio, requester, offset)
			resp, err := adapter.Serve(cmd.Context(), req)
			if err != nil {
				return err
			}

			env, err := transfer.NewEnvelope("", "local", resp)
			if err != nil {
				return err
			}
			frame, err := env.Marshal()
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				_, err = os.Stdout.Write(frame)
				return err
			}
			if err := os.WriteFile(output, frame, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintf(os.Stderr, "Wrote chunk %d of %s (%s payload, sequence %d) to %s\n",
				resp.ChunkIndex, resp.FileID, humanize.IBytes(uint64(len(resp.Data))), resp.Sequence, output)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&offset, "offset", 0, "byte offset within the chunk")
	cmd.Flags().StringVar(&priority, "priority", "normal", "request priority: low, normal or high")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default: stdout)")
	return cmd
}

func newGCCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete chunk files no stored file references",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			c, cfg, err := openCell(ctx, cmd)
			if err != nil {
				return err
			}

			if watch {
				interval, err := cfg.GCInterval()
				if err != nil {
					return err
				}
				log.Info().Dur("interval", interval).Msg("Running periodic garbage collection")
				c.GC().Run(ctx, interval)
				return nil
			}

			stats, err := c.GC().Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d of %d chunk files, reclaimed %s\n",
				stats.Removed, stats.Scanned, humanize.IBytes(uint64(stats.BytesReclaimed)))
			if stats.Skipped > 0 {
				fmt.Printf("Skipped %d unrecognized entries\n", stats.Skipped)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep sweeping at the configured gc.interval")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show storage statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := openCell(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			st, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "Data dir:\t%s\n", c.BaseDir())
			_, _ = fmt.Fprintf(w, "Chunk size:\t%s\n", humanize.IBytes(uint64(c.ChunkSize())))
			_, _ = fmt.Fprintf(w, "Files:\t%d\n", st.MetadataFiles)
			_, _ = fmt.Fprintf(w, "Chunk files:\t%d (%s)\n", st.ChunkFiles, humanize.IBytes(uint64(st.ChunkBytes)))
			_, _ = fmt.Fprintf(w, "Referenced:\t%d\n", st.LiveRefs)
			if orphans := st.ChunkFiles - st.LiveRefs; orphans > 0 {
				_, _ = fmt.Fprintf(w, "Unreferenced:\t%d (run 'hivecell gc')\n", orphans)
			}
			return w.Flush()
		},
	}
}

func newServeCmd() *cobra.Command {
	var (
		nodeName      string
		enableTracing bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node: metrics endpoint and periodic GC",
		Long: `Run the node in the foreground until SIGINT or SIGTERM.

Serves Prometheus metrics on metrics.listen, samples storage statistics,
sweeps unreferenced chunks every gc.interval when gc.enabled is set and,
with loki.url configured, ships logs to Loki.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			gcInterval, err := cfg.GCInterval()
			if cfg.GC.Enabled && err != nil {
				return err
			}
			if nodeName == "" {
				nodeName, _ = os.Hostname()
			}

			// The shipper must be installed before the cell captures log.Logger.
			var shipper *loki.Writer
			if cfg.Loki.URL != "" {
				shipper, err = newLokiWriter(cfg, nodeName)
				if err != nil {
					return err
				}
				log.Logger = log.Output(zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr}, shipper))
			}

			c, err := openCellWithConfig(ctx, cfg)
			if err != nil {
				return err
			}
			nodeMetrics := metrics.InitMetrics(nodeName, cfg.DataDir, Version)
			collector := metrics.NewCollector(nodeMetrics, c, log.Logger)

			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if enableTracing {
				recorder, err := tracing.Start(tracing.DefaultBufferSize, 0)
				if err != nil {
					return err
				}
				defer recorder.Stop()
				mux.Handle("/debug/trace", recorder.Handler())
				log.Info().Msg("Runtime tracing enabled at /debug/trace")
			}
			srv := &http.Server{
				Addr:              cfg.Metrics.Listen,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			if shipper != nil {
				g.Go(func() error {
					shipper.Run(gctx)
					return nil
				})
			}
			g.Go(func() error {
				log.Info().Str("listen", cfg.Metrics.Listen).Msg("Metrics endpoint listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				collector.Run(gctx, statsInterval)
				return nil
			})
			if cfg.GC.Enabled {
				g.Go(func() error {
					c.GC().Run(gctx, gcInterval)
					return nil
				})
			}

			log.Info().
				Str("node", nodeName).
				Str("data_dir", cfg.DataDir).
				Bool("gc", cfg.GC.Enabled).
				Msg("hivecell node started")

			err = g.Wait()
			log.Info().Msg("Shutting down...")
			return err
		},
	}
	cmd.Flags().StringVar(&nodeName, "name", "", "node name for metric labels (default: hostname)")
	cmd.Flags().BoolVar(&enableTracing, "enable-tracing", false, "enable runtime tracing (exposes /debug/trace endpoint)")
	return cmd
}

func newLokiWriter(cfg *config.Config, nodeName string) (*loki.Writer, error) {
	interval, err := cfg.LokiFlushInterval()
	if err != nil {
		return nil, err
	}
	labels := map[string]string{"node": nodeName}
	for k, v := range cfg.Loki.Labels {
		labels[k] = v
	}
	log.Info().Str("url", cfg.Loki.URL).Msg("Shipping logs to Loki")
	return loki.NewWriter(loki.Config{
		URL:           cfg.Loki.URL,
		Labels:        labels,
		BatchSize:     cfg.Loki.BatchSize,
		FlushInterval: interval,
	}), nil
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"diffusion_backend/core"
	"diffusion_backend/db"
	"diffusion_backend/metrics"
	"diffusion_backend/server"
	"diffusion_backend/shutdown"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if managed, _ := cmd.Flags().GetBool("service"); managed {
				return a.runService(cmd)
			}
			return a.runServe(cmd.Context(), cmd)
		},
	}
	cmd.PersistentFlags().String("addr", "", "listen address (default SD_LISTEN_ADDR)")
	cmd.Flags().Bool("service", false, "run under the system service manager")
	cmd.Flags().MarkHidden("service")
	cmd.AddCommand(newServiceCmds(a)...)
	return cmd
}

// runServe serves until ctx ends or the listener fails.
func (a *app) runServe(ctx context.Context, cmd *cobra.Command) error {
	cfg, logger := a.cfg, a.logger
	addr := cfg.ListenAddr
	if cmd.Flags().Changed("addr") {
		addr, _ = cmd.Flags().GetString("addr")
	}

	mgr := shutdown.NewManager(logger.Named("shutdown"),
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithParent(ctx))

	gen, err := a.newGenerator()
	if err != nil {
		return err
	}
	mgr.Register("generator", shutdown.PriorityGenerator, func(context.Context) error {
		return gen.Close()
	})

	stats := metrics.NewStore(metrics.StoreConfig{
		HistoryCapacity: metrics.DefaultHistoryCapacity,
		Version:         core.GetVersion(),
	}, time.Now())
	opts := server.Options{
		Generator: gen,
		Stats:     stats,
		Tracker:   mgr,
		Logger:    logger,
		RateLimit: cfg.RateLimit,
	}

	if database, repo := a.openHistory(cmd); database != nil {
		writer := db.NewAsyncWriterWithConfig(repo.AsyncHandler(), db.AsyncWriterConfig{
			ChannelCapacity: cfg.HistoryQueue,
			DrainTimeout:    cfg.ShutdownTimeout,
			Logger:          logger.Named("history"),
		})
		writer.Start()
		repo.SetAsyncWriter(writer)
		gen.SetRecorder(metrics.Tee(repo, stats))
		opts.Runs = repo

		mgr.Register("history writer", shutdown.PriorityAsyncWriter, func(ctx context.Context) error {
			var drained bool
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < cfg.ShutdownTimeout {
				drained = writer.StopWithTimeout(time.Until(deadline))
			} else {
				drained = writer.Stop()
			}
			if !drained {
				return fmt.Errorf("%d run records were not written", writer.Pending())
			}
			return nil
		})
		mgr.Register("database", shutdown.PriorityDatabase, func(context.Context) error {
			return database.Close()
		})

		if cfg.RetentionDays > 0 {
			sched := db.DefaultCleanupSchedulerConfig()
			sched.RetentionDays = cfg.RetentionDays
			sched.OnCleanup = func(res db.CleanupResult, err error) {
				if err != nil {
					logger.Warn("history cleanup failed", zap.Error(err))
					return
				}
				if res.RunsDeleted > 0 {
					logger.Info("history cleanup",
						zap.Int64("deleted", res.RunsDeleted),
						zap.Time("cutoff", res.Cutoff),
						zap.Duration("duration", res.Duration))
				}
			}
			database.StartCleanupScheduler(mgr.Context(), sched)
		}
	} else {
		gen.SetRecorder(stats)
	}

	srv, err := server.New(opts)
	if err != nil {
		gen.Close()
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		mgr.Shutdown()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv.StartBackground(mgr.Context())

	mgr.Register("http server", shutdown.PriorityHTTPServer, srv.Shutdown)
	mgr.Register("temp outputs", shutdown.PriorityTempFiles, shutdown.CleanupTempOutputs(logger, cfg.OutputDir))
	mgr.Register("logger", shutdown.PriorityLogger, func(context.Context) error {
		logger.Sync()
		return nil
	})
	mgr.Start()

	out := cmd.OutOrStdout()
	color.New(color.FgGreen, color.Bold).Fprint(out, "Serving ")
	fmt.Fprintf(out, "http://%s (backend %s, pool %d)\n", ln.Addr(), cfg.SD.Backend, gen.PoolSize())

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	var runErr error
	select {
	case <-mgr.Context().Done():
	case runErr = <-serveErr:
		if runErr != nil {
			logger.Error("http server stopped", zap.Error(runErr))
		}
	}

	shutdownErr := mgr.Shutdown()
	a.exitCode = mgr.ExitCode()
	if runErr != nil {
		return runErr
	}
	return shutdownErr
}

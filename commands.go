package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ltx2-video-server/config"
	"ltx2-video-server/models"
	"ltx2-video-server/routers"
	"ltx2-video-server/routers/api"
	"ltx2-video-server/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type commandContext struct {
	configPath string
	debug      bool

	cfg *config.Config
	log *zap.Logger
}

func newRootCommand() *cobra.Command {
	cc := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "ltx2-video-server",
		Short:         "Lipsync video jobs on top of a ComfyUI rendering server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.InitConfig(cc.configPath); err != nil {
				return err
			}
			cc.cfg = config.AppConfig
			log, err := newLogger(cc.cfg.Log.Level, cc.debug)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			cc.log = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if cc.log != nil {
				_ = cc.log.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&cc.configPath, "config", "c", config.DefaultPath, "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&cc.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCommand(cc))
	rootCmd.AddCommand(newWorkerCommand(cc))
	rootCmd.AddCommand(newRunCommand(cc))
	rootCmd.AddCommand(newHealthCommand(cc))
	return rootCmd
}

func newServeCommand(cc *commandContext) *cobra.Command {
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the queue consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cc, !noWorker)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "Serve the API only")
	return cmd
}

func newWorkerCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the queue consumer only",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cc.cfg, cc.log)
			if err != nil {
				return err
			}
			if err := checkWorkflow(cc.cfg); err != nil {
				return err
			}
			p, queue, _, err := a.processor()
			if err != nil {
				return err
			}
			defer queue.Close()
			return runWorker(ctx, cc, p)
		},
	}
}

func newRunCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run <job.json>",
		Short: "Run one job synchronously and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			in, err := models.ParseJobRequest(data)
			if err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			a, err := newApp(cc.cfg, cc.log)
			if err != nil {
				return err
			}
			hooks := service.Hooks{OnProgress: func(percent int, message string) {
				cc.log.Info("progress", zap.Int("percent", percent), zap.String("message", message))
			}}
			result, err := a.generator.Process(cmd.Context(), "cli-"+time.Now().Format("20060102150405"), in, hooks)
			if err != nil {
				printJSON(cmd, map[string]string{"status": "error", "error": err.Error()})
				return err
			}
			printJSON(cmd, result)
			return nil
		},
	}
}

func newHealthCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the rendering server answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cc.cfg, cc.log)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			stats, err := a.comfy.SystemStats(ctx)
			if err != nil {
				printJSON(cmd, map[string]interface{}{"status": "unhealthy", "comfyui": false, "error": err.Error()})
				return err
			}
			printJSON(cmd, map[string]interface{}{"status": "healthy", "comfyui": true, "system": stats})
			return nil
		},
	}
}

func serve(ctx context.Context, cc *commandContext, withWorker bool) error {
	a, err := newApp(cc.cfg, cc.log)
	if err != nil {
		return err
	}
	if err := checkWorkflow(cc.cfg); err != nil {
		cc.log.Warn("workflow template not readable, jobs will fail", zap.Error(err))
	}
	p, queue, jobs, err := a.processor()
	if err != nil {
		return err
	}
	defer queue.Close()

	h := &api.Handler{
		Jobs:     jobs,
		Queue:    queue,
		Runner:   a.generator,
		Canceler: p,
		Stats:    a.comfy,
		Log:      cc.log.Named("api"),
	}
	srv := &http.Server{
		Addr:    cc.cfg.Server.Port,
		Handler: routers.InitRouter(h, a.metrics.Handler()),
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		cc.log.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if withWorker {
		eg.Go(func() error { return runWorker(ctx, cc, p) })
	}
	return eg.Wait()
}

func runWorker(ctx context.Context, cc *commandContext, p *service.Processor) error {
	srv := service.NewWorkerServer(cc.cfg, cc.log.Named("asynq"))
	if err := srv.Start(p.Mux()); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	cc.log.Info("worker started", zap.Int("concurrency", cc.cfg.Worker.Concurrency))
	<-ctx.Done()
	srv.Shutdown()
	cc.log.Info("worker stopped")
	return nil
}

func printJSON(cmd *cobra.Command, v interface{}) {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

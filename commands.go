package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ViralLaunch-server/config"
	"ViralLaunch-server/models"
	"ViralLaunch-server/routers"
	"ViralLaunch-server/routers/api"

	"github.com/spf13/cobra"
)

var (
	configPath string
	withClips  bool

	cfg     *config.Config
	logger  *slog.Logger
	closeLg func() error
)

var rootCmd = &cobra.Command{
	Use:   "virallaunch",
	Short: "Storyboard and video clip generation server",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(configPath); err != nil {
			return err
		}
		cfg = config.AppConfig
		logger, closeLg = config.SetupLogger(cfg.Log)
		slog.SetDefault(logger)
		if err := cfg.Validate(); err != nil {
			logger.Warn("configuration incomplete", "error", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLg != nil {
			_ = closeLg()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the job runner",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			a.Close(shutdownCtx)
		}()

		if a.processor != nil {
			if err := a.processor.StartProcessor(); err != nil {
				return err
			}
		}
		if cfg.Server.Recover {
			n, err := a.pipeline.Recover(ctx)
			if err != nil {
				logger.Warn("startup recovery failed", "error", err)
			} else if n > 0 {
				logger.Info("resubmitted interrupted runs", "count", n)
			}
		}

		r := routers.InitRouter(api.NewHandler(a.pipeline, logger), a.staticDir)
		srv := &http.Server{Addr: cfg.Server.Port, Handler: r}
		errCh := make(chan error, 1)
		go func() {
			logger.Info("server starting", "addr", cfg.Server.Port)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		case <-ctx.Done():
			logger.Info("shutting down")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <project_id>",
	Short: "Re-run a project's storyboard, skipping artifacts already produced",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())
		return a.pipeline.Resume(ctx, args[0], withClips)
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <project_id> <clip_id>",
	Short: "Regenerate one failed clip",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())
		return a.pipeline.Retry(ctx, args[0], models.RunKindVideo, models.CategoryClip, args[1])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "path to the YAML config file")
	resumeCmd.Flags().BoolVar(&withClips, "clips", false, "also generate missing clips")
	rootCmd.AddCommand(serveCmd, resumeCmd, retryCmd)
}

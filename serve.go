package main

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rapidenc/config"
	"rapidenc/httpServer"
	"rapidenc/internal/capture"
	"rapidenc/internal/metrics"
	"rapidenc/internal/sessionmanager"
	"rapidenc/pkg/models"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control API",
	Long: `Start the HTTP control API. Sessions are created, fed and tapped over HTTP;
Prometheus metrics are served on /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		return runServer(cfg, logger)
	},
}

func runServer(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signalContext()
	defer stop()

	logger.Info("Starting rapidenc server...", zap.String("version", version))

	m := metrics.New(prometheus.DefaultRegisterer)
	reg := buildRegistry(ctx, cfg, logger, m)

	opts, err := sessionOptions(cfg)
	if err != nil {
		return err
	}
	manager := sessionmanager.New(reg, sessionmanager.Options{
		MaxSessions:      cfg.Limits.MaxSessions,
		SubscriberBuffer: cfg.Limits.SubscriberBuffer,
		Logger:           logger,
		Metrics:          m,
		SessionOptions:   opts,
	})

	if cfg.HTTP.Mode != "" {
		gin.SetMode(cfg.HTTP.Mode)
	}
	srv := httpServer.New(manager, httpServer.Options{
		Metrics:  m,
		Logger:   logger,
		Defaults: cfg.Apply,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(cfg.HTTP.Addr)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if stopErr := manager.StopAll(shutdownCtx); stopErr != nil && err == nil {
			err = stopErr
		}
		return err
	})
	if cfg.Capture.TestPattern {
		g.Go(func() error {
			return runTestPattern(ctx, cfg, manager, logger)
		})
	}

	logger.Info("rapidenc server started",
		zap.String("addr", cfg.HTTP.Addr),
		zap.Int("encoders", len(reg.All())))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runTestPattern creates a session fed by the synthetic source so the stream
// endpoint has something to show without a real camera
func runTestPattern(ctx context.Context, cfg *config.Config, manager *sessionmanager.Manager, logger *zap.Logger) error {
	format, err := models.ParsePixelFormat(cfg.Capture.Format)
	if err != nil {
		return errors.Wrap(err, "capture.format")
	}
	src, err := capture.NewTestPattern(cfg.Capture.Width, cfg.Capture.Height, cfg.Capture.FPS, format, 0)
	if err != nil {
		return err
	}

	entry, err := manager.CreateSession(cfg.Apply(models.EncoderConfig{
		Width:       cfg.Capture.Width,
		Height:      cfg.Capture.Height,
		FPS:         cfg.Capture.FPS,
		InputFormat: format,
	}))
	if err != nil {
		return errors.Wrap(err, "create test pattern session")
	}
	if err := entry.Session.Start(); err != nil {
		return errors.Wrap(err, "start test pattern session")
	}
	logger.Info("test pattern session running", zap.String("session", entry.Session.ID()))

	stats, err := src.Run(ctx, entry.Session.SubmitFrame)
	logger.Info("test pattern stopped", zap.Int("frames", stats.Frames), zap.Int("accepted", stats.Accepted))
	return err
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rapidenc/config"
	"rapidenc/internal/codec"
	"rapidenc/internal/metrics"
	"rapidenc/internal/session"
)

var (
	version = "dev"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "rapidenc",
	Short: "Real-time video encoder service",
	Long: `rapidenc turns raw captured frames into an H.264 or H.265 elementary stream
using hardware or software encoders.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rapidenc %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(encodeCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file path")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger shared by all commands
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	debug, _ := cmd.Flags().GetBool("debug")

	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create logger")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load config")
	}
	return cfg, logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// buildRegistry discovers the encoders usable on this machine
func buildRegistry(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) *codec.Registry {
	reg := codec.NewRegistry()
	if cfg.Encoder.DisableFFmpeg {
		logger.Warn("ffmpeg encoders disabled by configuration")
		return reg
	}

	probeCtx, cancel := context.WithTimeout(ctx, cfg.Encoder.ProbeTimeout)
	defer cancel()

	n, err := codec.RegisterFFmpegEncoders(probeCtx, reg, codec.FFmpegOptions{
		Path:   cfg.Encoder.FFmpegPath,
		Logger: logger,
	})
	if err != nil {
		logger.Warn("ffmpeg encoders unavailable", zap.String("path", cfg.Encoder.FFmpegPath), zap.Error(err))
	}
	logger.Info("encoder registry ready", zap.Int("ffmpeg", n))

	if m != nil {
		counts := make(map[string]map[bool]int)
		for _, info := range reg.All() {
			if counts[string(info.Codec)] == nil {
				counts[string(info.Codec)] = make(map[bool]int)
			}
			counts[string(info.Codec)][info.Hardware]++
		}
		for c, byHW := range counts {
			for hw, count := range byHW {
				m.SetRegisteredEncoders(c, hw, count)
			}
		}
	}
	for _, info := range reg.All() {
		logger.Debug("encoder available",
			zap.String("name", info.Name),
			zap.String("codec", string(info.Codec)),
			zap.Bool("hardware", info.Hardware))
	}
	return reg
}

// sessionOptions maps the encoder section of the config onto session options
func sessionOptions(cfg *config.Config) ([]session.Option, error) {
	mode, err := session.ParseDriveMode(cfg.Encoder.DriveMode)
	if err != nil {
		return nil, err
	}
	return []session.Option{
		session.WithDriveMode(mode),
		session.WithStopGrace(cfg.Encoder.StopGrace),
		session.WithPollInterval(cfg.Encoder.PollInterval),
	}, nil
}

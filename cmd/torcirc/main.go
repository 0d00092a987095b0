// Command torcirc picks circuit paths from a network directory document and
// exercises the relay cell crypto.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cvsouth/torcirc/config"
	"github.com/cvsouth/torcirc/metrics"
)

var rootFlags struct {
	config      string
	logFile     string
	metricsAddr string
}

// Set up by the root command before any subcommand runs.
var (
	cfg      *config.Config
	logger   *slog.Logger
	closeLog = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "torcirc",
	Short: "Circuit path selection and relay cell crypto",
	Long: `torcirc selects guard, middle and exit relays from a network directory
document the way a client building circuits would, and can run the layered
relay cell crypto end to end against in-process relays.`,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		var err error
		if rootFlags.config != "" {
			cfg, err = config.LoadFile(rootFlags.config)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
		} else {
			cfg = config.Default()
		}

		l, closeFile, err := newLogger(cfg.LogLevel(), rootFlags.logFile)
		if err != nil {
			return err
		}
		logger, closeLog = l, closeFile
		slog.SetDefault(logger)

		addr := rootFlags.metricsAddr
		if addr == "" && cfg.Metrics.Enable {
			addr = cfg.Metrics.Address
		}
		if addr != "" {
			if err := serveMetrics(cmd.Context(), addr); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootFlags.config, "config", "c", "",
		"TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&rootFlags.logFile, "log-file", "",
		"Also write debug logs as JSON to this file")
	rootCmd.PersistentFlags().StringVar(&rootFlags.metricsAddr, "metrics-addr", "",
		"Serve Prometheus metrics on this address")
}

// newLogger returns the logger and a function that flushes and closes the
// log file, if any.
func newLogger(level slog.Level, logFile string) (*slog.Logger, func() error, error) {
	stderr := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if logFile == "" {
		return slog.New(stderr), func() error { return nil }, nil
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	file := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	closeFile := func() error {
		return errors.Join(f.Sync(), f.Close())
	}
	return slog.New(&multiHandler{handlers: []slog.Handler{file, stderr}}), closeFile, nil
}

func serveMetrics(ctx context.Context, addr string) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	logger.Info("serving metrics", "addr", addr)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if cerr := closeLog(); cerr != nil {
		fmt.Fprintln(os.Stderr, "torcirc: close log file:", cerr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "torcirc:", err)
		os.Exit(1)
	}
}

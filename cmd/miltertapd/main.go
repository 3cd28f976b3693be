package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tapmail/miltertap"
	"github.com/tapmail/miltertap/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "miltertapd",
	Short: "Milter observation tap",
	Long: `miltertapd speaks the milter protocol to an MTA, reassembles every
message it is shown and logs a structured analysis of each one. It always
answers "continue", so it never affects mail delivery.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func main() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer log.Sync()

	store := config.NewStore(cfg)
	srv := miltertap.NewServer(store, log)

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Listen, log)
	}

	go handleSignals(store, srv, log)

	log.Info("starting", zap.Strings("listen", cfg.ListenAddrs()))
	return srv.ListenAndServe()
}

func handleSignals(store *config.Store, srv *miltertap.Server, log *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			newCfg, err := config.Load(configPath)
			if err != nil {
				// Previous config stays active.
				log.Error("config reload failed", zap.Error(err))
				continue
			}
			store.Swap(newCfg)
			log.Info("config reloaded",
				zap.Strings("listen", newCfg.ListenAddrs()),
				zap.Duration("idle_timeout", newCfg.IdleTimeout()))

		case syscall.SIGINT, syscall.SIGTERM:
			log.Info("shutting down", zap.String("signal", sig.String()))
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := srv.Shutdown(ctx); err != nil {
				log.Warn("shutdown forced", zap.Error(err))
			}
			cancel()
			log.Sync()
			os.Exit(0)
		}
	}
}

func serveMetrics(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("metrics endpoint", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics endpoint failed", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// Command serve loads the trained bundle and answers scoring requests over
// HTTP. SIGHUP re-reads the bundle and the metrics report from disk.
//
// Usage:
//
//	serve -config config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/YuminosukeSato/glucoscreen/config"
	"github.com/YuminosukeSato/glucoscreen/inference"
	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
	"github.com/YuminosukeSato/glucoscreen/pkg/log"
	"github.com/YuminosukeSato/glucoscreen/server"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config (default: $CONFIG_PATH or ./config.yaml)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "serve: .env:", err)
		os.Exit(1)
	}

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "serve:", err)
		os.Exit(1)
	}
	log.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger := log.GetLoggerWithName("serve")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger log.Logger) error {
	scorer := inference.NewScorer()
	if err := scorer.Load(cfg.Artifacts.ModelPath); err != nil {
		return err
	}

	srv := server.New(scorer, server.Config{
		MetricsPath:        cfg.Artifacts.MetricsPath,
		CORSAllowedOrigins: cfg.Server.CORSOrigins,
		ReadTimeout:        cfg.Server.ReadTimeout,
		WriteTimeout:       cfg.Server.WriteTimeout,
		ShutdownTimeout:    cfg.Server.ShutdownTimeout,
	})

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := srv.Reload(); err != nil {
					logger.Error("reload failed, keeping current bundle", err)
				}
			}
		}
	}()

	return srv.ListenAndServe(ctx, cfg.Server.Addr)
}

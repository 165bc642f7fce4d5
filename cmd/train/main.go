// Command train fits every configured candidate on the diabetes data, keeps
// the one with the greatest held-out F1 and writes the model bundle, the
// metrics report, the comparison chart and a run registry entry.
//
// Usage:
//
//	train -config config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"

	"github.com/YuminosukeSato/glucoscreen/artifact"
	"github.com/YuminosukeSato/glucoscreen/config"
	"github.com/YuminosukeSato/glucoscreen/dataset"
	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
	"github.com/YuminosukeSato/glucoscreen/pkg/log"
	"github.com/YuminosukeSato/glucoscreen/registry"
	"github.com/YuminosukeSato/glucoscreen/training"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config (default: $CONFIG_PATH or ./config.yaml)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "train: .env:", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "train:", err)
		os.Exit(1)
	}
	log.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger := log.GetLoggerWithName("train")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("training failed", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func run(ctx context.Context, cfg *config.Config, logger log.Logger) error {
	ds, err := dataset.Load(cfg.Data.Path, cfg.Schema())
	if err != nil {
		return err
	}
	logger.Info("dataset loaded",
		log.PathKey, cfg.Data.Path,
		log.SamplesKey, ds.NSamples(),
		log.FeaturesKey, ds.NFeatures(),
	)

	specs, err := cfg.Specs()
	if err != nil {
		return err
	}
	trainer := training.NewTrainer(
		training.WithTestSize(cfg.Training.TestSize),
		training.WithRandomSeed(cfg.Training.RandomSeed),
		training.WithParallel(cfg.Training.Parallel),
	)
	res, err := trainer.Run(ctx, ds, specs)
	if err != nil {
		return err
	}

	meta := artifact.NewMetadata(res.BestResult.Model, time.Now(), cfg.Data.Features)
	bundle, err := artifact.NewBundle(res.Best, meta)
	if err != nil {
		return err
	}
	if err := bundle.Save(cfg.Artifacts.ModelPath); err != nil {
		return err
	}
	logger.Info("bundle saved", log.PathKey, cfg.Artifacts.ModelPath)

	report, err := artifact.NewMetricsReport(meta, res)
	if err != nil {
		return err
	}
	if err := report.Save(cfg.Artifacts.MetricsPath); err != nil {
		return err
	}
	logger.Info("metrics report saved", log.PathKey, cfg.Artifacts.MetricsPath)

	// the chart and the registry are secondary outputs; a failure there does
	// not invalidate the bundle
	if cfg.Artifacts.ChartPath != "" {
		if err := artifact.SaveComparisonChart(res.Results, cfg.Artifacts.ChartPath); err != nil {
			logger.Warn("comparison chart not written", err, log.PathKey, cfg.Artifacts.ChartPath)
		}
	}
	if cfg.Artifacts.RegistryPath != "" {
		if err := recordRun(cfg.Artifacts.RegistryPath, meta, res, cfg.Artifacts.ModelPath, logger); err != nil {
			logger.Warn("run not recorded", err, log.PathKey, cfg.Artifacts.RegistryPath)
		}
	}

	return printSummary(report)
}

func recordRun(path string, meta artifact.Metadata, res *training.Result, bundlePath string, logger log.Logger) error {
	store, err := registry.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := registry.NewRunRecord(meta, res, bundlePath)
	if err != nil {
		return err
	}
	if err := store.Record(rec); err != nil {
		return err
	}
	logger.Info("run recorded", log.RunIDKey, rec.ID)
	return nil
}

func printSummary(report *artifact.MetricsReport) error {
	body, err := json.MarshalIndent(report.BestModelMetrics, "", "  ")
	if err != nil {
		return errors.Wrap(err, "summary")
	}
	fmt.Println("== Training complete ==")
	fmt.Println("Best model:", report.Meta.BestModel)
	fmt.Println(string(body))
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"fleetupdater/internal/cloudapi"
	"fleetupdater/internal/config"
	"fleetupdater/internal/logging"
	"fleetupdater/internal/notify"
	"fleetupdater/internal/orchestrator"
	"fleetupdater/internal/store"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fleetupdater: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		envFile     string
		interval    time.Duration
		debug       bool
		jsonLogs    bool
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("fleetupdater", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "optional dotenv file read before the environment")
	flagSet.DurationVar(&interval, "interval", 0, "time between runs (0 for a single run)")
	flagSet.BoolVar(&debug, "debug", false, "log at debug level, overriding LOG_LEVEL")
	flagSet.BoolVar(&jsonLogs, "json", false, "log as JSON")
	flagSet.BoolVar(&showVersion, "version", false, "show version")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("fleetupdater %s\n", version)
		return nil
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if debug {
		level = logrus.DebugLevel.String()
	}
	setters := []logging.Setter{logging.Level(level)}
	if jsonLogs {
		setters = append(setters, logging.JSON())
	}
	log := logging.New("fleetupdater", setters...)
	log.WithField("version", version).Info("starting")

	// Signals stop the schedule. A run that has started is left to finish.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	records, err := store.Open(ctx, cfg.DBDSN, logging.New("store"))
	if err != nil {
		return err
	}
	defer records.Close()
	if err := records.Migrate(ctx); err != nil {
		return err
	}

	client, err := cloudapi.NewClient(cloudapi.Config{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.APITimeout,
		Logger:  logging.New("cloudapi"),
	})
	if err != nil {
		return err
	}

	opts := []orchestrator.Option{orchestrator.WithRecorder(records)}
	if cfg.NotifyEnabled {
		opts = append(opts, orchestrator.WithNotifier(notify.NewNotifier(cfg.Mail, nil, logging.New("notify"))))
	}
	runner := orchestrator.NewRunner(client, *cfg, logging.New("orchestrator"), opts...)

	runOnce := func() error {
		_, err := runner.Run(context.WithoutCancel(ctx))
		return err
	}

	if interval <= 0 {
		return runOnce()
	}

	if err := runOnce(); err != nil {
		log.WithError(err).Error("update run failed")
	}
	log.WithField("interval", interval).Info("running on a schedule")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("stopped")
			return nil
		case <-ticker.C:
			if err := runOnce(); err != nil {
				log.WithError(err).Error("update run failed")
			}
		}
	}
}

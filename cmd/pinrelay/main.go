// pinrelay relays pin commands between hardware devices and the apps that
// control them.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/markus-barta/pinrelay/internal/blockingio"
	"github.com/markus-barta/pinrelay/internal/config"
	"github.com/markus-barta/pinrelay/internal/relay"
	"github.com/markus-barta/pinrelay/internal/server"
	"github.com/markus-barta/pinrelay/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// Version is set at build time.
var Version = "dev"

// Grace period for pending notifications and profile writes on shutdown.
const drainTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "pinrelay: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		envFile     string
		logLevel    string
		showVersion bool
		runCheck    bool
	)
	flagSet := pflag.NewFlagSet("pinrelay", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "read environment variables from this file if it exists")
	flagSet.StringVar(&logLevel, "log-level", "", "override PINRELAY_LOG_LEVEL (debug, info, warn, error)")
	flagSet.BoolVarP(&showVersion, "version", "v", false, "print version and exit")
	flagSet.BoolVar(&runCheck, "check", false, "validate config and storage, then exit")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("pinrelay %s\n", Version)
		return nil
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	log := newLogger(cfg)

	if runCheck {
		return check(log, cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, log, cfg)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var log zerolog.Logger
	if cfg.LogFormat == "json" {
		log = zerolog.New(os.Stderr)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log = log.With().Timestamp().Logger()

	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		log = log.Level(zerolog.DebugLevel)
	case "warn":
		log = log.Level(zerolog.WarnLevel)
	case "error":
		log = log.Level(zerolog.ErrorLevel)
	default:
		log = log.Level(zerolog.InfoLevel)
	}
	return log
}

// check opens storage and reports what the relay would connect to.
func check(log zerolog.Logger, cfg *config.Config) error {
	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	store := storage.New(log, db)
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("storage ping: %w", err)
	}

	log.Info().
		Str("db", cfg.DBPath).
		Str("hardware", cfg.HardwareListen).
		Str("app", cfg.AppListen).
		Str("http", cfg.HTTPListen).
		Bool("mqtt", cfg.HasMQTT()).
		Bool("amqp", cfg.HasAMQP()).
		Msg("configuration ok")
	return nil
}

func serve(ctx context.Context, log zerolog.Logger, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	store := storage.New(log, db)
	defer func() { _ = store.Close() }()

	backends := blockingio.Backends{Graph: store}
	sink := blockingio.NewLogSink(log)
	backends.Mailer, backends.Tweeter, backends.Pusher = sink, sink, sink

	if cfg.HasAMQP() {
		outbox, err := blockingio.DialOutbox(log, cfg.AMQPURL, cfg.MailQueue, cfg.TweetQueue)
		if err != nil {
			return fmt.Errorf("amqp outbox: %w", err)
		}
		defer func() { _ = outbox.Close() }()
		backends.Mailer, backends.Tweeter = outbox, outbox
	}
	if cfg.HasMQTT() {
		pusher, err := blockingio.DialMQTT(log, blockingio.MQTTConfig{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
		})
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		defer pusher.Close()
		backends.Pusher = pusher
	}

	proc := blockingio.New(log, backends, blockingio.Options{
		Workers:   cfg.Workers,
		QueueSize: cfg.WorkerQueue,
	})
	proc.Start()

	registry := relay.NewRegistry(log, store, cfg.HardwareQuota, cfg.HardwareQuotaInterval)
	dashboards := relay.NewDashboardStore(log, store)
	router := relay.NewRouter(log, relay.Options{
		BcryptCost:          cfg.BcryptCost,
		LoginRateLimit:      cfg.LoginRateLimit,
		LoginRateWindow:     cfg.LoginRateWindow,
		NotificationMaxBody: cfg.NotificationMaxBody,
		TweetWindow:         cfg.TweetWindow,
	}, registry, dashboards, store, proc)

	srv := server.New(log, server.Options{
		HardwareAddr:   cfg.HardwareListen,
		AppAddr:        cfg.AppListen,
		HTTPAddr:       cfg.HTTPListen,
		ReadTimeout:    cfg.ReadTimeout,
		SendBuffer:     cfg.SendBuffer,
		AllowedOrigins: cfg.AllowedOrigins,
	}, router, registry, store)

	log.Info().
		Str("version", Version).
		Str("hardware", cfg.HardwareListen).
		Str("app", cfg.AppListen).
		Str("http", cfg.HTTPListen).
		Msg("starting pinrelay")

	runErr := srv.Run(ctx)
	log.Info().Msg("shutting down...")

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := dashboards.Flush(drainCtx); err != nil {
		log.Error().Err(err).Msg("failed to flush profiles")
	}
	if err := proc.Close(drainCtx); err != nil {
		log.Warn().Err(err).Int("pending", proc.Pending()).Msg("blocking io did not drain")
	}
	return runErr
}

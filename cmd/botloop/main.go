// Command botloop runs the Telegram echo bot: long-poll pump, per-chat
// sessions, optional sqlite offset checkpoint and update journal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"

	"github.com/basket/botloop/internal/bus"
	"github.com/basket/botloop/internal/config"
	"github.com/basket/botloop/internal/cron"
	"github.com/basket/botloop/internal/echo"
	otelPkg "github.com/basket/botloop/internal/otel"
	"github.com/basket/botloop/internal/persistence"
	"github.com/basket/botloop/internal/runtime"
	"github.com/basket/botloop/internal/session"
	"github.com/basket/botloop/internal/telegram"
	"github.com/basket/botloop/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Run the bot (long polling) until interrupted
  %s -check          Validate configuration and exit
  %s -quiet          Log to file only, keep stdout clean

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  BOTLOOP_HOME            Data directory (default: ~/.botloop)
  TELEGRAM_TOKEN          Bot token (required unless set in config.yaml)
  BOTLOOP_BASE_URL        Override the Bot API endpoint
  BOTLOOP_LOG_LEVEL       debug, info, warn or error
`)
}

func main() {
	// .env sits next to the process; values never override a set variable.
	_ = godotenv.Load()

	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	check := flag.Bool("check", false, "validate configuration and exit")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		fatalStartup(logger, "E_CONFIG_INVALID", err)
	}
	if *check {
		fmt.Println("configuration ok")
		return
	}
	if isatty.IsTerminal(os.Stdout.Fd()) && !*quiet {
		fmt.Printf("botloop %s, home %s\n", Version, cfg.HomeDir)
	}
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	eventBus := bus.New()

	// No-op when disabled, zero overhead.
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Exporter: cfg.Telemetry.Exporter,
		Endpoint: cfg.Telemetry.Endpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}
	go otelPkg.Observe(ctx, eventBus, metrics)

	var store *persistence.Store
	if cfg.CheckpointEnabled || cfg.Journal.Enabled {
		store, err = persistence.Open(filepath.Join(cfg.HomeDir, "botloop.db"))
		if err != nil {
			fatalStartup(logger, "E_STORE_OPEN", err)
		}
		defer store.Close()
		logger.Info("startup phase", "phase", "schema_migrated")
	}

	if store != nil && cfg.Journal.Enabled && cfg.Journal.RetentionDays > 0 {
		pruner := cron.NewScheduler(cron.Config{
			Store:     store,
			CronExpr:  cfg.Journal.PruneCron,
			Retention: time.Duration(cfg.Journal.RetentionDays) * 24 * time.Hour,
			Logger:    logger,
		})
		if err := pruner.Start(ctx); err != nil {
			fatalStartup(logger, "E_CRON_START", err)
		}
		defer pruner.Stop()
	}

	api := telegram.NewClient(telegram.ClientConfig{
		Token:     cfg.Token,
		BaseURL:   cfg.BaseURL,
		RateLimit: cfg.RateLimitRPS,
		Logger:    logger,
	})

	rtCfg := newRuntimeConfig(cfg, api, echo.NewBot(logger), store, logger, eventBus)
	rtCfg.Tracer = otelProvider.Tracer
	rt := runtime.New(rtCfg)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go watchReload(ctx, watcher, cfg.Fingerprint(), logger)
	}

	logger.Info("botloop starting", "version", Version)
	if err := rt.Run(ctx); err != nil {
		logger.Error("runtime failed", "error", err)
		os.Exit(1)
	}
	logger.Info("botloop exited cleanly")
}

// newRuntimeConfig maps the loaded file config onto the runtime wiring.
// store may be nil; checkpoint and journal stay unset then.
func newRuntimeConfig(cfg config.Config, api telegram.Invoker, bot session.Bot, store *persistence.Store, logger *slog.Logger, eventBus *bus.Bus) runtime.Config {
	rc := runtime.Config{
		API:             api,
		Bot:             bot,
		PollLimit:       cfg.Poll.Limit,
		PollTimeout:     time.Duration(cfg.Poll.TimeoutSeconds) * time.Second,
		AllowedUpdates:  cfg.Poll.AllowedUpdates,
		MessageWorkers:  cfg.Dispatch.MessageWorkers,
		CallbackWorkers: cfg.Dispatch.CallbackWorkers,
		IdleTimeout:     time.Duration(cfg.Session.IdleTimeoutSeconds) * time.Second,
		DrainTimeout:    time.Duration(cfg.DrainTimeoutSeconds) * time.Second,
		Logger:          logger,
		Bus:             eventBus,
	}
	if store != nil && cfg.CheckpointEnabled {
		rc.Checkpoint = store
	}
	if store != nil && cfg.Journal.Enabled {
		rc.Journal = store
	}
	return rc
}

// watchReload logs config file changes. The reloadable knobs are re-read on
// the next session; structural settings (token, workers) need a restart.
func watchReload(ctx context.Context, w *config.Watcher, fingerprint string, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.Events():
			if !ok {
				return
			}
			cfg, err := config.Load()
			if err != nil {
				logger.Warn("config reload failed", "error", err)
				continue
			}
			if fp := cfg.Fingerprint(); fp != fingerprint {
				fingerprint = fp
				logger.Info("configuration changed", "fingerprint", fp)
			}
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

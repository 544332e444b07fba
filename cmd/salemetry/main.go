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

	"github.com/joho/godotenv"

	"github.com/salemetry/salemetry/internal/aggregate"
	"github.com/salemetry/salemetry/internal/config"
	"github.com/salemetry/salemetry/internal/export"
	"github.com/salemetry/salemetry/internal/intake"
	"github.com/salemetry/salemetry/internal/notify"
	"github.com/salemetry/salemetry/internal/parser"
	"github.com/salemetry/salemetry/internal/scheduler"
	"github.com/salemetry/salemetry/internal/server"
	"github.com/salemetry/salemetry/internal/storage"
	"github.com/salemetry/salemetry/internal/telemetry"
	"github.com/salemetry/salemetry/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("SALEMETRY_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	loc := cfg.Location()

	slog.Info("salemetry starting", "version", version, "port", cfg.Port, "tz", cfg.Timezone)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply schema.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Message parser. Without an API key the inferencer is a noop and every
	// message parses to nothing, which keeps local development usable.
	var inferencer parser.Inferencer
	if cfg.OpenAIAPIKey != "" {
		inferencer = parser.NewOpenAIInferencer(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		logger.Info("parser: openai", "model", cfg.OpenAIModel)
	} else {
		inferencer = parser.NoopInferencer{}
		logger.Info("parser: disabled (no OPENAI_API_KEY)")
	}
	extractor := parser.New(inferencer, logger, parser.Options{
		MaxRetries:    cfg.ParseMaxRetries,
		BaseDelay:     cfg.ParseBaseDelay,
		MinConfidence: cfg.MinConfidence,
	})

	engine := aggregate.New(db, loc, logger, aggregate.Options{
		MaxRetries: cfg.ApplyMaxRetries,
		BaseDelay:  cfg.ApplyBaseDelay,
	})

	intakeSvc := intake.New(db, extractor, engine, logger, loc)

	// Export sink. Noop without a spreadsheet id, so records stay dirty
	// until a real sink is configured.
	var sink export.Sink
	if cfg.SheetID != "" {
		sheets := export.NewSheetsSink(cfg.SheetID, cfg.SheetName, cfg.SheetsToken, logger)
		if err := sheets.EnsureHeader(ctx); err != nil {
			logger.Warn("export: header init failed", "error", err)
		}
		sink = sheets
		logger.Info("export: google sheets", "sheet", cfg.SheetName)
	} else {
		sink = export.NoopSink{}
		logger.Info("export: disabled (no SALEMETRY_SHEET_ID)")
	}

	var notifier notify.Notifier
	if cfg.TelegramToken != "" {
		notifier = notify.NewTelegram(cfg.TelegramToken, logger)
		logger.Info("notify: telegram")
	} else {
		notifier = notify.Noop{}
		logger.Info("notify: disabled (no SALEMETRY_TELEGRAM_TOKEN)")
	}

	exportHour, exportMinute, _ := config.ParseClock(cfg.ExportTime)
	weeklyHour, weeklyMinute, _ := config.ParseClock(cfg.WeeklyTime)

	sched := scheduler.New(db, nil, intakeSvc, notifier, scheduler.SystemClock{}, logger, scheduler.Options{
		ExportHour:     exportHour,
		ExportMinute:   exportMinute,
		ReminderOffset: cfg.ReminderOffset,
		WeeklyWeekday:  cfg.WeeklyWeekday,
		WeeklyHour:     weeklyHour,
		WeeklyMinute:   weeklyMinute,
		RetryBackDays:  7,
		AdminChatID:    cfg.AdminChatID,
		Loc:            loc,
	})

	// The exporter escalates through the scheduler's admin channel, and the
	// scheduler drives the exporter's nightly passes.
	exporter := export.New(db, sink, logger, export.Options{
		Parallel:      cfg.ExportParallel,
		EscalateAfter: cfg.EscalateAfter,
	}, sched.Escalate)
	sched.SetRunner(exporter)

	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Intake:              intakeSvc,
		Exporter:            exporter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: 64 << 10,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("salemetry shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	return nil
}

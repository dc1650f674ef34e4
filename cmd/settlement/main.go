package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"study_settlement/internal/app"
	"study_settlement/internal/infra/config"
	idb "study_settlement/internal/infra/database"
	"study_settlement/internal/infra/ledgerapi"
	"study_settlement/internal/infra/logger"
	"study_settlement/internal/infra/metrics"
	"study_settlement/internal/infra/scheduler"
	"study_settlement/internal/infra/studyapi"
	"study_settlement/internal/infra/telegram"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

// passTimeout bounds a single scheduled or one-shot pass.
const passTimeout = 15 * time.Minute

func main() {
	once := flag.Bool("once", false, "run a single settlement pass and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Could not load application configuration")
	}
	logger.Init(cfg)
	mainLogger := logger.Component("main")

	mainLogger.WithFields(logrus.Fields{
		"environment": cfg.Environment,
		"cron_spec":   cfg.CronSpec,
		"max_retries": cfg.MaxRetries,
		"once":        *once,
	}).Info("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Database Connection
	db, err := idb.NewPostgresConnection(ctx, cfg.DatabaseURL)
	if err != nil {
		mainLogger.WithError(err).Fatal("Could not connect to database")
	}
	defer db.Close()
	mainLogger.Info("Database connection established")

	if cfg.MigrateOnStart {
		if err := idb.Migrate(db, logger.Component("migrate")); err != nil {
			mainLogger.WithError(err).Fatal("Could not apply database migrations")
		}
	}

	settlementRepo := idb.NewPostgresSettlementRepository(db)
	studyClient := studyapi.NewClient(cfg.StudyAPIURL, cfg.StudyAPIToken, cfg.ExternalCallTimeout)
	ledgerClient := ledgerapi.NewClient(cfg.LedgerAPIURL, cfg.LedgerAPIToken, cfg.ExternalCallTimeout, cfg.LedgerRateLimit, cfg.LedgerRateBurst)
	recorder := metrics.NewRecorder()

	// Operator bot is optional; without it alerts only reach the log.
	var bot *telebot.Bot
	var alerter app.Alerter = app.NewLogAlerter(logger.Component("alerts"))
	adminService := app.NewAdminService(settlementRepo, cfg.RetryPolicy(), cfg.AdminTelegramID)
	if cfg.TelegramToken != "" {
		botLogger := logger.Component("telebot")
		bot, err = telebot.NewBot(telebot.Settings{
			Token:  cfg.TelegramToken,
			Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
			OnError: func(err error, c telebot.Context) { // Global error handler
				entry := botLogger.WithError(err)
				if c != nil && c.Sender() != nil {
					entry = entry.WithField("sender_id", c.Sender().ID)
				}
				entry.Error("Telegram handler error")
			},
		})
		if err != nil {
			mainLogger.WithError(err).Fatal("Could not create Telegram bot")
		}
		alerter = telegram.NewAlerter(telegram.NewTelebotAdapter(bot), cfg.AdminTelegramID, logger.Component("alerts"))
		telegram.RegisterBotCommands(bot, adminService, botLogger)
		telegram.RegisterAdminHandlers(ctx, bot, adminService, botLogger)
		mainLogger.Info("Operator bot handlers registered")
	}

	creation := app.NewCreationService(studyClient, settlementRepo, recorder, logger.Component("creation"), app.CreationConfig{
		BatchSize:                cfg.CreationBatchSize,
		SkipLimit:                cfg.CreationSkipLimit,
		DefaultPenaltyPerAbsence: cfg.DefaultPenaltyPerAbsence,
	})
	execution := app.NewExecutionService(settlementRepo, ledgerClient, studyClient, alerter, recorder, logger.Component("execution"), app.ExecutionConfig{
		BatchSize:    cfg.ExecutionBatchSize,
		Policy:       cfg.RetryPolicy(),
		LeaseTimeout: cfg.LeaseTimeout,
		CallTimeout:  cfg.ExternalCallTimeout,
	})
	job := app.NewSettlementJob(creation, execution, logger.Component("job"))

	if *once {
		passCtx, cancel := context.WithTimeout(ctx, passTimeout)
		defer cancel()
		if _, err := job.RunPass(passCtx); err != nil {
			mainLogger.WithError(err).Error("Settlement pass finished with errors")
			os.Exit(1)
		}
		return
	}

	metricsServer := metrics.NewServer(cfg.MetricsAddr, recorder, logger.Component("metrics"))
	metricsServer.Start()

	settlementScheduler := scheduler.NewSettlementScheduler(job, logger.Component("scheduler"), cfg.CronSpec, passTimeout)
	if err := settlementScheduler.Start(ctx); err != nil {
		mainLogger.WithError(err).Fatal("Could not schedule settlement pass")
	}

	if bot != nil {
		// Start bot in a goroutine so it doesn't block graceful shutdown handling
		go bot.Start()
	}

	mainLogger.Info("Application setup complete")
	<-ctx.Done() // Block until a signal is received

	mainLogger.Info("Shutting down application...")
	if bot != nil {
		bot.Stop()
	}
	settlementScheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		mainLogger.WithError(err).Warn("Metrics server shutdown failed")
	}
	mainLogger.Info("Application shut down gracefully")
}

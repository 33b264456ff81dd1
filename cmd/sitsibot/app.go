package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/bot"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/config"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/database"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/events"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/groups"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/initiatives"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/locale"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/modlock"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/polls"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/server"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/telegram"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/users"
	"go.uber.org/zap"
)

// application holds the wired process. close releases resources in reverse order of creation.
type application struct {
	client  *telegram.Client
	poller  *bot.Poller
	handler http.Handler
	closers []func()
}

func (app *application) close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		app.closers[i]()
	}
}

func newApplication(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	app := &application{}
	if err := app.wire(ctx, appConfig, logger); err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func (app *application) wire(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) error {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	app.closers = append(app.closers, func() { _ = sqlDB.Close() })

	settings, err := store.NewSettings(db)
	if err != nil {
		return err
	}

	client, err := telegram.NewClient(telegram.Config{
		Token:  appConfig.TelegramToken,
		APIURL: appConfig.TelegramAPIURL,
		Logger: logger.Named("telegram"),
	})
	if err != nil {
		return err
	}
	app.client = client

	botUsername := appConfig.BotUsername
	if botUsername == "" {
		me, err := client.GetMe(ctx)
		if err != nil {
			return err
		}
		botUsername = me.Username
	}
	logger.Info("bot identity resolved", zap.String("username", botUsername))

	reporter := fanout.NewReporter(client, appConfig.PrimaryAdmin(), logger.Named("errors"))
	queue := fanout.NewQueue(context.WithoutCancel(ctx), appConfig.FanoutWorkers, reporter, logger.Named("queue"))
	app.closers = append(app.closers, queue.Close)

	coordinator, err := fanout.NewCoordinator(fanout.CoordinatorConfig{
		Transport: client,
		Ledger:    fanout.NewLedger(db, nil),
		AdminLog:  fanout.NewAdminLog(client, settings, appConfig.PrimaryAdmin(), reporter, logger),
		Observer:  reporter,
		Logger:    logger.Named("fanout"),
	})
	if err != nil {
		return err
	}

	stream := server.NewEventStream()
	publisher := events.Multi{stream}
	if len(appConfig.KafkaBrokers) > 0 {
		kafkaPublisher, err := events.NewKafka(appConfig.KafkaBrokers, appConfig.KafkaTopic, logger.Named("events"))
		if err != nil {
			return err
		}
		publisher = append(publisher, kafkaPublisher)
		logger.Info("publishing events to kafka", zap.Strings("brokers", appConfig.KafkaBrokers), zap.String("topic", appConfig.KafkaTopic))
	}
	app.closers = append(app.closers, func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("event publisher close failed", zap.Error(err))
		}
	})

	locks, err := newLocks(ctx, app, appConfig, logger)
	if err != nil {
		return err
	}

	locales, err := locale.Load()
	if err != nil {
		return err
	}
	resolver, err := groups.NewResolver(groups.Config{Database: db, Logger: logger.Named("groups")})
	if err != nil {
		return err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Events: publisher, Logger: logger.Named("users")})
	if err != nil {
		return err
	}
	engine, err := polls.NewEngine(polls.Config{
		Database:       db,
		Groups:         resolver,
		Coordinator:    coordinator,
		Scheduler:      queue,
		Locales:        locales,
		Events:         publisher,
		MaxCandidates:  appConfig.Election.MaxCandidates,
		CandidateGroup: appConfig.Election.CandidateGroup,
		Logger:         logger.Named("polls"),
	})
	if err != nil {
		return err
	}
	pipeline, err := initiatives.NewPipeline(initiatives.Config{
		Database:      db,
		Coordinator:   coordinator,
		Scheduler:     queue,
		Locales:       locales,
		Settings:      settings,
		Locks:         locks,
		Events:        publisher,
		PrimaryAdmin:  appConfig.PrimaryAdmin(),
		BotLink:       "https://t.me/" + botUsername,
		TitleMaxLen:   appConfig.Initiatives.TitleMaxLen,
		DescMaxLen:    appConfig.Initiatives.DescMaxLen,
		ShitpostBans:  appConfig.Initiatives.ShitpostBans,
		DefaultAlerts: appConfig.Initiatives.DefaultAlerts,
		Logger:        logger.Named("initiatives"),
	})
	if err != nil {
		return err
	}
	dispatcher, err := bot.NewDispatcher(bot.Config{
		Client:      client,
		Users:       userService,
		Polls:       engine,
		Initiatives: pipeline,
		Groups:      resolver,
		Coordinator: coordinator,
		Scheduler:   queue,
		Settings:    settings,
		Locales:     locales,
		Admins:      appConfig.Admins,
		BotUsername: botUsername,
		Logger:      logger.Named("bot"),
	})
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		Polls:       engine,
		Initiatives: pipeline,
		Users:       userService,
		Stream:      stream,
		Logger:      logger.Named("http"),
	}
	if strings.TrimSpace(appConfig.SigningSecret) != "" {
		issuer, err := newTokenIssuer(appConfig)
		if err != nil {
			return err
		}
		deps.Tokens = issuer
		deps.Admins = dispatcher.Admins()
	}
	if appConfig.TelegramMode == config.ModeWebhook {
		deps.Dispatcher = dispatcher
		deps.WebhookSecret = appConfig.TelegramWebhookSecret
	} else {
		app.poller = bot.NewPoller(client, dispatcher, logger.Named("poller"))
	}
	if deps.Dispatcher != nil || deps.Tokens != nil {
		handler, err := server.NewHTTPHandler(deps)
		if err != nil {
			return err
		}
		app.handler = handler
	}

	return nil
}

// newLocks picks the shared Redis claim store when configured, otherwise an in-process one.
func newLocks(ctx context.Context, app *application, appConfig config.AppConfig, logger *zap.Logger) (modlock.Locks, error) {
	if strings.TrimSpace(appConfig.RedisAddress) == "" {
		memory, err := modlock.NewMemory(appConfig.Initiatives.HandleCooldown, nil)
		if err != nil {
			return nil, err
		}
		return memory, nil
	}
	client, err := modlock.Dial(ctx, appConfig.RedisAddress, appConfig.RedisPassword)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, func() { _ = client.Close() })
	logger.Info("moderation claims stored in redis", zap.String("address", appConfig.RedisAddress))
	shared, err := modlock.NewRedis(client, appConfig.Initiatives.HandleCooldown, nil)
	if err != nil {
		return nil, err
	}
	return shared, nil
}

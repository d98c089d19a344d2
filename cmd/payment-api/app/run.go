package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/aq2208/gorder-payments/configs"
	"github.com/aq2208/gorder-payments/internal/adapter/alert"
	"github.com/aq2208/gorder-payments/internal/adapter/cache"
	"github.com/aq2208/gorder-payments/internal/adapter/gateway"
	"github.com/aq2208/gorder-payments/internal/adapter/http"
	"github.com/aq2208/gorder-payments/internal/adapter/http/middleware"
	"github.com/aq2208/gorder-payments/internal/adapter/kafka"
	"github.com/aq2208/gorder-payments/internal/adapter/observ"
	"github.com/aq2208/gorder-payments/internal/adapter/queue"
	"github.com/aq2208/gorder-payments/internal/adapter/rates"
	"github.com/aq2208/gorder-payments/internal/adapter/repo"
	"github.com/aq2208/gorder-payments/internal/logging"
	"github.com/aq2208/gorder-payments/internal/security"
	"github.com/aq2208/gorder-payments/internal/usecase"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

type App struct {
	Router *gin.Engine
	Logger *slog.Logger
}

// InitWithConfig wires every adapter around the three use cases. Background
// consumers stop when ctx is cancelled.
func InitWithConfig(ctx context.Context, cfg configs.Config) (*App, func(), error) {
	logger := logging.Init(cfg.App.Name, cfg.App.LogFile, cfg.App.LogLevel)
	logger.Info("payment-api: starting up", "store", cfg.Store.Driver)

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*App, func(), error) {
		cleanup()
		return nil, nil, err
	}

	signer, terminal, err := security.NewSignerFromConfig(cfg)
	if err != nil {
		return fail(err)
	}
	logger.Info("signer ready", "terminal", terminal.Key, "allow_list", signer.AllowListVersion())

	metrics := observ.NewPaymentMetrics(prometheus.DefaultRegisterer)

	deps := usecase.Deps{
		Gateway: gateway.NewHTTPClient(cfg.Gateway.BaseURL, cfg.Gateway.Timeout, metrics),
		Signer:  signer,
		Alerts:  alert.NewTelegramNotifier(cfg.Alerts.TelegramAPIURL, cfg.Alerts.BotToken, cfg.Alerts.AdminChatIDs, 5*time.Second),
		Metrics: metrics,
	}

	// init store
	switch cfg.Store.Driver {
	case "memory":
		deps.Store = repo.NewMemoryOrderRepo()
		deps.Quarantine = repo.NewMemoryQuarantineRepo()
	default:
		db, err := openMySQL(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = db.Close() })
		deps.Store = repo.NewMySQLOrderRepo(db)
		deps.Quarantine = repo.NewMySQLQuarantineRepo(db)
	}

	// init redis; without it locks and the status cache live in process
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("redis ping: %w", err))
		}
		closers = append(closers, func() { _ = rdb.Close() })
		deps.Idem = cache.NewRedisIdempotencyStore(rdb, cfg.Idempotency.TTL, cfg.Idempotency.LockTTL)
		deps.Cache = cache.NewRedisCache(rdb, cfg.Redis.CacheTTL)
	} else {
		deps.Idem = cache.NewMemoryIdempotencyStore()
		deps.Cache = cache.NewMemoryCache()
	}

	// exchange rates: CBR first, static table when it is down
	cbr := rates.NewCBRSource(cfg.Rates.CBRURL, cfg.Rates.Timeout)
	fallback, err := rates.NewFallbackSource(cbr, cfg.Rates.Fallback)
	if err != nil {
		return fail(err)
	}
	deps.Rates = fallback

	// init rabbitmq: status events out, charge requests in
	var rabbit *amqp091.Connection
	if cfg.Rabbit.Enabled {
		rabbit, err = amqp091.Dial(cfg.Rabbit.URL)
		if err != nil {
			return fail(fmt.Errorf("rabbitmq dial: %w", err))
		}
		closers = append(closers, func() { _ = rabbit.Close() })

		pubCh, err := rabbit.Channel()
		if err != nil {
			return fail(err)
		}
		producer, err := queue.NewRabbitProducer(pubCh, topology(cfg))
		if err != nil {
			return fail(err)
		}
		deps.Events = producer
	}

	opts := usecase.Options{
		TerminalKey:        terminal.Key,
		SettlementCurrency: cfg.Gateway.SettlementCurrency,
		NotificationURL:    cfg.Gateway.NotificationURL,
		SuccessURL:         cfg.Gateway.SuccessURL,
		FailURL:            cfg.Gateway.FailURL,
		Receipt: usecase.ReceiptOptions{
			Enabled:  cfg.Receipt.Enabled,
			Email:    cfg.Receipt.Email,
			Taxation: cfg.Receipt.Taxation,
			Tax:      cfg.Receipt.Tax,
		},
	}
	payments := usecase.NewPayments(deps, opts)
	charges := usecase.NewRecurringCharges(deps, opts)
	reconciler := usecase.NewReconciler(deps, opts)

	// register queue-handler
	if rabbit != nil {
		if err := setupQueue(ctx, cfg, rabbit, charges); err != nil {
			return fail(err)
		}
	}

	// register kafka-listener
	if cfg.Kafka.Enabled {
		closeKafka, err := setupKafkaListener(ctx, cfg, reconciler)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, closeKafka)
	}

	// init handlers + routers + middleware
	timeout := cfg.HTTP.RequestTimeout
	router := http.NewRouter(http.Handlers{
		Payments:      http.NewPaymentHandler(payments, timeout),
		Recurring:     http.NewRecurringHandler(charges, timeout),
		Notifications: http.NewNotificationHandler(reconciler, timeout),
		Token:         http.NewTokenHandler(cfg),
	}, middleware.NewAuthz(cfg), logging.New("http"))

	return &App{Router: router, Logger: logger}, cleanup, nil
}

func openMySQL(ctx context.Context, cfg configs.Config) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql ping: %w", err)
	}
	return db, nil
}

func topology(cfg configs.Config) queue.Topology {
	return queue.Topology{
		Exchange:         cfg.Rabbit.Exchange,
		StatusRoutingKey: cfg.Rabbit.StatusRoutingKey,
		ChargeRoutingKey: cfg.Rabbit.ChargeRoutingKey,
		ChargeQueue:      cfg.Rabbit.ChargeQueue,
	}
}

func setupQueue(ctx context.Context, cfg configs.Config, conn *amqp091.Connection, charges *usecase.RecurringCharges) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := queue.DeclareTopology(ch, topology(cfg)); err != nil {
		return err
	}

	h := queue.NewChargeRequestedHandler(charges)
	router := queue.NewRouter(ch, queue.WithPrefetch(cfg.Rabbit.Prefetch), queue.WithTimeout(cfg.HTTP.RequestTimeout))
	router.Register(cfg.Rabbit.ChargeQueue, queue.JSONHandler[usecase.ChargeRequestedMsg]{HandleFunc: h.HandleCharge})
	return router.Start(ctx)
}

func setupKafkaListener(ctx context.Context, cfg configs.Config, reconciler *usecase.Reconciler) (func(), error) {
	grp, err := kafka.NewGroup(cfg.Kafka)
	if err != nil {
		return nil, err
	}

	h := kafka.NewNotificationHandler(reconciler)
	consumer := kafka.NewConsumer(grp, []string{cfg.Kafka.NotificationTopic}, h.Handle)

	// Run in background until ctx is cancelled
	go func() {
		if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
			consumer.Logger.Error("kafka consumer stopped", "err", err)
		}
	}()
	return func() { _ = grp.Close() }, nil
}

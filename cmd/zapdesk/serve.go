package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/zapdesk/internal/channel"
	"github.com/memohai/zapdesk/internal/channel/adapters/zapi"
	"github.com/memohai/zapdesk/internal/channel/inbound"
	"github.com/memohai/zapdesk/internal/chat"
	"github.com/memohai/zapdesk/internal/config"
	"github.com/memohai/zapdesk/internal/conversation"
	"github.com/memohai/zapdesk/internal/conversation/flow"
	"github.com/memohai/zapdesk/internal/db"
	"github.com/memohai/zapdesk/internal/handlers"
	"github.com/memohai/zapdesk/internal/healthcheck"
	providerchecker "github.com/memohai/zapdesk/internal/healthcheck/checkers/provider"
	storechecker "github.com/memohai/zapdesk/internal/healthcheck/checkers/store"
	"github.com/memohai/zapdesk/internal/idempotency"
	"github.com/memohai/zapdesk/internal/instance"
	"github.com/memohai/zapdesk/internal/logger"
	"github.com/memohai/zapdesk/internal/media"
	"github.com/memohai/zapdesk/internal/media/providers/gcs"
	"github.com/memohai/zapdesk/internal/media/providers/localfs"
	"github.com/memohai/zapdesk/internal/message"
	"github.com/memohai/zapdesk/internal/message/event"
	"github.com/memohai/zapdesk/internal/message/linker"
	"github.com/memohai/zapdesk/internal/metrics"
	"github.com/memohai/zapdesk/internal/schedule"
	"github.com/memohai/zapdesk/internal/server"
	"github.com/memohai/zapdesk/internal/settings"
	"github.com/memohai/zapdesk/internal/store/memory"
	"github.com/memohai/zapdesk/internal/store/postgres"
)

const healthCheckTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
			return errors.New("auth.jwt_secret is required")
		}
		app := newApp(cfg)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func newApp(cfg config.Config) *fx.App {
	return fx.New(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			metrics.New,
			event.NewHub,
			provideStore,
			provideClaims,
			provideMediaService,
			provideZAPIClient,
			provideConversationService,
			provideMessageService,
			provideSettingsService,
			provideInstanceService,
			provideLinker,
			provideDispatcher,
			provideCompleter,
			provideNotifier,
			provideOrchestrator,
			provideGateway,
			provideScheduleService,
			provideHealth,
			provideServerHandler(provideWebhookHandler),
			provideServerHandler(provideConversationHandler),
			provideServerHandler(provideMessageHandler),
			provideServerHandler(provideSettingsHandler),
			provideServerHandler(provideEventsHandler),
			provideServerHandler(provideMediaHandler),
			provideServerHandler(providePingHandler),
			provideServer,
		),
		fx.Invoke(
			startScheduleService,
			stopBackground,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

// appStore is implemented by both store backends.
type appStore interface {
	conversation.Repository
	message.Repository
	settings.Repository
	instance.Repository
	Ping(ctx context.Context) error
}

func provideStore(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (appStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "memory":
		log.Warn("using in-memory store; data is lost on restart")
		return memory.New(), nil
	case "", "postgres":
		pool, err := db.Open(context.Background(), cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		lc.Append(fx.Hook{OnStop: func(context.Context) error { pool.Close(); return nil }})
		return postgres.New(pool), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// claims holds the idempotency claimer and, when shared, its redis health check.
type claims struct {
	claimer idempotency.Claimer
	redis   *idempotency.RedisClaimer
}

func provideClaims(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (claims, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		log.Warn("redis not configured; webhook claims are process-local")
		return claims{claimer: idempotency.NewLocalClaimer()}, nil
	}
	rc, err := idempotency.NewRedisClaimer(context.Background(), log, &redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return claims{}, fmt.Errorf("redis connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return rc.Close() }})
	return claims{claimer: rc, redis: rc}, nil
}

func provideMediaService(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*media.Service, error) {
	mc := cfg.Media
	var provider media.StorageProvider
	switch strings.ToLower(strings.TrimSpace(mc.Provider)) {
	case "", "local":
		p, err := localfs.New(mc.DataRoot, mc.PublicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("init media provider: %w", err)
		}
		provider = p
	case "gcs":
		p, err := gcs.New(context.Background(), gcs.Config{
			Bucket:          mc.GCSBucket,
			CDNDomain:       mc.GCSCDNDomain,
			CredentialsFile: mc.GCSCredentialsFile,
			EmulatorHost:    mc.GCSEmulatorHost,
		})
		if err != nil {
			return nil, fmt.Errorf("init media provider: %w", err)
		}
		lc.Append(fx.Hook{OnStop: func(context.Context) error { return p.Close() }})
		provider = p
	default:
		return nil, fmt.Errorf("unknown media provider %q", mc.Provider)
	}
	return media.NewService(log, provider, media.Options{
		FetchTimeout: mc.FetchTimeout(),
		ReachTimeout: mc.ReachTimeout(),
		MaxBytes:     mc.MaxBytes,
	}), nil
}

func provideZAPIClient(log *slog.Logger, cfg config.Config) *zapi.Client {
	client := zapi.NewClient(log, zapi.Config{
		BaseURL:     cfg.ZAPI.BaseURL,
		InstanceID:  cfg.ZAPI.InstanceID,
		Token:       cfg.ZAPI.Token,
		ClientToken: cfg.ZAPI.ClientToken,
		Timeout:     cfg.ZAPI.Timeout(),
	})
	if !client.Configured() {
		log.Warn("zapi credentials missing; outbound sends will fail")
	}
	return client
}

func provideConversationService(log *slog.Logger, store appStore, hub *event.Hub) *conversation.Service {
	return conversation.NewService(log, store, hub)
}

func provideMessageService(log *slog.Logger, store appStore, hub *event.Hub) *message.DBService {
	return message.NewService(log, store, hub)
}

func provideSettingsService(log *slog.Logger, store appStore, cfg config.Config) *settings.Service {
	hooks := cfg.BusinessWebhooks
	return settings.NewService(log, store, settings.AISettings{
		Enabled:         cfg.AI.Enabled,
		SystemPrompt:    cfg.AI.SystemPrompt,
		Model:           cfg.AI.Model,
		Temperature:     cfg.AI.Temperature,
		MaxTokens:       cfg.AI.MaxTokens,
		FallbackMessage: cfg.AI.FallbackMessage,
		HistoryLimit:    cfg.AI.HistoryLimit,
		BusinessWebhooks: settings.BusinessWebhooks{
			LeadCapture:        hooks.LeadCapture,
			AppointmentBooking: hooks.AppointmentBooking,
			Payment:            hooks.Payment,
			SupportTicket:      hooks.SupportTicket,
			HumanHandoff:       hooks.HumanHandoff,
		},
	})
}

func provideInstanceService(log *slog.Logger, store appStore, hub *event.Hub, cfg config.Config) *instance.Service {
	var qrOut io.Writer
	if cfg.Instance.PrintQR {
		qrOut = os.Stdout
	}
	return instance.NewService(log, store, qrOut, hub)
}

func provideLinker(log *slog.Logger, messages *message.DBService) *linker.Linker {
	return linker.New(log, messages)
}

func provideDispatcher(log *slog.Logger, client *zapi.Client, messages *message.DBService, conversations *conversation.Service, l *linker.Linker, mediaService *media.Service, m *metrics.Metrics) *channel.Dispatcher {
	d := channel.NewDispatcher(log, client, messages, conversations, l, l)
	d.SetMediaChecker(mediaService)
	d.SetMetrics(m)
	return d
}

func provideCompleter(log *slog.Logger, cfg config.Config) flow.Completer {
	return chat.NewOpenAIProvider(log, cfg.AI.APIKey, cfg.AI.BaseURL, cfg.AI.Timeout())
}

func provideNotifier(log *slog.Logger, cfg config.Config, m *metrics.Metrics) *flow.Notifier {
	return flow.NewNotifier(log, cfg.BusinessWebhooks.Timeout(), m)
}

func provideOrchestrator(log *slog.Logger, completer flow.Completer, messages *message.DBService, dispatcher *channel.Dispatcher, settingsService *settings.Service, notifier *flow.Notifier, m *metrics.Metrics) *flow.Orchestrator {
	o := flow.NewOrchestrator(log, completer, messages, dispatcher, settingsService, notifier)
	o.SetMetrics(m)
	return o
}

func provideGateway(log *slog.Logger, cfg config.Config, c claims, messages *message.DBService, conversations *conversation.Service, l *linker.Linker, instanceService *instance.Service, settingsService *settings.Service, mediaService *media.Service, orchestrator *flow.Orchestrator, m *metrics.Metrics) *inbound.Gateway {
	g := inbound.NewGateway(log, c.claimer, messages, conversations, l, instanceService, settingsService)
	g.SetMediaPersister(mediaService)
	g.SetResponder(orchestrator)
	g.SetMetrics(m)
	g.SetClaimTTL(cfg.Redis.ClaimTTL())
	return g
}

func provideScheduleService(log *slog.Logger, cfg config.Config, messages *message.DBService, m *metrics.Metrics) *schedule.Service {
	svc := schedule.NewService(log, messages, cfg.Reconcile)
	svc.SetMetrics(m)
	return svc
}

func provideHealth(log *slog.Logger, cfg config.Config, store appStore, c claims, client *zapi.Client) *healthcheck.Aggregate {
	storeName := strings.TrimSpace(cfg.Storage.Driver)
	if storeName == "" {
		storeName = config.DefaultStorageDriver
	}
	pingers := map[string]storechecker.Pinger{storeName: store}
	if c.redis != nil {
		pingers["redis"] = c.redis
	}
	return healthcheck.NewAggregate(healthCheckTimeout,
		storechecker.NewChecker(log, pingers),
		providerchecker.NewChecker(log, client),
	)
}

func provideWebhookHandler(log *slog.Logger, cfg config.Config, gateway *inbound.Gateway) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, gateway, cfg.ZAPI.WebhookToken)
}

func provideConversationHandler(log *slog.Logger, conversations *conversation.Service, messages *message.DBService) *handlers.ConversationHandler {
	return handlers.NewConversationHandler(log, conversations, messages)
}

func provideMessageHandler(log *slog.Logger, dispatcher *channel.Dispatcher) *handlers.MessageHandler {
	return handlers.NewMessageHandler(log, dispatcher)
}

func provideSettingsHandler(log *slog.Logger, settingsService *settings.Service, instanceService *instance.Service) *handlers.SettingsHandler {
	return handlers.NewSettingsHandler(log, settingsService, instanceService)
}

func provideEventsHandler(log *slog.Logger, hub *event.Hub) *handlers.EventsHandler {
	return handlers.NewEventsHandler(log, hub)
}

func provideMediaHandler(log *slog.Logger, mediaService *media.Service) *handlers.MediaHandler {
	return handlers.NewMediaHandler(log, mediaService)
}

func providePingHandler(log *slog.Logger, health *healthcheck.Aggregate, m *metrics.Metrics) *handlers.PingHandler {
	return handlers.NewPingHandler(log, health, m.Handler())
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...)
}

func startScheduleService(lc fx.Lifecycle, scheduleService *schedule.Service) {
	lc.Append(fx.Hook{
		OnStart: scheduleService.Start,
		OnStop:  scheduleService.Stop,
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	log.Info("starting zapdesk", slog.String("version", version), slog.String("commit", commit))
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}

// stopBackground closes live streams and drains business webhooks. It is
// invoked before startServer so its OnStop runs after the server stops.
func stopBackground(lc fx.Lifecycle, hub *event.Hub, notifier *flow.Notifier) {
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error {
		hub.Close()
		done := make(chan struct{})
		go func() {
			notifier.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}})
}

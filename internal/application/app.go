package application

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/qwenbridge/gateway/internal/application/usecase"
	"github.com/qwenbridge/gateway/internal/infrastructure/config"
	"github.com/qwenbridge/gateway/internal/infrastructure/identity"
	"github.com/qwenbridge/gateway/internal/infrastructure/qwen"
	"github.com/qwenbridge/gateway/internal/infrastructure/scheduler"
	"github.com/qwenbridge/gateway/internal/infrastructure/translate"
	httpServer "github.com/qwenbridge/gateway/internal/interfaces/http"
	"github.com/qwenbridge/gateway/internal/interfaces/http/handlers"
	"github.com/qwenbridge/gateway/pkg/safego"
)

// Version is stamped at build time.
var Version = "0.1.0"

// App 应用程序（依赖注入容器）
type App struct {
	config *config.Config
	logger *zap.Logger

	// 基础设施
	upstream   *qwen.Client
	tokenStore *identity.TokenStore
	pool       *identity.Pool
	translator *translate.Translator
	scheduler  *scheduler.Scheduler

	// 应用服务
	completions *usecase.CompletionUsecase

	// 接口层
	httpServer *httpServer.Server

	watcherStop chan struct{}
}

// NewApp wires the gateway: upstream client, identity pool, translator,
// orchestrator, schedulers, HTTP surface.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{
		config:      cfg,
		logger:      logger,
		watcherStop: make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}
	app.initApplicationServices()
	app.initInterfaces()

	return app, nil
}

// initInfrastructure 初始化基础设施
func (app *App) initInfrastructure() error {
	app.logger.Info("Initializing infrastructure")

	app.upstream = qwen.NewClient(app.config.BaseURL(), app.logger)

	if dsn := app.config.Store.DSN; dsn != "" {
		store, err := identity.OpenTokenStore(dsn, app.logger)
		if err != nil {
			app.logger.Warn("Token store unavailable, refreshed tokens will not persist", zap.Error(err))
		} else {
			app.tokenStore = store
		}
	}

	app.pool = identity.NewPool(app.upstream, app.tokenStore, identity.Options{
		DegradeThreshold:    app.config.Pool.DegradeThreshold,
		QuarantineThreshold: app.config.Pool.QuarantineThreshold,
		QuarantineCooldown:  app.config.QuarantineCooldown(),
	}, app.logger)

	// Refreshed tokens are written back to the config file so a restart
	// without the sqlite store still starts from the freshest token.
	cfg, logger := app.config, app.logger
	app.pool.OnRefresh(func(id, token string) {
		if err := cfg.SaveRefreshedToken(id, token); err != nil {
			logger.Warn("Failed to write refreshed token to config file",
				zap.String("identity", id),
				zap.Error(err),
			)
		}
	})

	app.translator = translate.NewTranslator(app.upstream, app.config.FallbackModel, app.logger)

	app.scheduler = scheduler.New(app.pool, app.upstream, scheduler.Options{
		RefreshInterval: app.config.RefreshInterval(),
		WarningWindow:   app.config.ExpiryWarningWindow(),
		CleanupInterval: app.config.CleanupInterval(),
		KeepRecent:      app.config.Scheduler.CleanupKeepRecent,
	}, app.logger)

	return nil
}

// initApplicationServices 初始化应用服务
func (app *App) initApplicationServices() {
	app.completions = usecase.NewCompletionUsecase(app.pool, app.upstream, app.translator, app.logger)
}

// initInterfaces 初始化接口层
func (app *App) initInterfaces() {
	openaiHandler := handlers.NewOpenAIHandler(app.completions, app.upstream, app.pool, app.logger)
	healthHandler := handlers.NewHealthHandler(app.pool, app.config, Version, app.logger)

	app.httpServer = httpServer.NewServer(
		httpServer.Config{
			Host: app.config.Server.Host,
			Port: app.config.Server.Port,
			Mode: app.config.Server.Mode,
		},
		app.config,
		openaiHandler,
		healthHandler,
		app.logger,
	)
}

// Start 启动应用程序
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application", zap.String("version", Version))

	// Client mode carries credentials per request; the pool stays empty and
	// the schedulers have nothing to refresh.
	if !app.config.ClientMode() {
		pairs := credentialPairs(app.config.Credentials())
		if len(pairs) == 0 {
			app.logger.Warn("No upstream credentials configured; every request will fail until some arrive")
		}
		app.pool.Initialize(ctx, pairs)
		app.scheduler.Start()

		cfg := app.config
		safego.Go(app.logger, "config-watcher", func() {
			cfg.Watch(func(items []config.CredentialItem) {
				app.pool.UpdateCredentials(credentialPairs(items))
			}, app.watcherStop, app.logger)
		})
	}

	if err := app.httpServer.Start(ctx); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}

	app.logger.Info("Application started successfully")
	return nil
}

// Stop 停止应用程序
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	close(app.watcherStop)
	if !app.config.ClientMode() {
		app.scheduler.Stop()
	}

	if err := app.httpServer.Stop(ctx); err != nil {
		app.logger.Error("Failed to stop HTTP server", zap.Error(err))
	}

	app.logger.Info("Application stopped successfully")
	return nil
}

// Logger returns the application logger
func (app *App) Logger() *zap.Logger {
	return app.logger
}

func credentialPairs(items []config.CredentialItem) []identity.CredentialPair {
	pairs := make([]identity.CredentialPair, 0, len(items))
	for _, it := range items {
		pairs = append(pairs, identity.CredentialPair{ID: it.ID, Token: it.Token, Cookie: it.Cookie})
	}
	return pairs
}

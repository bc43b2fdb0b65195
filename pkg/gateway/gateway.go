package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/skiff-cloud/skiff/pkg/agent"
	apiv1 "github.com/skiff-cloud/skiff/pkg/api/v1"
	"github.com/skiff-cloud/skiff/pkg/clients"
	"github.com/skiff-cloud/skiff/pkg/cluster"
	"github.com/skiff-cloud/skiff/pkg/common"
	"github.com/skiff-cloud/skiff/pkg/lifecycle"
	"github.com/skiff-cloud/skiff/pkg/readiness"
	"github.com/skiff-cloud/skiff/pkg/repository"
	"github.com/skiff-cloud/skiff/pkg/snapshot"
	"github.com/skiff-cloud/skiff/pkg/types"
)

type Gateway struct {
	Config      types.AppConfig
	BackendRepo repository.BackendRepository
	RedisClient *redis.Client

	httpServer *http.Server
	echo       *echo.Echo
	ctx        context.Context
	cancelFunc context.CancelFunc

	baseRouteGroup *echo.Group

	controller *cluster.Controller
	service    *lifecycle.Service
}

func NewGateway() (*Gateway, error) {
	configManager, err := common.NewConfigManager[types.AppConfig]()
	if err != nil {
		return nil, err
	}
	config := configManager.GetConfig()
	config.Cluster.ApplyDefaults()
	config.Agent.ApplyDefaults()
	config.Readiness.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Setup logging
	if config.PrettyLogs {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	ctx, cancel := context.WithCancel(context.Background())

	var backendRepo repository.BackendRepository
	var redisClient *redis.Client
	var blobs clients.BlobStore
	var sessions agent.SessionCache

	if config.IsLocalMode() {
		log.Info().Msg("running in local mode - Redis, Postgres and S3 disabled")
		backendRepo = repository.NewMemoryBackend()
		blobs = clients.NewMemoryBlobStore()
		sessions = agent.NewLocalSessionCache(config.Agent.SessionTTL)
	} else {
		pg, err := repository.NewPostgresBackend(config.Database.Postgres)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if err := pg.RunMigrations(); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to run postgres migrations: %w", err)
		}
		backendRepo = pg

		redisClient = redis.NewClient(&redis.Options{
			Addr:         config.Database.Redis.Addr,
			Username:     config.Database.Redis.Username,
			Password:     config.Database.Redis.Password,
			DialTimeout:  config.Database.Redis.DialTimeout,
			ReadTimeout:  config.Database.Redis.ReadTimeout,
			WriteTimeout: config.Database.Redis.WriteTimeout,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		sessions = agent.NewRedisSessionCache(redisClient, config.Agent.SessionTTL)

		if !config.Storage.IsConfigured() {
			cancel()
			return nil, fmt.Errorf("remote mode requires storage.bucket and storage.region")
		}
		blobs, err = clients.NewS3BlobStore(ctx, config.Storage)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create blob store: %w", err)
		}
	}

	controller, err := cluster.NewController(config.Cluster)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create cluster controller: %w", err)
	}

	snapshots := snapshot.NewManager(controller, blobs, backendRepo, config.Cluster.WorkDir)
	capability := agent.NewRemoteCapability(config.Agent, sessions)
	orchestrator := agent.NewOrchestrator(capability, config.Agent)
	poller := readiness.NewPoller(controller, config.Readiness)

	service := lifecycle.NewService(backendRepo, controller, snapshots, orchestrator, sessions, blobs, poller, config)

	gateway := &Gateway{
		Config:      config,
		BackendRepo: backendRepo,
		RedisClient: redisClient,
		ctx:         ctx,
		cancelFunc:  cancel,
		controller:  controller,
		service:     service,
	}

	return gateway, nil
}

func (g *Gateway) initHTTP() error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Pre(middleware.RemoveTrailingSlash())

	// Configure logging middleware
	if g.Config.Gateway.HTTP.EnablePrettyLogs {
		e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
			Format: "${time_rfc3339} ${method} ${uri} ${status} ${latency_human}\n",
		}))
	}

	// CORS
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: g.Config.Gateway.HTTP.CORS.AllowedOrigins,
		AllowHeaders: g.Config.Gateway.HTTP.CORS.AllowedHeaders,
		AllowMethods: g.Config.Gateway.HTTP.CORS.AllowedMethods,
	}))

	e.Use(middleware.Recover())

	g.echo = e
	g.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", g.Config.Gateway.HTTP.Host, g.Config.Gateway.HTTP.Port),
		Handler: e,
	}

	g.baseRouteGroup = e.Group(apiv1.HttpServerBaseRoute)

	apiv1.NewHealthGroup(g.baseRouteGroup.Group("/health"))

	projectsGroup := g.baseRouteGroup.Group("/projects")
	projectsGroup.Use(apiv1.NewUserAuthMiddleware(g.Config.Gateway.AuthSecret))
	apiv1.NewProjectsGroup(projectsGroup, g.service)
	apiv1.NewStreamsGroup(projectsGroup, g.service)

	return nil
}

// StartAsync starts the gateway server without blocking.
func (g *Gateway) StartAsync() error {
	if err := g.initHTTP(); err != nil {
		return fmt.Errorf("failed to initialize http server: %w", err)
	}

	go func() {
		addr := fmt.Sprintf("%s:%d", g.Config.Gateway.HTTP.Host, g.Config.Gateway.HTTP.Port)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			log.Error().Err(err).Msg("failed to listen on http")
			return
		}

		if err := g.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server error")
		}
	}()

	log.Info().
		Str("host", g.Config.Gateway.HTTP.Host).
		Int("port", g.Config.Gateway.HTTP.Port).
		Str("mode", g.Config.Mode).
		Msg("gateway http server running")

	return nil
}

// Start is the gateway entry point
func (g *Gateway) Start() error {
	if err := g.StartAsync(); err != nil {
		return err
	}

	terminationSignal := make(chan os.Signal, 1)
	signal.Notify(terminationSignal, os.Interrupt, syscall.SIGTERM)
	<-terminationSignal

	log.Info().Msg("termination signal received. shutting down...")
	g.shutdown()

	return nil
}

// Shutdown gracefully shuts down the gateway (exported for external use)
func (g *Gateway) Shutdown() {
	g.shutdown()
}

func (g *Gateway) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), g.Config.Gateway.ShutdownTimeout)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return g.httpServer.Shutdown(ctx)
	})

	if g.BackendRepo != nil {
		eg.Go(func() error {
			return g.BackendRepo.Close()
		})
	}

	if g.RedisClient != nil {
		eg.Go(func() error {
			return g.RedisClient.Close()
		})
	}

	g.cancelFunc()

	if err := eg.Wait(); err != nil {
		log.Error().Err(err).Msg("failed to shutdown gateway gracefully")
	}

	log.Info().Msg("gateway stopped")
}

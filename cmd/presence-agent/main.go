package main

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rideloka/geocell/internal/pkg/config"
	"github.com/rideloka/geocell/internal/pkg/database"
	"github.com/rideloka/geocell/internal/pkg/docstore"
	"github.com/rideloka/geocell/internal/pkg/health"
	"github.com/rideloka/geocell/internal/pkg/location"
	"github.com/rideloka/geocell/internal/pkg/logger"
	"github.com/rideloka/geocell/internal/pkg/middleware"
	"github.com/rideloka/geocell/internal/pkg/models"
	"github.com/rideloka/geocell/internal/pkg/server"
	"github.com/rideloka/geocell/services/nearby"
	"github.com/rideloka/geocell/services/presence"
	"github.com/rideloka/geocell/services/requests"
)

func main() {
	appName := "presence-agent"
	configPath := "config/agent.env"
	configs := config.InitConfig(configPath)

	appLogger, err := logger.NewAppLogger(configs.Logger)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLogger.Close()

	uid := configs.Agent.UID
	if uid == "" {
		uid = uuid.New().String()
		appLogger.WithField("uid", uid).Warn("No agent uid configured, generated one")
	}
	role := models.Role(configs.Agent.Role)
	if role != models.RoleDriver && role != models.RoleClient {
		appLogger.WithField("role", configs.Agent.Role).Fatal("Agent role must be driver or client")
	}

	ctx := context.Background()
	shutdownMgr := server.NewShutdownManager(appLogger)

	// Document store backend.
	store, err := openStore(ctx, configs, shutdownMgr)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to open document store")
	}
	shutdownMgr.Register(func(context.Context) error { return store.Close() })

	// Optional lifecycle event publishing and terminal request archiving.
	var events requests.EventPublisher
	if configs.NSQ.Address != "" {
		gateway, err := requests.NewNSQEventGateway(configs.NSQ, appLogger)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to connect to NSQ")
		}
		shutdownMgr.Register(func(context.Context) error { gateway.Close(); return nil })
		events = gateway
	}

	var archive requests.Archiver
	if configs.Database.Database != "" {
		postgresClient, err := database.NewPostgresClient(configs.Database)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to connect to PostgreSQL")
		}
		shutdownMgr.Register(func(context.Context) error { return postgresClient.Close() })
		archive = requests.NewArchiveRepo(postgresClient.GetDB(), appLogger)
	}

	// Location provider and first fix.
	provider := newLocationProvider(configs.Location)
	point, err := provider.GetLocation()
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to read initial location")
	}

	// Presence heartbeat.
	var tags map[string]string
	if configs.Agent.Vehicle != "" {
		tags = map[string]string{"vehicle": configs.Agent.Vehicle}
	}
	publisher := presence.NewPublisher(uid, role, tags, store, configs.Grid, configs.Presence, appLogger)
	index := requests.NewIndex(uid, store, configs, events, archive, appLogger)

	if err := publisher.StartHeartbeat(provider, nil); err != nil {
		appLogger.WithError(err).Fatal("Failed to start presence heartbeat")
	}
	shutdownMgr.Register(func(ctx context.Context) error { return publisher.GoOffline(ctx) })

	// Counterpart counter: drivers watch for clients and vice versa.
	counterpart := models.RoleClient
	if role == models.RoleClient {
		counterpart = models.RoleDriver
	}
	aggregator, err := nearby.NewAggregator(ctx, point, counterpart, store, configs.Grid, configs.Presence, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to start nearby aggregator")
	}
	shutdownMgr.Register(func(context.Context) error { aggregator.Dispose(); return nil })

	// Drivers additionally run the expanding request search.
	var finder *requests.Finder
	if role == models.RoleDriver {
		finder, err = requests.NewFinder(ctx, point, store, configs.Grid, configs.Discovery, appLogger)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to start request finder")
		}
		shutdownMgr.Register(func(context.Context) error { finder.Stop(); return nil })
		go logDiscoveredRequests(appLogger, finder)
	}

	// Debug/health HTTP server.
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestIDMiddleware())
	e.Use(middleware.LoggerMiddleware(appLogger.Logger))
	e.Use(middleware.PanicRecoveryMiddleware(appLogger))
	health.RegisterHealthEndpoints(e, appName)
	requests.NewHandler(index).RegisterRoutes(e)
	health.RegisterStatusEndpoint(e, func() health.AgentStatus {
		return health.AgentStatus{
			UID:         uid,
			Role:        string(role),
			CellID:      publisher.CurrentCellID(),
			NearbyCount: aggregator.Count(),
			Online:      publisher.CurrentCellID() != "",
		}
	})

	srv := server.NewGracefulServer(e, appLogger, configs.Server.Port,
		time.Duration(configs.Server.ShutdownTimeout)*time.Second)
	if err := srv.Start(); err != nil {
		appLogger.WithError(err).Error("Server stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdownMgr.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, configs *models.Config, shutdownMgr *server.ShutdownManager) (docstore.Store, error) {
	switch configs.Store.Backend {
	case "firestore":
		client, err := database.NewFirestoreClient(ctx, configs.Firestore)
		if err != nil {
			return nil, err
		}
		shutdownMgr.Register(func(context.Context) error { return client.Close() })
		return docstore.NewFirestoreStore(client.GetClient()), nil
	case "redis":
		client, err := database.NewRedisClient(configs.Redis)
		if err != nil {
			return nil, err
		}
		shutdownMgr.Register(func(context.Context) error { return client.Close() })
		return docstore.NewRedisStore(client.GetClient()), nil
	default:
		return docstore.NewMemoryStore(), nil
	}
}

func newLocationProvider(cfg models.LocationConfig) location.Provider {
	if cfg.Provider == "nmea" {
		return location.NewNMEAProvider(cfg.Device, cfg.BaudRate)
	}
	return location.NewStaticProvider(models.GeoPoint{Latitude: cfg.Latitude, Longitude: cfg.Longitude})
}

func logDiscoveredRequests(appLogger *logger.AppLogger, finder *requests.Finder) {
	for fresh := range finder.Updates() {
		appLogger.WithField("open_requests", len(fresh)).
			WithField("search_state", string(finder.State())).
			Info("Request discovery update")
	}
}

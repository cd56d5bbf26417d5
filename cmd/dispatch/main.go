// The dispatch server: the single authoritative process holding driver
// presence and ride state in memory, fanning events out over SSE, the
// NATS broker, and sockets, and syncing to Postgres asynchronously.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/raahi/dispatch/internal/bus"
	"github.com/raahi/dispatch/internal/dispatch"
	"github.com/raahi/dispatch/internal/fireball"
	"github.com/raahi/dispatch/internal/geoindex"
	"github.com/raahi/dispatch/internal/ramen"
	"github.com/raahi/dispatch/internal/statesync"
	"github.com/raahi/dispatch/internal/transport/broker"
	"github.com/raahi/dispatch/internal/transport/socket"
	"github.com/raahi/dispatch/internal/transport/sse"
	"github.com/raahi/dispatch/pkg/common"
	"github.com/raahi/dispatch/pkg/config"
	"github.com/raahi/dispatch/pkg/database"
	"github.com/raahi/dispatch/pkg/logger"
	"github.com/raahi/dispatch/pkg/middleware"
	redispkg "github.com/raahi/dispatch/pkg/redis"
)

func main() {
	cfg, err := config.Load("dispatch")
	if err != nil {
		panic("config: " + err.Error())
	}
	if err := logger.Init(cfg.Server.Environment); err != nil {
		panic("logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	pool, err := database.NewPostgresPool(&cfg.Database)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer database.Close(pool)
	repo := statesync.NewPostgresRepository(pool)

	// Chat history degrades to live-only delivery without Redis.
	rdb, err := redispkg.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Warn("redis unavailable, chat history disabled", zap.Error(err))
		rdb = nil
	} else {
		defer func() { _ = rdb.Close() }()
	}

	geo := geoindex.New(cfg.Dispatch.H3Resolution)
	b := bus.New()

	syncer := statesync.New(repo, cfg.Dispatch.RideFlushInterval, cfg.Dispatch.DriverFlushInterval)
	rides := fireball.NewStore(geo, cfg.Dispatch.MaxKRing, b, syncer.EnqueueRide)
	drivers := ramen.NewStore(geo, cfg.Dispatch.MaxKRing, syncer.EnqueueDriver, repo)
	syncer.Bind(rides, drivers)

	hydrateCtx, cancelHydrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := syncer.Hydrate(hydrateCtx); err != nil {
		cancelHydrate()
		// A partial hydration is never accepted.
		logger.Fatal("startup hydration failed", zap.Error(err))
	}
	cancelHydrate()

	sseManager := sse.NewManager()
	b.RegisterTransport(sseManager)

	var brk *broker.Transport
	if cfg.Broker.Enabled {
		brk, err = broker.New(broker.Config{
			URL:        cfg.Broker.URL,
			Name:       "raahi-dispatch",
			StreamName: cfg.Broker.StreamName,
		})
		if err != nil {
			logger.Fatal("broker connection failed", zap.Error(err))
		}
		b.RegisterTransport(brk)
		if err := brk.Start(b); err != nil {
			logger.Fatal("broker inbound subscription failed", zap.Error(err))
		}
	}

	svc := dispatch.NewService(
		rides, drivers, b, geo,
		cfg.Dispatch.MaxKRing,
		cfg.Dispatch.SearchRadiusKm,
		cfg.Dispatch.CommissionRate,
		dispatch.NewNotifier(cfg.Dispatch.NotifyWebhookURL),
		dispatch.NewChatHistory(rdb),
	)

	hub := socket.NewHub(drivers, rides, func(ctx context.Context, driverID string, lat, lng float64, heading, speed *float64) {
		if _, err := svc.ReportDriverLocation(ctx, driverID, lat, lng, heading, speed); err != nil {
			logger.Warn("socket location rejected", zap.String("driver_id", driverID), zap.Error(err))
		}
	})
	hub.SetBus(b)
	b.RegisterTransport(hub)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rides.StartSweeper(ctx)
	syncer.Start(ctx)

	router := buildRouter(cfg, b, svc, sseManager, hub, rides, drivers, geo)

	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     router,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		// No write timeout: SSE streams hold their connections open.
	}

	go func() {
		logger.Info("dispatch server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown did not finish cleanly", zap.Error(err))
	}

	// The flush loop drains both queues once the signal context ends.
	// Online flags are left as they are: online is an application-level
	// state decoupled from transport presence.
	select {
	case <-syncer.Done():
	case <-time.After(30 * time.Second):
		logger.Warn("write queue drain timed out")
	}

	if brk != nil {
		brk.Close()
	}
	logger.Info("dispatch server stopped")
}

func buildRouter(
	cfg *config.Config,
	b *bus.Bus,
	svc *dispatch.Service,
	sseManager *sse.Manager,
	hub *socket.Hub,
	rides *fireball.Store,
	drivers *ramen.Store,
	geo *geoindex.Index,
) *gin.Engine {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Split(cfg.Server.CORSOrigins, ","),
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.CorrelationIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"transports": b.TransportHealth(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := router.Group("", middleware.Auth(cfg.JWT.Secret))
	dispatch.NewHandler(svc).RegisterRoutes(authed)
	sse.NewHandler(sseManager, rides, drivers, geo, cfg.Dispatch.MaxKRing).RegisterRoutes(authed)
	socket.NewHandler(hub).RegisterRoutes(authed)

	// Service-to-service surface: the driver-service pushes identity
	// syncs here instead of the core polling its tables.
	internal := router.Group("/internal", middleware.InternalAPIKey(cfg.Server.InternalSecret))
	internal.POST("/drivers/sync", func(c *gin.Context) {
		var d ramen.Driver
		if err := c.ShouldBindJSON(&d); err != nil || d.DriverID == "" {
			common.AppErrorResponse(c, common.NewValidationError("driver_id is required"))
			return
		}
		drivers.RegisterDriver(d)
		common.SuccessResponse(c, gin.H{"driver_id": d.DriverID})
	})
	internal.GET("/rides/active", func(c *gin.Context) {
		active := rides.GetActiveRides()
		for i := range active {
			active[i] = active[i].Redacted()
		}
		common.SuccessResponse(c, gin.H{"rides": active, "count": len(active)})
	})

	return router
}

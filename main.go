package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/fasthttp/router"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"dashpulse/internal/broker"
	"dashpulse/internal/cache"
	"dashpulse/internal/config"
	"dashpulse/internal/db"
	"dashpulse/internal/http/handlers"
	appmw "dashpulse/internal/http/middleware"
	"dashpulse/internal/ingest"
	"dashpulse/internal/live"
	"dashpulse/internal/overview"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	gdb, err := db.Connect(cfg)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	if err := db.EnsureDefaultKPIs(gdb); err != nil {
		log.Fatalf("failed to seed KPIs: %v", err)
	}
	store := db.NewStore(gdb)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db.StartRetentionWorker(ctx, gdb, cfg.MetricRetentionDays)

	hub := live.NewHub()
	ing := ingest.NewRouter(store, hub)
	ingest.StartChartWorker(ctx, store)

	// An ingestion core with no broker has no degraded mode: abort startup.
	broker.RegisterMetrics()
	pool, err := broker.NewPool(cfg, ing)
	if err != nil {
		log.Fatalf("failed to establish broker pool: %v", err)
	}
	pool.Start(ctx)

	var backend cache.Backend
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		backend = cache.NewRedisBackend(rdb)
	} else {
		log.Printf("no APP_REDIS_ADDR set, overview caching disabled")
	}
	cch := cache.New(backend)

	// Downstream storage is optional: the overview degrades to per-service
	// error entries when it is absent or unreachable.
	var mclient *mongo.Client
	if cfg.MongoURL != "" {
		mclient, err = mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURL))
		if err != nil {
			log.Printf("warning: downstream mongo unavailable: %v", err)
			mclient = nil
		}
	}
	insp := overview.NewInspector(mclient, cfg.ServiceDatabases)
	monitor := overview.NewMonitor(insp, store, hub)
	go monitor.Run(ctx)

	auth := appmw.BearerAuth(cfg)

	mux := router.New()
	mux.GET("/healthz", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})
	mux.GET("/metrics", handlers.PrometheusMetrics())

	mux.GET("/v1/dashboard/metrics", auth(handlers.MetricsSnapshot(store)))
	mux.GET("/v1/dashboard/kpis", auth(handlers.ListKPIs(store)))
	mux.GET("/v1/dashboard/charts", auth(handlers.ListCharts(store)))
	mux.GET("/v1/dashboard/alerts", auth(handlers.ListAlerts(store)))
	mux.POST("/v1/dashboard/alerts/{id}/read", auth(handlers.MarkAlertRead(store)))

	mux.GET("/v1/database/overview", auth(handlers.DatabaseOverview(insp, cch, cfg)))
	mux.GET("/v1/database/alerts", auth(handlers.ListDatabaseAlerts(store)))
	mux.POST("/v1/database/alerts/{id}/resolve", auth(handlers.ResolveDatabaseAlert(store)))
	mux.POST("/v1/internal/database-updated", auth(handlers.DatabaseUpdatedSignal(hub)))

	mux.POST("/v1/query", auth(handlers.ExecuteQuery(insp, store, cfg)))
	mux.GET("/v1/query/history", auth(handlers.QueryHistory(store)))

	mux.GET("/ws", auth(handlers.Live(hub)))

	server := &fasthttp.Server{Handler: handlers.RequestLogger(mux.Handler)}

	go func() {
		log.Printf("dashpulse listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(cfg.ListenAddr); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutdown signal received, draining (grace %s)", cfg.ShutdownGrace)

	done := make(chan struct{})
	go func() {
		pool.Wait()
		_ = server.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("shutdown complete")
	case <-time.After(cfg.ShutdownGrace):
		log.Printf("shutdown grace elapsed, forcing exit")
	}
}

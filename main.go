package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	apirest "github.com/kasuganosora/gridstash/api/rest"
	"github.com/kasuganosora/gridstash/api/sse"
	apows "github.com/kasuganosora/gridstash/api/ws"
	"github.com/kasuganosora/gridstash/audit"
	"github.com/kasuganosora/gridstash/cache"
	"github.com/kasuganosora/gridstash/config"
	dbadapter "github.com/kasuganosora/gridstash/db"
	"github.com/kasuganosora/gridstash/game/inventory"
	"github.com/kasuganosora/gridstash/game/player"
	mw "github.com/kasuganosora/gridstash/middleware"
	"github.com/kasuganosora/gridstash/model"
	"github.com/kasuganosora/gridstash/plugin/hook"
	"github.com/kasuganosora/gridstash/resource"
	"github.com/kasuganosora/gridstash/scheduler"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	var logger *zap.Logger
	var logErr error
	if cfg.Server.Debug {
		logger, logErr = zap.NewDevelopment()
	} else {
		logger, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer logger.Sync()

	// Warn loudly if admin endpoints will be disabled.
	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database, logger)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	logger.Info("DB initialized", zap.String("mode", cfg.Database.Mode))

	// ---- Audit ----
	auditSvc := audit.New(db, logger,
		audit.WithBuffer(cfg.Audit.Buffer),
		audit.WithBatch(cfg.Audit.BatchSize, cfg.Audit.FlushInterval))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := auditSvc.Stop(ctx); err != nil {
			logger.Warn("audit flush incomplete", zap.Error(err))
		}
	}()

	// ---- Cache / PubSub ----
	c, err := cache.NewCache(cfg.Cache)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	pubsub, err := cache.NewPubSub(cfg.Cache)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	logger.Info("Cache initialized", zap.Bool("redis", cfg.Cache.RedisAddr != ""))

	// ---- Item catalog ----
	catalog := resource.NewLoader(cfg.Inventory.DataPath, cfg.Inventory.CurrencyPath)
	if err := catalog.Load(); err != nil {
		log.Fatalf("item catalog: %v", err)
	}
	logger.Info("item catalog loaded", zap.Int("definitions", catalog.Len()))

	// ---- Inventory authority ----
	policy, err := inventory.ParseIDPolicy(cfg.Inventory.IDPolicy)
	if err != nil {
		log.Fatalf("inventory: %v", err)
	}
	sm := player.NewSessionManager(logger)
	hooks := hook.NewHookCenter()
	reg := inventory.NewRegistry(inventory.Options{Role: inventory.RoleAuthority, IDPolicy: policy}, catalog, logger)
	reg.SetPeerSender(sm)
	reg.SetPublisher(pubsub)
	world := inventory.NewHookWorld(hooks)
	reg.SetWorld(world)
	reg.OnEvent(world.Forward)

	sseH := sse.NewHandler(pubsub, c, cfg.Security, logger)
	reg.OnEvent(sseH.Record)

	if err := seedInventories(reg, cfg.Inventory.Seed, logger); err != nil {
		log.Fatalf("seed: %v", err)
	}

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	defer sched.Stop()

	if cfg.Inventory.ConsistencyInterval > 0 {
		sched.AddTicker("inventory_consistency", cfg.Inventory.ConsistencyInterval, func() {
			if err := reg.CheckConsistency(); err != nil {
				logger.Error("inventory consistency violated", zap.Error(err))
			}
		})
	}
	if cfg.Audit.Retention > 0 {
		sched.AddTicker("audit_retention", time.Hour, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			n, err := auditSvc.Prune(ctx, time.Now().Add(-cfg.Audit.Retention))
			if err != nil {
				logger.Warn("audit prune failed", zap.Error(err))
				return
			}
			logger.Debug("audit pruned", zap.Int64("entries", n))
		})
	}
	sched.AddTicker("peer_stats", time.Minute, func() {
		inventories, items := reg.Stats()
		logger.Debug("peer stats",
			zap.Int("online", sm.Count()),
			zap.Int("inventories", inventories),
			zap.Int("items", items))
	})

	// ---- WS Router ----
	wsRouter := apows.NewRouter(logger)
	invH := apows.NewInventoryHandlers(reg, auditSvc, logger)
	invH.RegisterHandlers(wsRouter)

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger, "/health"), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))

	// Health check
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	// ---- REST API routes ----
	authH := apirest.NewAuthHandler(db, c, cfg.Security, cfg.Inventory, logger)
	adminH := apirest.NewAdminHandler(db, sm, reg, cfg.Inventory, auditSvc, sched, logger)

	api := r.Group("/api")
	{
		authH.Register(api.Group("/auth"))

		adminG := api.Group("/admin")
		adminG.Use(mw.IPWhitelist(cfg.Server.AdminIPs, logger), apirest.AdminAuth(cfg.Server.AdminKey))
		adminH.Register(adminG)
	}

	// ---- WebSocket ----
	wsH := apows.NewHandler(db, c, cfg.Security, cfg.Inventory, sm, reg, hooks, wsRouter, logger)
	r.GET("/ws", wsH.ServeWS)

	// ---- SSE ----
	r.GET("/sse", sseH.ServeSSE)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}
	go func() {
		logger.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	// Hijacked websockets are not tracked by http.Server.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if left := sm.CloseAll(ctx); left > 0 {
		logger.Warn("sessions still open at shutdown", zap.Int("count", left))
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
}

// seedInventories creates the configured inventories and fills them. Shop
// stock is spawned as infinite stacks on behalf of the server.
func seedInventories(reg *inventory.Registry, seeds []config.SeedInventory, logger *zap.Logger) error {
	for _, s := range seeds {
		if err := reg.CreateInventory(s.ID, inventory.Vec2{X: s.Width, Y: s.Height}, s.Shop); err != nil {
			return fmt.Errorf("inventory %d: %w", s.ID, err)
		}
		for _, it := range s.Items {
			_, err := reg.HandleSpawnRequest(reg.Self(), inventory.SpawnRequest{
				ItemPath:    it.Path,
				InventoryID: s.ID,
				Count:       it.Count,
				Infinite:    it.Infinite,
			})
			if err != nil {
				return fmt.Errorf("inventory %d: spawn %s: %w", s.ID, it.Path, err)
			}
		}
		logger.Info("inventory seeded", zap.Int64("inventory_id", s.ID), zap.Int("items", len(s.Items)))
	}
	return nil
}

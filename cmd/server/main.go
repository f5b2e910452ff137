package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/orincore/circleback/internal/block"
	"github.com/orincore/circleback/internal/clock"
	"github.com/orincore/circleback/internal/config"
	"github.com/orincore/circleback/internal/coord"
	"github.com/orincore/circleback/internal/database"
	"github.com/orincore/circleback/internal/httpapi"
	"github.com/orincore/circleback/internal/messaging"
	"github.com/orincore/circleback/internal/metrics"
	"github.com/orincore/circleback/internal/ratelimit"
	"github.com/orincore/circleback/internal/store"
	"github.com/orincore/circleback/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "optional path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// --- PostgreSQL ---
	migrationsPath, err := filepath.Abs(cfg.Postgres.MigrationsPath)
	if err != nil {
		log.Fatalf("failed to resolve migrations path: %v", err)
	}
	if err := database.RunMigrations(cfg.Postgres.URL, migrationsPath); err != nil {
		log.Fatalf("failed to run database migrations: %v", err)
	}
	log.Printf("database migrations applied successfully")

	repo, db, err := store.OpenPostgres(cfg.Postgres.URL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer db.Close()

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			cancel()
			log.Fatalf("failed to connect to redis: %v", err)
		}
		cancel()
	}
	defer rdb.Close()

	limiter := ratelimit.NewLimiter(rdb)
	blocks := block.NewStore(rdb)

	// --- NATS event mirror (optional) ---
	var sink coord.EventSink = coord.NopSink{}
	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = cfg.NATS.Name
		mirror, err := messaging.NewMirror(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		defer mirror.Close()
		sink = mirror
	}

	// --- WebSocket server ---
	registry := ws.NewRegistry()
	dispatcher := ws.NewMessageDispatcher()
	wsConfig := ws.ServerConfig{
		MaxConnections: 100000,
		ReadTimeout:    cfg.Server.ReadTimeout,
		SendQueue:      cfg.Conn.SendQueue,
		SendTimeout:    cfg.Conn.SendTimeout,
		MaxFrameSize:   int64(cfg.Msg.MaxContentBytes) + 1024, // content plus envelope
	}
	server := ws.NewServer(wsConfig, registry, dispatcher.Dispatch)

	// --- Coordinator ---
	coordCfg := coord.Config{
		TickInterval:    cfg.Match.TickInterval,
		BallotTTL:       cfg.Match.BallotTTL,
		MaxContentBytes: cfg.Msg.MaxContentBytes,
	}
	blockCheck := func(a, b string) bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return blocks.Blocked(ctx, a, b)
	}
	coordinator := coord.New(coordCfg, clock.System(), repo, registry, sink, blockCheck)

	registerHandlers(dispatcher, registry, coordinator, limiter)

	server.SetOnDisconnect(func(conn *ws.Connection) {
		uid := conn.UserID()
		if uid == "" {
			return
		}
		if len(registry.ConnectionsOf(uid)) > 0 {
			return // another connection still represents the user
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		coordinator.UserOffline(ctx, uid)
	})

	coordinator.Start()
	defer coordinator.Stop()

	stopHeartbeat := make(chan struct{})
	ws.StartHeartbeat(registry, ws.HeartbeatConfig{
		Interval: cfg.Conn.HeartbeatInterval,
		Timeout:  cfg.Conn.HeartbeatTimeout,
	}, stopHeartbeat)
	defer close(stopHeartbeat)

	// --- HTTP surface ---
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	api := httpapi.NewHandler(httpapi.Config{
		JWTSecret:   []byte(cfg.Auth.JWTSecret),
		TokenTTL:    cfg.Auth.TokenTTL,
		PageSizeMax: cfg.Msg.PageSizeMax,
	}, repo, coordinator, blocks, limiter)
	api.Register(engine)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleUpgrade)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/", engine)

	// Server-level timeouts only cover the pre-hijack phase of WebSocket
	// requests; per-frame deadlines are managed by the connections.
	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("circleback server listening on %s", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	// --- graceful shutdown ---
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("shutting down")

	server.Drain()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}

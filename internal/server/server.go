package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	log "github.com/sirupsen/logrus"

	"crashengine/internal/broadcast"
	"crashengine/internal/cache"
	"crashengine/internal/config"
	"crashengine/internal/fair"
	"crashengine/internal/game"
	"crashengine/internal/gateway"
	"crashengine/internal/store"
)

type FiberServer struct {
	*fiber.App

	cfg        config.Config
	db         *store.Postgres
	gameStore  game.Store
	cache      cache.Service
	roundCache *cache.RoundCache
	hub        *broadcast.Hub
	nats       *broadcast.NatsPublisher
	ledger     *game.Ledger
	engine     *game.Engine
}

func New(cfg config.Config) *FiberServer {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		db        *store.Postgres
		gameStore game.Store
	)
	if cfg.DatabaseURL == "memory" {
		// Ephemeral store for local hacking; everything is lost on exit.
		gameStore = store.NewMemory()
	} else {
		var err error
		db, err = store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("ledger store is required")
		}
		gameStore = db
	}

	hub := broadcast.NewHub()
	broadcasters := broadcast.Fanout{hub}
	var natsPub *broadcast.NatsPublisher
	if cfg.NatsURL != "" {
		var err error
		natsPub, err = broadcast.ConnectNats(cfg.NatsURL)
		if err != nil {
			log.WithError(err).Warn("nats unavailable, events stay websocket-only")
		} else {
			broadcasters = append(broadcasters, natsPub)
		}
	}

	var redisService cache.Service
	var roundCache *cache.RoundCache
	var snap game.Snapshotter
	if cfg.RedisAddr != "" {
		redisService = cache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}
	if redisService != nil {
		roundCache = cache.NewRoundCache(redisService.GetClient())
		snap = roundCache
	}

	clock := game.Clock{GrowthRate: cfg.GrowthRate}
	params := fair.Params{HouseEdge: cfg.HouseEdge, MaxMultiplier: cfg.MaxMultiplier}
	policy := game.StakeLimits{Min: cfg.MinBetAmount, Max: cfg.MaxBetAmount}
	gw := gateway.Retrying{Next: gateway.LogGateway{}, MaxElapsed: 30 * time.Second}
	ledger := game.NewLedger(gameStore, clock, policy, gw)

	engine := game.NewEngine(gameStore, ledger, broadcasters, snap, game.Options{
		BettingWindow:       cfg.BettingWindow,
		Cooldown:            cfg.Cooldown,
		TickInterval:        cfg.TickInterval,
		Clock:               clock,
		Fair:                params,
		PersistMaxRetries:   cfg.PersistMaxRetries,
		PersistRetryBackoff: cfg.PersistRetryBackoff,
	})

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crashengine",
			AppName:       "crashengine",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		cfg:        cfg,
		db:         db,
		gameStore:  gameStore,
		cache:      redisService,
		roundCache: roundCache,
		hub:        hub,
		nats:       natsPub,
		ledger:     ledger,
		engine:     engine,
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
	}))

	go hub.Run()
	engine.Start()
	log.Info("game engine started")

	return server
}

// Engine exposes the round driver so the entrypoint can watch for halts.
func (s *FiberServer) Engine() *game.Engine {
	return s.engine
}

// Shutdown stops the engine and closes external connections.
func (s *FiberServer) Shutdown() error {
	log.Info("shutting down")

	s.engine.Stop()
	select {
	case <-s.engine.Done():
	case <-time.After(10 * time.Second):
		log.Warn("engine did not stop in time")
	}

	if s.nats != nil {
		s.nats.Close()
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	return s.App.Shutdown()
}

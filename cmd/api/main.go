package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"agent-royale-backend/internal/config"
	"agent-royale-backend/internal/fairness"
	"agent-royale-backend/internal/games"
	"agent-royale-backend/internal/handlers"
	"agent-royale-backend/internal/logging"
	"agent-royale-backend/internal/models"
	"agent-royale-backend/internal/services"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Crit("Failed to load config", "err", err)
	}

	logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if envErr != nil {
		log.Info("No .env file found, using environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		log.Crit("Failed to connect to Redis", "err", err)
	}
	defer store.Close()

	signer, err := newSigner(cfg)
	if err != nil {
		log.Crit("Failed to load casino key", "err", err)
	}

	opts, err := engineOptions(cfg)
	if err != nil {
		log.Crit("Invalid game settings", "err", err)
	}
	registry, err := buildRegistry(cfg.Games)
	if err != nil {
		log.Crit("Invalid game settings", "err", err)
	}

	book := fairness.NewEntropyBook(cfg.EntropyTTL, time.Now)
	var oracle services.Oracle
	if cfg.OracleMode == config.OracleModeCallback {
		oracle = services.NewCallbackOracle()
	} else {
		oracle = services.NewLocalOracle(book, cfg.OracleDelay)
	}

	engine := services.NewGamingEngine(store, signer, registry, book, oracle, opts)
	if err := engine.Restore(ctx); err != nil {
		log.Crit("Failed to restore channels", "err", err)
	}

	hub := handlers.NewArenaHub()
	go hub.Run(ctx.Done())
	engine.SetBroadcaster(hub)

	services.NewScheduler(engine, cfg.SchedulerInterval).Start(ctx)

	casino := handlers.NewCasinoHandler(engine, store, services.DefaultRateLimitCommits).WithDeployment(handlers.Deployment{
		ChainID:        cfg.ChainID,
		ChannelManager: cfg.ChannelManager,
	})

	routes := handlers.Routes{
		Casino:             casino,
		Arena:              hub,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	}
	if cfg.OracleMode == config.OracleModeCallback {
		routes.Oracle = handlers.NewOracleHandler(book)
		routes.JWT = services.NewJWTService(cfg.OracleJWTSecret)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Idempotency-Key")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	routes.Register(router)

	port := cfg.Port
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{Addr: ":" + port, Handler: router}
	go func() {
		<-ctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("Server starting", "port", port, "signer", signer.Address(), "oracle", cfg.OracleMode, "chain", cfg.ChainID)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Crit("Failed to start server", "err", err)
	}
}

var errMissingKey = errors.New("CASINO_PRIVATE_KEY is required in production")

func openStore(cfg *config.Config) (services.Store, error) {
	if cfg.RedisURL == "" {
		log.Warn("REDIS_URL not set, channels are kept in memory only")
		return services.NewMemoryStore(), nil
	}
	return services.NewRedisService(cfg)
}

func newSigner(cfg *config.Config) (*services.EIP712Signer, error) {
	var (
		key *services.KeySigner
		err error
	)
	if cfg.CasinoPrivateKey != "" {
		key, err = services.NewKeySigner(cfg.CasinoPrivateKey)
	} else {
		if cfg.IsProduction() {
			return nil, errMissingKey
		}
		key, err = services.GenerateKeySigner()
		if err == nil {
			log.Warn("CASINO_PRIVATE_KEY not set, using an ephemeral signing key", "address", key.Address())
		}
	}
	if err != nil {
		return nil, err
	}
	return services.NewEIP712Signer(key, cfg.ChainID, cfg.ChannelManager), nil
}

func engineOptions(cfg *config.Config) (services.EngineOptions, error) {
	opts := services.DefaultEngineOptions()
	opts.CommitTTL = cfg.CommitTTL
	opts.EntropyTTL = cfg.EntropyTTL
	opts.DrawInterval = cfg.DrawInterval
	opts.AllowConcurrentGames = cfg.AllowConcurrentGames
	opts.SafetyMargin = cfg.Games.SafetyMargin

	var err error
	if opts.MinBet, err = models.ParseEther(cfg.Games.MinBet); err != nil {
		return opts, err
	}
	if opts.MinDeposit, err = models.ParseEther(cfg.Games.MinDeposit); err != nil {
		return opts, err
	}
	return opts, nil
}

func buildRegistry(settings config.GameSettings) (*games.Registry, error) {
	var enabled []games.Game
	for _, g := range []games.Game{games.Dice{}, games.Slots{}, games.Coinflip{}} {
		if settings.Enabled(g.Name()) {
			enabled = append(enabled, g)
		}
	}

	var lotto *games.Lotto
	if settings.Enabled("lotto") {
		price, err := models.ParseEther(settings.Lotto.TicketPrice)
		if err != nil {
			return nil, err
		}
		lotto = games.NewLotto(games.LottoConfig{
			TicketPrice:      price,
			PayoutMultiplier: settings.Lotto.PayoutMultiplier,
			Range:            settings.Lotto.Range,
			MaxTickets:       settings.Lotto.MaxTickets,
		})
	}

	return games.NewRegistry(lotto, enabled...), nil
}

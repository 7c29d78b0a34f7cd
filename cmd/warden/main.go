package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/layer-3/warden/adapters/blocklist"
	"github.com/layer-3/warden/adapters/events"
	"github.com/layer-3/warden/adapters/store"
	"github.com/layer-3/warden/adapters/tokenizer"
	"github.com/layer-3/warden/internal/config"
	"github.com/layer-3/warden/internal/infra"
	"github.com/layer-3/warden/internal/logging"
	"github.com/layer-3/warden/ports"
	"github.com/layer-3/warden/service"
	transport "github.com/layer-3/warden/transport/http"
)

const challengePurgeInterval = time.Minute

func main() {
	if err := run(); err != nil {
		slog.Error("warden exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	signKey, err := loadSigningKey(cfg.SigningKey)
	if err != nil {
		return err
	}
	if cfg.SigningKey == "" {
		logger.Warn("SIGNING_KEY not set, using an ephemeral key; sessions will not survive a restart")
	}

	var (
		challenges  ports.ChallengeStore  = store.NewMemoryChallengeStore()
		sessions    ports.SessionStore    = store.NewMemorySessionStore()
		credentials ports.CredentialStore = store.NewMemoryCredentialStore()
		users       ports.UserStore       = store.NewMemoryUserStore()
		profiles    ports.ProfileStore    = store.NewMemoryProfileStore()
		sources     []ports.BlocklistSource
		publisher   message.Publisher
		redisClient *redis.Client
	)

	if cfg.DatabaseURL != "" {
		pool, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := infra.Migrate(ctx, pool); err != nil {
			return err
		}
		credentials = store.NewPostgresCredentialStore(pool)
		users = store.NewPostgresUserStore(pool)
		profiles = store.NewPostgresProfileStore(pool)
		logger.Info("using postgres stores")
	} else {
		logger.Warn("DATABASE_URL not set, credentials and profiles are kept in memory")
	}

	wmLogger := watermill.NewStdLogger(cfg.LogLevel == "debug", false)
	if cfg.RedisURL != "" {
		redisClient, err = infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer func() { _ = redisClient.Close() }()

		challenges = store.NewRedisChallengeStore(redisClient)
		sessions = store.NewRedisSessionStore(redisClient)

		publisher, err = redisstream.NewPublisher(redisstream.PublisherConfig{Client: redisClient}, wmLogger)
		if err != nil {
			return fmt.Errorf("create redis publisher: %w", err)
		}
		logger.Info("using redis challenge cache and session store")
	} else {
		publisher = gochannel.NewGoChannel(gochannel.Config{}, wmLogger)
	}
	defer func() { _ = publisher.Close() }()
	eventPub := events.NewWatermillPublisher(publisher)

	var protected []string
	if cfg.BlocklistFile != "" {
		file, err := blocklist.LoadFile(cfg.BlocklistFile)
		if err != nil {
			return err
		}
		sources = append(sources, file)
		protected = file.ProtectedDomains()
	}
	if redisClient != nil {
		sources = append(sources, blocklist.NewRedisSource(redisClient))
	}

	policy := service.DefaultRiskPolicy()
	policy.BlockThreshold = cfg.RiskBlockThreshold
	policy.ProgramAllowlist = cfg.ProgramAllowlist

	ceremonies, err := service.NewCeremonyService(challenges, credentials, users, eventPub, service.CeremonyConfig{
		RPID:                    cfg.RPID,
		RPName:                  cfg.RPName,
		Origins:                 cfg.RPOrigins,
		ChallengeTTL:            cfg.ChallengeTTL,
		RequireUserVerification: cfg.RequireUserVerification,
		AllowNoneAttestation:    cfg.AllowNoneAttestation,
		AllowZeroCounter:        cfg.AllowZeroCounter,
		RequireWalletProof:      cfg.RequireWalletProof,
	}, logger)
	if err != nil {
		return err
	}
	sessionService := service.NewSessionService(tokenizer.NewJWTTokenizer(signKey), sessions, users, eventPub, cfg.SessionTTL, logger)
	phishing := service.NewPhishingChecker(sources, service.PhishingConfig{
		Timeout:          cfg.PhishingTimeout,
		ProtectedDomains: protected,
	}, logger)
	risk := service.NewRiskEngine(profiles, phishing, eventPub, policy, logger)

	go purgeChallenges(ctx, ceremonies, logger)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           transport.SetupRouter(ceremonies, sessionService, risk, phishing, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", server.Addr, "env", cfg.Env, "rp_id", cfg.RPID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// purgeChallenges drops expired challenges from stores without native expiry
func purgeChallenges(ctx context.Context, ceremonies *service.CeremonyService, logger *slog.Logger) {
	ticker := time.NewTicker(challengePurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ceremonies.PurgeExpiredChallenges(ctx)
			if err != nil {
				logger.Error("challenge purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("purged expired challenges", "count", n)
			}
		}
	}
}

// loadSigningKey parses a hex P-256 scalar, or generates a key when empty
func loadSigningKey(raw string) (*ecdsa.PrivateKey, error) {
	if raw == "" {
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode SIGNING_KEY: %w", err)
	}
	key, err := ecdsa.ParseRawPrivateKey(elliptic.P256(), b)
	if err != nil {
		return nil, fmt.Errorf("parse SIGNING_KEY: %w", err)
	}
	return key, nil
}

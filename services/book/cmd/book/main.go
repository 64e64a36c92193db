package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"bookstore/internal/util"
	"bookstore/pkg/session"
	"bookstore/pkg/storage"
	"bookstore/pkg/store"
	"bookstore/services/book/internal/app"
	"bookstore/services/book/internal/config"
	"bookstore/services/book/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	jwtLeeway, _ := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	sessionTTL, _ := config.ParseDuration("sessionTTL", cfg.SessionTTL)
	if sessionTTL == 0 {
		sessionTTL = 24 * time.Hour
	}
	coverExpiry, _ := config.ParseDuration("coverURLExpiry", cfg.CoverURLExpiry)
	verifyKeyFiles, _ := config.ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	defer dataStore.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()

	revoker := session.NewRedisRevoker(redisClient, "bookstore:session:", sessionTTL)
	jwtOpts := session.Options{Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience, Leeway: jwtLeeway}
	var verifier *session.Verifier
	if cfg.AuthJWKSURL != "" {
		fetch := session.JWKSFetcher(cfg.AuthJWKSURL, &http.Client{Timeout: 5 * time.Second})
		verifier, err = session.NewRemoteVerifier(ctx, fetch, revoker, jwtOpts)
	} else {
		verifier, err = session.NewVerifierFromPEM(verifyKeyFiles, revoker, jwtOpts)
	}
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	var (
		objects  storage.ObjectStore
		coverDir string
	)
	if cfg.UsesMinio() {
		objects, err = storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
	} else {
		publicURL := cfg.CoverPublicURL
		if publicURL == "" {
			publicURL = "/covers"
		}
		coverDir = cfg.CoverDir
		objects, err = storage.NewFileStore(coverDir, publicURL)
	}
	if err != nil {
		log.Fatalf("failed to init cover storage: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store:          dataStore,
		Objects:        objects,
		Policy:         cfg.Policy(),
		CoverURLExpiry: coverExpiry,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	trusted, err := util.NewTrustedProxies(config.SplitList(cfg.TrustedProxies))
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}
	httpServer, err := server.New(server.Config{
		App:                       appCore,
		Verifier:                  verifier,
		Redis:                     redisClient,
		TrustedProxies:            trusted,
		CORSOrigins:               config.SplitList(cfg.CORSOrigins),
		MaxCoverBytes:             cfg.MaxCoverBytes,
		CoverDir:                  coverDir,
		LendingRateLimitPerMinute: cfg.LendingRateLimitPerMinute,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pol := appCore.Policy()
		slog.Info("book server listening", "addr", addr, "eligibility", pol.Eligibility, "archive_toggle", pol.ArchiveToggle)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"crypto/rsa"
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
	"bookstore/pkg/domain"
	"bookstore/pkg/notify"
	"bookstore/pkg/queue"
	"bookstore/pkg/session"
	"bookstore/pkg/store"
	"bookstore/services/auth/internal/app"
	"bookstore/services/auth/internal/config"
	"bookstore/services/auth/internal/security"
	"bookstore/services/auth/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, _ := config.ParseDuration("sessionTTL", cfg.SessionTTL)
	if sessionTTL == 0 {
		sessionTTL = 24 * time.Hour
	}
	activationTTL, _ := config.ParseDuration("activationTTL", cfg.ActivationTTL)
	jwtLeeway, _ := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	verifyKeyFiles, _ := config.ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys)

	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	defer dataStore.Close()
	if cfg.EnsureDefaultRole {
		if _, err := dataStore.EnsureRole(domain.RoleUser); err != nil {
			log.Fatalf("failed to ensure default role: %v", err)
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()

	jwtOpts := session.Options{Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience, Leeway: jwtLeeway}
	issuer, err := session.NewIssuerFromPEM(cfg.JWTPrivateKeyPath, cfg.JWTKeyID, sessionTTL, jwtOpts)
	if err != nil {
		log.Fatalf("failed to init session issuer: %v", err)
	}
	verifyKeys := map[string]*rsa.PublicKey{issuer.KeyID(): issuer.PublicKey()}
	for kid, path := range verifyKeyFiles {
		if kid == issuer.KeyID() {
			continue
		}
		pub, err := session.LoadRSAPublicKey(path)
		if err != nil {
			log.Fatalf("failed to load verify key %q: %v", kid, err)
		}
		verifyKeys[kid] = pub
	}
	verifier, err := session.NewVerifier(verifyKeys, session.NewRedisRevoker(redisClient, "bookstore:session:", sessionTTL), jwtOpts)
	if err != nil {
		log.Fatalf("failed to init session verifier: %v", err)
	}

	sender, closeSender, err := newSender(cfg, logger, redisClient)
	if err != nil {
		log.Fatalf("failed to init notifier: %v", err)
	}
	defer closeSender()

	appCore, err := app.New(app.Config{
		Store:         dataStore,
		Issuer:        issuer,
		Verifier:      verifier,
		Sender:        sender,
		ActivationURL: cfg.ActivationURL,
		ActivationTTL: activationTTL,
		CodeLength:    cfg.CodeLength,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	trusted, err := util.NewTrustedProxies(config.SplitList(cfg.TrustedProxies))
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}
	httpServer, err := server.New(server.Config{
		App:                        appCore,
		Redis:                      redisClient,
		Alerter:                    security.NewAuditAlerter(redisClient, ""),
		TrustedProxies:             trusted,
		CORSOrigins:                config.SplitList(cfg.CORSOrigins),
		RegisterRateLimitPerMinute: cfg.RegisterRateLimitPerMinute,
		LoginRateLimitPerMinute:    cfg.LoginRateLimitPerMinute,
		ActivateRateLimitPerMinute: cfg.ActivateRateLimitPerMinute,
		ResendRateLimitPerMinute:   cfg.ResendRateLimitPerMinute,
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
		slog.Info("auth server listening", "addr", addr, "notifier", cfg.Notifier)
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

func newSender(cfg config.FileConfig, logger *slog.Logger, client *redis.Client) (notify.Sender, func(), error) {
	switch cfg.Notifier {
	case "smtp":
		sender, err := notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			StartTLS: cfg.SMTPStartTLS,
		})
		return sender, func() {}, err
	case "amqp":
		publisher, err := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPQueue)
		if err != nil {
			return nil, nil, err
		}
		return publisher, func() { _ = publisher.Close() }, nil
	case "redis":
		stream := cfg.NotifyStream
		if stream == "" {
			stream = notify.DefaultQueue
		}
		q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{Client: client, Stream: stream, Group: "mailer"})
		if err != nil {
			return nil, nil, err
		}
		return notify.NewStreamPublisher(q), func() {}, nil
	default:
		logger.Warn("activation codes are logged, not delivered; use notifier smtp or amqp outside development")
		return notify.LogSender{Logger: logger}, func() {}, nil
	}
}

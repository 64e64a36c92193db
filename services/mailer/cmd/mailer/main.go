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
	"bookstore/pkg/notify"
	"bookstore/pkg/queue"
	"bookstore/services/mailer/internal/config"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sender notify.Sender = notify.LogSender{Logger: logger}
	if !cfg.DryRun {
		smtpSender, err := notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			StartTLS: cfg.SMTPStartTLS,
		})
		if err != nil {
			log.Fatalf("failed to init smtp sender: %v", err)
		}
		sender = smtpSender
	}

	g, gctx := errgroup.WithContext(ctx)
	switch cfg.Transport {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		stream := cfg.NotifyStream
		if stream == "" {
			stream = notify.DefaultQueue
		}
		q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Client:     client,
			Stream:     stream,
			Group:      "mailer",
			MaxRetries: cfg.MaxRetries,
		})
		if err != nil {
			log.Fatalf("failed to init queue: %v", err)
		}
		g.Go(func() error {
			return q.Run(gctx, cfg.Workers, notify.StreamHandler(sender))
		})
	default:
		consumer, err := notify.NewAMQPConsumer(cfg.AMQPURL, cfg.AMQPQueue, cfg.Prefetch)
		if err != nil {
			log.Fatalf("failed to init amqp consumer: %v", err)
		}
		defer consumer.Close()
		g.Go(func() error {
			return consumer.Run(gctx, cfg.Workers, sender)
		})
	}

	if cfg.Port != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		srv := &http.Server{
			Addr:         ":" + cfg.Port,
			Handler:      util.WithRequestID(mux),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	slog.Info("mailer started", "transport", cfg.Transport, "workers", cfg.Workers, "dry_run", cfg.DryRun)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("mailer stopped", "err", err)
		os.Exit(1)
	}
}

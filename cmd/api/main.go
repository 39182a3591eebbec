package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"

	"replypilot/internal/adapters/credstore"
	"replypilot/internal/adapters/gbp"
	server "replypilot/internal/adapters/http_server"
	"replypilot/internal/adapters/mailer"
	"replypilot/internal/adapters/observability"
	"replypilot/internal/adapters/openai"
	"replypilot/internal/adapters/pushauth"
	redisad "replypilot/internal/adapters/redis"
	"replypilot/internal/app"
	"replypilot/internal/scheduler"
	"replypilot/internal/shared"
	mysqlrepo "replypilot/internal/storage/mysql"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := shared.Load()

	// set global logger (console in dev, JSON otherwise)
	log.Logger = observability.NewLogger(cfg.AppEnv, cfg.LogLevel)

	reg := observability.InitRegistry()
	metricsSrv := observability.Serve(cfg.MetricsAddr, reg)

	// db
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("sql.Open failed")
	}
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("db.Ping failed")
	}
	log.Info().Msg("database connection ok")

	// deps
	repo := mysqlrepo.New(db)
	cache := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	defer cache.Close()

	cipher, err := credstore.NewCipher(cfg.CredentialSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("credential store init failed")
	}
	creds := credstore.New(repo, cipher)

	sources, err := gbp.NewFactory(gbp.Options{
		BaseURL:      cfg.GBPBaseURL,
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RPS:          cfg.GBPRPS,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("review source client init failed")
	}

	var notifier *app.Notifier
	if cfg.SMTPHost != "" {
		m, err := mailer.New(mailer.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("mailer init failed")
		}
		notifier = app.NewNotifier(repo, repo, m, cache, cfg.DashboardURL)
	} else {
		log.Warn().Msg("SMTP_HOST is empty; review notifications disabled")
	}

	gen := openai.New(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
	replies := app.NewReplyService(repo, repo, app.NewQuotaGate(repo), gen, creds, sources, notifier, cache)
	ingest := app.NewIngestionService(repo, repo, creds, sources, cache)
	importer := app.NewImporter(repo, repo, creds, sources, cache, app.ImportOptions{
		Cap:       cfg.ImportCap,
		BatchSize: cfg.ImportBatch,
		Workers:   cfg.ImportWorkers,
	})
	q := app.NewQueryService(repo, cache, cfg.CacheTTL)

	verifier := pushauth.New(pushauth.Config{
		Audience:    cfg.WebhookAudience,
		Issuers:     cfg.WebhookIssuers,
		EmailDomain: cfg.WebhookEmailDomain,
		JWKSURL:     cfg.WebhookJWKSURL,
		Skip:        cfg.WebhookSkipAuth,
	}, nil)

	retry := scheduler.NewRetryScheduler(cfg.RetrySchedule, repo, replies)
	if err := retry.Start(); err != nil {
		log.Fatal().Err(err).Msg("retry scheduler failed to start")
	}

	// http
	srv := server.New()
	if metricsSrv == nil {
		srv.Mount("/metrics", observability.MetricsHandler(reg))
	}
	srv.MountHandlers(&server.Handlers{
		Verifier:      verifier,
		Ingest:        ingest,
		Replies:       replies,
		Import:        importer,
		Q:             q,
		InternalToken: cfg.InternalToken,
		Ready: func(ctx context.Context) error {
			return errors.Join(db.PingContext(ctx), cache.Ping(ctx))
		},
	})

	log.Info().Str("addr", cfg.HTTPAddr).Msg("API listening")
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Mux(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	retry.Stop()
	replies.Wait()
	_ = db.Close()
}

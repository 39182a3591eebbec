package main

import (
	"context"
	"database/sql"
	"os/signal"
	"sync"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"replypilot/internal/adapters/credstore"
	"replypilot/internal/adapters/gbp"
	"replypilot/internal/adapters/observability"
	redisad "replypilot/internal/adapters/redis"
	"replypilot/internal/app"
	"replypilot/internal/domain"
	"replypilot/internal/shared"
	mysqlrepo "replypilot/internal/storage/mysql"
)

// Backfill imports review history for every connected location.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cfg := shared.Load()

	// 1) initialize global logger (console in dev, JSON otherwise)
	log.Logger = observability.NewLogger(cfg.AppEnv, cfg.LogLevel)

	log.Info().
		Str("base", cfg.GBPBaseURL).
		Int("workers", cfg.Workers).
		Int("cap", cfg.ImportCap).
		Msg("backfill starting")

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("sql.Open failed")
	}
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("db.Ping failed")
	}
	log.Info().Msg("db ping ok")

	repo := mysqlrepo.New(db)

	cipher, err := credstore.NewCipher(cfg.CredentialSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("credential store init failed")
	}
	sources, err := gbp.NewFactory(gbp.Options{
		BaseURL:      cfg.GBPBaseURL,
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RPS:          cfg.GBPRPS,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize review source client")
	}
	cache := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	defer cache.Close()

	imp := app.NewImporter(repo, repo, credstore.New(repo, cipher), sources, cache, app.ImportOptions{
		Cap:       cfg.ImportCap,
		BatchSize: cfg.ImportBatch,
		Workers:   cfg.ImportWorkers,
	})

	conns, err := repo.ConnectedLocations(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("list connected locations failed")
	}

	sem := semaphore.NewWeighted(int64(max(cfg.Workers, 1)))
	var wg sync.WaitGroup

	for _, c := range conns {
		// acquire before launching the goroutine; release inside it
		if err := sem.Acquire(ctx, 1); err != nil {
			log.Warn().Err(err).Msg("backfill interrupted")
			break
		}

		wg.Add(1)
		go func(c domain.Connection) {
			defer wg.Done()
			defer sem.Release(1)

			lg := log.With().Int64("location_id", c.LocationID).Int64("account_id", c.AccountID).Logger()
			sum, err := imp.Run(ctx, c.AccountID, c.LocationID, func(e app.ImportEvent) {
				if e.Type == app.EventProgress {
					lg.Debug().Int("fetched", e.Fetched).Int("imported", e.Imported).Msg("import progress")
				}
			})
			if err != nil {
				lg.Warn().Err(err).Msg("import failed")
				return
			}
			lg.Info().Int("imported", sum.Imported).Int("duplicates", sum.Duplicates).Msg("import ok")
		}(c)
	}

	wg.Wait()
	log.Info().Int("locations", len(conns)).Msg("backfill completed")
}

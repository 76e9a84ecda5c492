// Command server runs the subathon timer engine: grant ingestion from the
// notification stream, the persistent ledger and the viewer fan-out.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/huikka/subathon/internal/engine"
	"github.com/huikka/subathon/internal/gateway"
	"github.com/huikka/subathon/internal/ingress"
	"github.com/huikka/subathon/internal/ledger"
	"github.com/huikka/subathon/internal/migrate"
	"github.com/huikka/subathon/internal/models"
	"github.com/huikka/subathon/internal/query"
	"github.com/huikka/subathon/internal/rules"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	if level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings, err := loadSettings(getEnv("SETTINGS_PATH", "settings.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load settings")
	}

	dsn := databaseDSN()
	if err := migrate.Up(ctx, dsn); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	db, err := ledger.New(ctx, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	store := ledger.NewRepo(db)

	template := models.SubathonConfig{
		MaxSleepTime: settings.MaxSleepTime,
		Goals:        settings.Goals,
	}
	clock := clockwork.NewRealClock()

	eng, err := engine.New(ctx, store, rules.NewMapper(settings.Rewards), template, clock)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize engine")
	}

	hub := gateway.NewHub(gateway.DefaultConfig(), eng)
	eng.SetNotifier(hub)
	go hub.Run(ctx)

	grantCfg := ingress.DefaultConfig()
	grantCfg.URL = getEnv("NATS_URL", grantCfg.URL)
	consumer, err := ingress.NewConsumer(eng, grantCfg, clock)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect grant consumer")
	}
	defer consumer.Stop()
	go func() {
		if err := consumer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("grant consumer failed")
		}
	}()

	srv := setupServer(hub, query.NewHandler(store))
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shut down server cleanly")
	}
}

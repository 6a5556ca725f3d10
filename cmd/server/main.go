// Command server runs the stars fulfillment service: it receives marketplace
// order and chat events over HTTP, drives the per-chat order queues, and
// buys stars through the purchase API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-stars-fulfillment/internal/config"
	"github.com/tbourn/go-stars-fulfillment/internal/engine"
	"github.com/tbourn/go-stars-fulfillment/internal/fragment"
	"github.com/tbourn/go-stars-fulfillment/internal/host"
	httpapi "github.com/tbourn/go-stars-fulfillment/internal/http"
	"github.com/tbourn/go-stars-fulfillment/internal/observability"
	"github.com/tbourn/go-stars-fulfillment/internal/repo"
	"github.com/tbourn/go-stars-fulfillment/internal/sysutil"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const purgeEvery = 10 * time.Minute

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.ConfigureLogger(os.Stdout, cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName, cfg.Fulfillment.SellerUsername)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, observability.Build{
		Version: version,
		Seller:  cfg.Fulfillment.SellerUsername,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if cfg.OTEL.Enabled {
		if err := repo.EnableTracing(db); err != nil {
			log.Warn().Err(err).Msg("gorm tracing disabled")
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	f := cfg.Fulfillment
	opts := []engine.Option{}
	if f.PersistState {
		opts = append(opts, engine.WithStore(repo.Store{DB: db}))
	}
	eng := engine.New(
		fragment.New(f.FragmentBaseURL, f.FragmentTimeout),
		host.New(f.HostAPIURL, f.HostAPIToken, f.HostTimeout),
		repo.SettingsProvider{DB: db, MinQuantity: f.MinQuantity},
		engine.Config{
			SystemAuthor:     f.SystemAuthor,
			SellerUsername:   f.SellerUsername,
			OrderURLTemplate: f.OrderURLTemplate,
			PromptWindow:     f.PromptWindow,
			CheckGap:         f.UsernameCheckGap,
			CheckJitter:      f.UsernameCheckJitter,
			MinQuantity:      f.MinQuantity,
			OpTimeout:        f.OpTimeout,
		},
		opts...,
	)
	if f.PersistState {
		if err := eng.Restore(ctx); err != nil {
			log.Error().Err(err).Msg("restore queues")
		}
	}

	go purgeIdempotency(ctx, db, purgeEvery)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, eng, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// purgeIdempotency deletes expired event ids until ctx is done.
func purgeIdempotency(ctx context.Context, db *gorm.DB, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, db, now.UTC())
			if err != nil {
				log.Warn().Err(err).Msg("purge idempotency")
				continue
			}
			if n > 0 {
				log.Debug().Int64("rows", n).Msg("purged expired event ids")
			}
		}
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avirel/stagecast/internal/adapters/rtc"
	"github.com/avirel/stagecast/internal/adapters/storews"
	"github.com/avirel/stagecast/internal/app"
	"github.com/avirel/stagecast/internal/config"
	"github.com/avirel/stagecast/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.SessionID == "" || cfg.UserID == "" {
		log.Fatal().Msg("session_id and user_id are required")
	}

	store := storews.NewClient(cfg.StoreURL, domain.UserID(cfg.UserID))
	dialer := rtc.DefaultDialer()

	auth := func(ctx context.Context, role domain.Role) (string, string, error) {
		// The dev setup hands out one token; a production deployment mints
		// a role-scoped token per request.
		return cfg.MediaURL, cfg.RoomToken, nil
	}

	session := app.NewSession(store, store, dialer, auth, app.SessionConfig{
		SessionID:       domain.SessionID(cfg.SessionID),
		UserID:          domain.UserID(cfg.UserID),
		Role:            domain.Role(cfg.Role),
		QualityInterval: cfg.QualityInterval,
	}, app.Hooks{
		OnViewChange: func(view domain.LocalStageView) {
			log.Info().
				Int("pending", len(view.PendingRequests)).
				Bool("has_guest", view.CurrentGuest != nil).
				Bool("on_stage", view.AmOnStage).
				Msg("stage view changed")
		},
		OnQuality: func(_ domain.QualitySample, reading domain.QualityReading) {
			log.Info().Int("score", reading.Score).Str("label", string(reading.Label)).Msg("link quality")
		},
		OnMediaDown: func(err error) {
			log.Warn().Err(err).Msg("media session dropped; stage state intact")
		},
	})

	if err := session.Start(ctx); err != nil {
		log.Error().Err(err).Msg("session start")
	}
	defer session.Close()

	fmt.Fprintln(os.Stderr, "stagecast running, ctrl-c to exit")
	<-ctx.Done()
	log.Info().Msg("shutting down")
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"beatkeeper/internal/config"
	"beatkeeper/internal/discord"
	"beatkeeper/internal/logging"
	"beatkeeper/internal/playlist"
	"beatkeeper/internal/storage"
	v "beatkeeper/internal/version"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		fallback := logging.New("info", "")
		fallback.Fatal().Err(err).Msg("configuration error")
	}

	log := logging.New(cfg.LogLevel, cfg.LogFile)
	log.Info().Str("version", v.BuildDate).Msgf("starting %s", v.AppName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings, err := storage.New(cfg.StoragePath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("settings store init failed")
	}
	defer settings.Close()

	var playlists *playlist.Store
	if cfg.DatabaseURL != "" {
		db, err := playlist.NewPostgres(ctx, cfg.DatabaseURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}
		defer db.Close()

		playlists = playlist.NewStore(db, log)
		if err := playlists.Init(ctx); err != nil {
			log.Fatal().Err(err).Msg("database schema init failed")
		}
	} else {
		log.Info().Msg("DATABASE_URL not set, playlist commands disabled")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- discord.StartBot(ctx, cfg, settings, playlists, log)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("bot exited with error")
		}
		cancel()
	}

	log.Info().Msg("bot exited cleanly")
}

// Package discord wires the playback engine to the Discord gateway:
// slash commands in, embeds out, voice state changes tracked.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"beatkeeper/internal/config"
	"beatkeeper/internal/music/player"
	"beatkeeper/internal/music/resolver"
	"beatkeeper/internal/music/voice"
	"beatkeeper/internal/playlist"
	"beatkeeper/internal/storage"
	"beatkeeper/internal/version"
)

// Bot is the Discord frontend.
type Bot struct {
	dg       *discordgo.Session
	cfg      *config.Config
	settings *storage.Store
	registry *player.Registry
	store    *playlist.Store
	log      zerolog.Logger
}

// StartBot opens the gateway session and blocks until ctx is done.
// A nil playlists store just disables the playlist subcommands.
func StartBot(ctx context.Context, cfg *config.Config, settings *storage.Store, playlists *playlist.Store, log zerolog.Logger) error {
	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	b := &Bot{
		dg:       dg,
		cfg:      cfg,
		settings: settings,
		store:    playlists,
		log:      log,
	}

	var playlistStore player.PlaylistStore
	if playlists != nil {
		playlistStore = playlists
	}
	b.registry = player.NewRegistry(player.RegistryOptions{
		Resolver:    resolver.NewYouTube(log),
		Transport:   voice.NewDiscordTransport(dg, log),
		Playlists:   playlistStore,
		Log:         log,
		IdleTimeout: cfg.IdleTimeout,
		Bitrate:     cfg.AudioBitrate,
		BatchSize:   cfg.ResolveBatchSize,
	})

	b.configureIntents()
	dg.AddHandler(b.onReady)
	dg.AddHandler(b.onInteractionCreate)
	dg.AddHandler(b.onVoiceStateUpdate)

	if err := dg.Open(); err != nil {
		return fmt.Errorf("open Discord session: %w", err)
	}
	defer dg.Close()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, cleaning up")
	b.registry.DisposeAll()
	return nil
}

func (b *Bot) configureIntents() {
	b.dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.log.Info().
		Str("username", r.User.Username).
		Int("guilds", len(r.Guilds)).
		Msgf("%s is online", version.AppName)

	if err := b.registerCommands(); err != nil {
		b.log.Error().Err(err).Msg("slash command registration failed")
	}
}

package discord

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"beatkeeper/internal/music/player"
	"beatkeeper/internal/playlist"
)

const commandTimeout = 60 * time.Second

func (b *Bot) onInteractionCreate(s *discordgo.Session, e *discordgo.InteractionCreate) {
	if e.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := e.ApplicationCommandData()
	switch data.Name {
	case "music":
		b.handleMusic(s, e, data)
	case "music-settings":
		b.handleSettings(e, data)
	}
}

func (b *Bot) handleMusic(s *discordgo.Session, e *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	if e.Member == nil {
		b.respondText(e, "Music only works inside a server!", true)
		return
	}
	guildID := e.GuildID

	cfg := b.settings.Guild(guildID)
	if cfg.MusicChannelID != "" && cfg.MusicChannelID != e.ChannelID {
		b.respondText(e, fmt.Sprintf("Music commands live in <#%s>!", cfg.MusicChannelID), true)
		return
	}

	sub := data.Options[0]
	opts := optionMap(sub.Options)

	if requiresDJ(sub.Name) && cfg.DJRoleID != "" && !slices.Contains(e.Member.Roles, cfg.DJRoleID) {
		b.respondText(e, fmt.Sprintf("You need the <@&%s> role for that!", cfg.DJRoleID), true)
		return
	}

	switch sub.Name {
	case "play":
		b.handlePlay(e, opts["query"].StringValue())
	case "pause":
		b.withSession(e, func(sess *player.Session) { sess.Pause() })
	case "resume":
		b.withSession(e, func(sess *player.Session) { sess.Resume() })
	case "skip":
		b.withSession(e, func(sess *player.Session) { sess.Skip() })
	case "remove":
		pos := int(opts["position"].IntValue())
		b.withSession(e, func(sess *player.Session) { sess.RemoveTrack(pos - 1) })
	case "queue":
		b.handleQueue(e)
	case "save":
		b.handleSave(e, opts["name"].StringValue())
	case "load":
		b.handleLoad(e, opts["name"].StringValue())
	case "playlists":
		b.handlePlaylists(e)
	case "tracks":
		b.handlePlaylistTracks(e, opts["name"].StringValue())
	case "delete":
		b.handlePlaylistDelete(e, opts["name"].StringValue())
	}
}

// handlePlay gets or creates the guild session bound to the caller's
// voice channel and queues the track. The first track of a brand-new
// session resolves while the session creation lock is held.
func (b *Bot) handlePlay(e *discordgo.InteractionCreate, query string) {
	voiceChannel := b.userVoiceChannel(e.GuildID, e.Member.User.ID)
	if voiceChannel == "" {
		b.respondText(e, "Hop into a voice channel first!", true)
		return
	}
	b.respondText(e, "On it!", true)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		enqueue := func(sess *player.Session) error {
			return sess.Enqueue(ctx, query, e.Member.User.ID)
		}
		n := newChannelNotifier(b.dg, e.ChannelID, b.log)
		sess, created, err := b.registry.GetOrCreate(e.GuildID, voiceChannel, n, enqueue)
		if err != nil {
			b.log.Warn().Err(err).Str("guild", e.GuildID).Msg("session creation failed")
			return
		}
		if !created {
			if err := enqueue(sess); err != nil {
				b.log.Debug().Err(err).Str("guild", e.GuildID).Msg("enqueue refused")
			}
		}
	}()
}

// withSession runs fn against the guild's live session, or tells the
// user there is nothing playing.
func (b *Bot) withSession(e *discordgo.InteractionCreate, fn func(*player.Session)) {
	sess, ok := b.registry.Get(e.GuildID)
	if !ok {
		b.respondText(e, "Nothing is playing right now!", true)
		return
	}
	b.respondText(e, "Done!", true)
	fn(sess)
}

func (b *Bot) handleQueue(e *discordgo.InteractionCreate) {
	sess, ok := b.registry.Get(e.GuildID)
	if !ok {
		b.respondText(e, "Nothing is playing right now!", true)
		return
	}
	tracks, current := sess.QueueSnapshot()
	b.respondEmbed(e, &discordgo.MessageEmbed{
		Title:       "Queue",
		Description: formatQueue(tracks, current),
		Color:       colorInfo,
	}, false)
}

func (b *Bot) handleSave(e *discordgo.InteractionCreate, name string) {
	sess, ok := b.registry.Get(e.GuildID)
	if !ok {
		b.respondText(e, "Nothing is playing right now!", true)
		return
	}
	b.respondText(e, "Saving...", true)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := sess.SavePlaylist(ctx, name, e.Member.User.ID); err != nil {
			b.log.Debug().Err(err).Str("guild", e.GuildID).Msg("playlist save refused")
		}
	}()
}

func (b *Bot) handleLoad(e *discordgo.InteractionCreate, name string) {
	voiceChannel := b.userVoiceChannel(e.GuildID, e.Member.User.ID)
	if voiceChannel == "" {
		b.respondText(e, "Hop into a voice channel first!", true)
		return
	}
	b.respondText(e, "On it!", true)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		load := func(sess *player.Session) error {
			return sess.LoadPlaylist(ctx, name)
		}
		n := newChannelNotifier(b.dg, e.ChannelID, b.log)
		sess, created, err := b.registry.GetOrCreate(e.GuildID, voiceChannel, n, load)
		if err != nil {
			b.log.Warn().Err(err).Str("guild", e.GuildID).Msg("session creation failed")
			return
		}
		if !created {
			if err := load(sess); err != nil {
				b.log.Debug().Err(err).Str("guild", e.GuildID).Msg("playlist load refused")
			}
		}
	}()
}

func (b *Bot) handlePlaylists(e *discordgo.InteractionCreate) {
	if b.store == nil {
		b.respondText(e, "Saved playlists aren't set up on this bot!", true)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	playlists, err := b.store.List(ctx)
	if err != nil {
		b.log.Error().Err(err).Msg("playlist listing failed")
		b.respondText(e, "Couldn't fetch the playlists... try again!", true)
		return
	}
	if len(playlists) == 0 {
		b.respondText(e, "No playlists saved yet. Make one with `/music save`!", false)
		return
	}

	var sb strings.Builder
	for i, p := range playlists {
		fmt.Fprintf(&sb, "`%2d.` **%s** (by <@%s>)\n", i+1, p.Name, p.CreatedBy)
	}
	b.respondEmbed(e, &discordgo.MessageEmbed{
		Title:       "Saved playlists",
		Description: sb.String(),
		Color:       colorInfo,
	}, false)
}

func (b *Bot) handlePlaylistTracks(e *discordgo.InteractionCreate, name string) {
	if b.store == nil {
		b.respondText(e, "Saved playlists aren't set up on this bot!", true)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	pl, ok := b.findOnePlaylist(ctx, e, name)
	if !ok {
		return
	}
	tracks, err := b.store.Tracks(ctx, pl.ID)
	if err != nil {
		b.log.Error().Err(err).Int64("playlist_id", pl.ID).Msg("playlist tracks fetch failed")
		b.respondText(e, "Couldn't fetch that playlist... try again!", true)
		return
	}

	var sb strings.Builder
	for i, t := range tracks {
		fmt.Fprintf(&sb, "`%2d.` https://youtu.be/%s\n", i+1, t.VideoID)
	}
	if sb.Len() == 0 {
		sb.WriteString("This playlist is empty.")
	}
	b.respondEmbed(e, &discordgo.MessageEmbed{
		Title:       pl.Name,
		Description: sb.String(),
		Color:       colorInfo,
	}, false)
}

func (b *Bot) handlePlaylistDelete(e *discordgo.InteractionCreate, name string) {
	if b.store == nil {
		b.respondText(e, "Saved playlists aren't set up on this bot!", true)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	pl, ok := b.findOnePlaylist(ctx, e, name)
	if !ok {
		return
	}
	if err := b.store.Delete(ctx, pl.ID); err != nil {
		b.log.Error().Err(err).Int64("playlist_id", pl.ID).Msg("playlist delete failed")
		b.respondText(e, "Couldn't delete that playlist... try again!", true)
		return
	}
	b.respondText(e, fmt.Sprintf("Deleted **%s**.", pl.Name), false)
}

// findOnePlaylist resolves a user-typed name to exactly one playlist,
// responding to the interaction itself on no match or several.
func (b *Bot) findOnePlaylist(ctx context.Context, e *discordgo.InteractionCreate, name string) (playlist.Playlist, bool) {
	matches, err := b.store.FindByName(ctx, name)
	if err != nil {
		b.log.Error().Err(err).Str("playlist", name).Msg("playlist lookup failed")
		b.respondText(e, "Couldn't look that playlist up... try again!", true)
		return playlist.Playlist{}, false
	}
	switch len(matches) {
	case 0:
		b.respondText(e, fmt.Sprintf("No playlist goes by **%s**!", name), true)
		return playlist.Playlist{}, false
	case 1:
		return matches[0], true
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.Name
		}
		b.respondText(e, fmt.Sprintf("Several playlists match: %s. Be more specific!", strings.Join(names, ", ")), true)
		return playlist.Playlist{}, false
	}
}

func (b *Bot) handleSettings(e *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	if e.Member == nil {
		b.respondText(e, "Settings only work inside a server!", true)
		return
	}
	sub := data.Options[0]
	opts := optionMap(sub.Options)

	switch sub.Name {
	case "channel":
		if opt, ok := opts["channel"]; ok {
			ch := opt.ChannelValue(nil)
			b.settings.SetMusicChannel(e.GuildID, ch.ID)
			b.respondText(e, fmt.Sprintf("Music commands are now locked to <#%s>.", ch.ID), false)
		} else {
			b.settings.SetMusicChannel(e.GuildID, "")
			b.respondText(e, "Music commands work in every channel again.", false)
		}
	case "dj-role":
		if opt, ok := opts["role"]; ok {
			role := opt.RoleValue(nil, "")
			b.settings.SetDJRole(e.GuildID, role.ID)
			b.respondText(e, fmt.Sprintf("Queue management now needs the <@&%s> role.", role.ID), false)
		} else {
			b.settings.SetDJRole(e.GuildID, "")
			b.respondText(e, "Everyone can manage the queue again.", false)
		}
	}
}

// requiresDJ lists the subcommands gated behind the DJ role when one
// is configured. Playing and looking at the queue stay open.
func requiresDJ(sub string) bool {
	switch sub {
	case "skip", "remove", "load", "save", "delete":
		return true
	}
	return false
}

// userVoiceChannel finds which voice channel a user currently sits in,
// empty when they are not in voice.
func (b *Bot) userVoiceChannel(guildID, userID string) string {
	guild, err := b.dg.State.Guild(guildID)
	if err != nil {
		return ""
	}
	for _, vs := range guild.VoiceStates {
		if vs.UserID == userID {
			return vs.ChannelID
		}
	}
	return ""
}

func optionMap(opts []*discordgo.ApplicationCommandInteractionDataOption) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	m := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(opts))
	for _, o := range opts {
		m[o.Name] = o
	}
	return m
}

func (b *Bot) respondText(e *discordgo.InteractionCreate, msg string, ephemeral bool) {
	var flags discordgo.MessageFlags
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	err := b.dg.InteractionRespond(e.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: msg, Flags: flags},
	})
	if err != nil {
		b.log.Warn().Err(err).Msg("interaction response failed")
	}
}

func (b *Bot) respondEmbed(e *discordgo.InteractionCreate, embed *discordgo.MessageEmbed, ephemeral bool) {
	var flags discordgo.MessageFlags
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	err := b.dg.InteractionRespond(e.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  flags,
		},
	})
	if err != nil {
		b.log.Warn().Err(err).Msg("interaction response failed")
	}
}

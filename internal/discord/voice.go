package discord

import (
	"github.com/bwmarrin/discordgo"
)

// onVoiceStateUpdate keeps sessions in step with the voice channel:
// it notices when the bot is moved or kicked, and tells the session
// whether any humans are still around.
func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	sess, ok := b.registry.Get(v.GuildID)
	if !ok {
		return
	}

	if v.UserID == s.State.User.ID {
		switch {
		case v.ChannelID == "":
			// Kicked out of voice entirely.
			b.log.Info().Str("guild", v.GuildID).Msg("disconnected from voice by the server")
			sess.Dispose()
			return
		case v.ChannelID != sess.VoiceChannel():
			// An admin dragged the bot somewhere else; follow along.
			b.log.Info().Str("guild", v.GuildID).Str("channel", v.ChannelID).Msg("moved to another voice channel")
			sess.SetVoiceChannel(v.ChannelID)
		}
	}

	sess.HumanPresence(b.humansInChannel(v.GuildID, sess.VoiceChannel()))
}

// humansInChannel reports whether any non-bot member sits in the
// given voice channel.
func (b *Bot) humansInChannel(guildID, channelID string) bool {
	guild, err := b.dg.State.Guild(guildID)
	if err != nil {
		// Without state we can't tell; assume someone is listening
		// rather than kicking off the disconnect timer on a glitch.
		return true
	}
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID {
			continue
		}
		member, err := b.dg.State.Member(guildID, vs.UserID)
		if err != nil || member.User == nil {
			// Unknown member, count them as a listener rather than
			// risk disconnecting on stale state.
			return true
		}
		if !member.User.Bot {
			return true
		}
	}
	return false
}

package discord

import (
	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

// Embed accent colors, one per notification flavor.
const (
	colorSuccess = 0x09776c
	colorInfo    = 0x3098b8
	colorError   = 0xd3312e
)

// channelNotifier posts session notifications as embeds into the text
// channel the session was started from.
type channelNotifier struct {
	dg        *discordgo.Session
	channelID string
	log       zerolog.Logger
}

func newChannelNotifier(dg *discordgo.Session, channelID string, log zerolog.Logger) *channelNotifier {
	return &channelNotifier{dg: dg, channelID: channelID, log: log}
}

func (n *channelNotifier) Success(msg string) { n.send(msg, colorSuccess) }
func (n *channelNotifier) Notify(msg string)  { n.send(msg, colorInfo) }
func (n *channelNotifier) Error(msg string)   { n.send(msg, colorError) }

func (n *channelNotifier) send(msg string, color int) {
	_, err := n.dg.ChannelMessageSendEmbed(n.channelID, &discordgo.MessageEmbed{
		Description: msg,
		Color:       color,
	})
	if err != nil {
		n.log.Warn().Err(err).Str("channel", n.channelID).Msg("notification send failed")
	}
}

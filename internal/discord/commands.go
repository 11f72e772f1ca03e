package discord

import "github.com/bwmarrin/discordgo"

// slashCommands is everything the bot registers. A single /music
// command carries the playback surface as subcommands; settings get
// their own admin-gated command.
func slashCommands(playlistsEnabled bool) []*discordgo.ApplicationCommand {
	music := &discordgo.ApplicationCommand{
		Name:        "music",
		Description: "Play music in your voice channel",
		Type:        discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "play",
				Description: "Queue a track by link or search words",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "query",
						Description: "YouTube link or song name",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "pause",
				Description: "Pause the current track",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "resume",
				Description: "Resume a paused track",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "skip",
				Description: "Jump to the next track",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "remove",
				Description: "Remove a track from the queue",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "position",
						Description: "Queue position as shown by /music queue",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "queue",
				Description: "Show what's queued up",
			},
		},
	}

	if playlistsEnabled {
		music.Options = append(music.Options,
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "save",
				Description: "Save the current queue as a playlist",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "name",
						Description: "Playlist name (3-50 characters)",
						Required:    true,
					},
				},
			},
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "load",
				Description: "Replace the queue with a saved playlist",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "name",
						Description: "Playlist name, or part of it",
						Required:    true,
					},
				},
			},
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "playlists",
				Description: "List all saved playlists",
			},
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "tracks",
				Description: "Show the tracks of a saved playlist",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "name",
						Description: "Playlist name",
						Required:    true,
					},
				},
			},
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "delete",
				Description: "Delete a saved playlist",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "name",
						Description: "Playlist name",
						Required:    true,
					},
				},
			},
		)
	}

	adminPerm := int64(discordgo.PermissionManageServer)
	settings := &discordgo.ApplicationCommand{
		Name:                     "music-settings",
		Description:              "Configure the music bot for this server",
		Type:                     discordgo.ChatApplicationCommand,
		DefaultMemberPermissions: &adminPerm,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "channel",
				Description: "Restrict music commands to one text channel",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionChannel,
						Name:        "channel",
						Description: "Leave empty to allow every channel",
						Required:    false,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "dj-role",
				Description: "Require a role for skip/remove/playlist management",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionRole,
						Name:        "role",
						Description: "Leave empty to let everyone manage the queue",
						Required:    false,
					},
				},
			},
		},
	}

	return []*discordgo.ApplicationCommand{music, settings}
}

func (b *Bot) registerCommands() error {
	cmds := slashCommands(b.store != nil)
	_, err := b.dg.ApplicationCommandBulkOverwrite(b.dg.State.User.ID, "", cmds)
	return err
}

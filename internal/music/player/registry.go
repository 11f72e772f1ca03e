package player

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"beatkeeper/internal/music/resolver"
	"beatkeeper/internal/music/voice"
	"beatkeeper/internal/notify"
)

// RegistryOptions carries the shared dependencies every session gets.
type RegistryOptions struct {
	Resolver  resolver.Resolver
	Transport voice.Transport
	Playlists PlaylistStore
	Log       zerolog.Logger

	IdleTimeout time.Duration
	Bitrate     int
	BatchSize   int
}

// Registry hands out one Session per guild. Creation is serialized
// globally: a caller asking for a new session while another creation
// is still resolving its first track waits its turn, so two commands
// landing at once never race two sessions into the same guild.
type Registry struct {
	opts RegistryOptions

	mu       sync.Mutex
	sessions map[string]*Session

	createMu sync.Mutex
}

func NewRegistry(opts RegistryOptions) *Registry {
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Get returns the live session for a guild, if any.
func (r *Registry) Get(guildID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[guildID]
	return s, ok
}

// GetOrCreate returns the guild's session, creating one bound to the
// given voice channel when none exists. The returned flag says whether
// this call created it. init runs on the fresh session under the
// creation lock, before it becomes visible to other callers; an init
// error throws the session away. The lock is always released, init
// failing included.
func (r *Registry) GetOrCreate(guildID, voiceChannelID string, n notify.Notifier, init func(*Session) error) (*Session, bool, error) {
	r.mu.Lock()
	if s, ok := r.sessions[guildID]; ok {
		r.mu.Unlock()
		return s, false, nil
	}
	r.mu.Unlock()

	r.createMu.Lock()
	defer r.createMu.Unlock()

	// Someone else may have finished creating while we waited.
	r.mu.Lock()
	if s, ok := r.sessions[guildID]; ok {
		r.mu.Unlock()
		return s, false, nil
	}
	r.mu.Unlock()

	s := NewSession(Options{
		GuildID:      guildID,
		VoiceChannel: voiceChannelID,
		Resolver:     r.opts.Resolver,
		Transport:    r.opts.Transport,
		Notifier:     n,
		Playlists:    r.opts.Playlists,
		Log:          r.opts.Log,
		IdleTimeout:  r.opts.IdleTimeout,
		Bitrate:      r.opts.Bitrate,
		BatchSize:    r.opts.BatchSize,
	})
	s.onDispose = func() { r.Remove(guildID) }

	if init != nil {
		if err := init(s); err != nil {
			s.Dispose()
			return nil, false, err
		}
	}

	r.mu.Lock()
	r.sessions[guildID] = s
	r.mu.Unlock()
	return s, true, nil
}

// Remove forgets a guild's session. Called from the session's own
// dispose hook; removing an unknown guild is a no-op.
func (r *Registry) Remove(guildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, guildID)
}

// DisposeAll tears down every live session, used at shutdown.
func (r *Registry) DisposeAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Dispose()
	}
}

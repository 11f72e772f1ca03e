// Package storage keeps per-guild bot settings in a JSON file with
// atomic writes and periodic background saves.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const autoSaveInterval = 10 * time.Second

// Settings is everything a guild can configure about the bot.
type Settings struct {
	// MusicChannelID restricts music commands to one text channel.
	// Empty means any channel is fine.
	MusicChannelID string `json:"music_channel_id,omitempty"`

	// DJRoleID, when set, limits skip/remove/playlist management to
	// members holding the role.
	DJRoleID string `json:"dj_role_id,omitempty"`
}

// Store is a thread-safe settings store backed by one JSON file.
type Store struct {
	path string
	log  zerolog.Logger

	mu     sync.Mutex
	guilds map[string]Settings
	dirty  bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New loads (or creates) the settings file and starts the auto-save
// loop. Close flushes pending changes.
func New(path string, log zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("storage path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	s := &Store{
		path:   path,
		log:    log,
		guilds: make(map[string]Settings),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &s.guilds); err != nil {
			return nil, fmt.Errorf("parse settings file %s: %w", path, err)
		}
	case os.IsNotExist(err):
		if err := s.writeFileAtomic([]byte("{}\n")); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("read settings file: %w", err)
	}

	go s.autoSave()
	return s, nil
}

// Guild returns a guild's settings, zero-valued when nothing was set.
func (s *Store) Guild(guildID string) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guilds[guildID]
}

// SetMusicChannel binds music commands to a text channel. An empty id
// lifts the restriction.
func (s *Store) SetMusicChannel(guildID, channelID string) {
	s.update(guildID, func(g *Settings) { g.MusicChannelID = channelID })
}

// SetDJRole sets the role required for queue management commands.
func (s *Store) SetDJRole(guildID, roleID string) {
	s.update(guildID, func(g *Settings) { g.DJRoleID = roleID })
}

func (s *Store) update(guildID string, fn func(*Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.guilds[guildID]
	fn(&g)
	s.guilds[guildID] = g
	s.dirty = true
}

// Close stops the auto-save loop and flushes outstanding changes.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return s.save()
}

func (s *Store) autoSave() {
	defer close(s.done)
	ticker := time.NewTicker(autoSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.save(); err != nil {
				s.log.Error().Err(err).Msg("settings auto-save failed")
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Store) save() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	data, err := json.MarshalIndent(s.guilds, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("marshal settings: %w", err)
	}
	s.dirty = false
	s.mu.Unlock()

	return s.writeFileAtomic(append(data, '\n'))
}

// writeFileAtomic writes through a temp file and rename so a crash
// mid-write never leaves a torn settings file behind.
func (s *Store) writeFileAtomic(data []byte) error {
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace settings file: %w", err)
	}
	return nil
}

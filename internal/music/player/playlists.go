package player

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"beatkeeper/internal/music/queue"
	"beatkeeper/internal/music/resolver"
	"beatkeeper/internal/playlist"
)

// SavePlaylist stores the current queue under name.
func (s *Session) SavePlaylist(ctx context.Context, name, createdBy string) error {
	if s.playlists == nil {
		s.notifier.Error("Saved playlists aren't set up on this bot!")
		return ErrNoPlaylistStore
	}
	if err := playlist.ValidateName(name); err != nil {
		s.notifier.Error("Playlist names need to be between 3 and 50 characters!")
		return err
	}

	s.mu.Lock()
	tracks := s.queue.Tracks()
	s.mu.Unlock()
	if len(tracks) == 0 {
		s.notifier.Error("The queue is empty, there's nothing to save!")
		return ErrEmptyQueue
	}

	items := make([]playlist.Track, len(tracks))
	for i, t := range tracks {
		items[i] = playlist.Track{VideoID: t.VideoID, AddedBy: t.AddedBy, Position: i}
	}
	if _, err := s.playlists.Create(ctx, name, createdBy, items); err != nil {
		if errors.Is(err, playlist.ErrNameTaken) {
			s.notifier.Error(fmt.Sprintf("A playlist named **%s** already exists!", name))
		} else {
			s.log.Error().Err(err).Str("playlist", name).Msg("playlist save failed")
			s.notifier.Error("Couldn't save the playlist... try again!")
		}
		return err
	}

	s.notifier.Success(fmt.Sprintf("Saved the queue as **%s** (%d tracks).", name, len(items)))
	return nil
}

// LoadPlaylist replaces the queue with the named playlist and starts
// playing as soon as the first track has a stream link, while the rest
// keep resolving in the background.
func (s *Session) LoadPlaylist(ctx context.Context, name string) error {
	if s.playlists == nil {
		s.notifier.Error("Saved playlists aren't set up on this bot!")
		return ErrNoPlaylistStore
	}

	matches, err := s.playlists.FindByName(ctx, name)
	if err != nil {
		s.log.Error().Err(err).Str("playlist", name).Msg("playlist lookup failed")
		s.notifier.Error("Couldn't look that playlist up... try again!")
		return err
	}
	switch {
	case len(matches) == 0:
		s.notifier.Error(fmt.Sprintf("No playlist goes by **%s**!", name))
		return playlist.ErrNotFound
	case len(matches) > 1:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.Name
		}
		s.notifier.Error(fmt.Sprintf("Several playlists match: %s. Be more specific!", strings.Join(names, ", ")))
		return playlist.ErrAmbiguousName
	}
	pl := matches[0]

	items, err := s.playlists.Tracks(ctx, pl.ID)
	if err != nil {
		s.log.Error().Err(err).Int64("playlist_id", pl.ID).Msg("playlist tracks fetch failed")
		s.notifier.Error("Couldn't look that playlist up... try again!")
		return err
	}
	if len(items) == 0 {
		s.notifier.Error(fmt.Sprintf("**%s** is empty!", pl.Name))
		return ErrEmptyQueue
	}

	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	if s.batch != nil {
		s.batch.Stop()
	}
	b := resolver.NewBatch(s.resolver, s.batchSize)
	s.batch = b
	s.generation++
	s.loadEpoch++
	s.resumeAt = -1
	d := s.disp
	s.disp = nil
	s.playingID = ""
	s.queue.Replace(nil)
	if s.state != StateConnecting {
		s.state = StateIdle
	}
	s.mu.Unlock()

	if d != nil {
		d.End()
	}
	s.pipeline.Stop()

	s.notifier.Notify(fmt.Sprintf("Loading **%s** (%d tracks)...", pl.Name, len(items)))
	go s.consumeBatch(b, items)
	return nil
}

// consumeBatch feeds resolved playlist tracks into the queue in their
// saved order and kicks playback off on the first one that makes it.
func (s *Session) consumeBatch(b *resolver.Batch, items []playlist.Track) {
	refs := make([]string, len(items))
	for i, it := range items {
		refs[i] = it.VideoID
	}

	failed := make(map[resolver.ErrorKind]int)
	for res := range b.Run(context.Background(), refs) {
		if res.Err != nil {
			failed[resolver.KindOf(res.Err)]++
			s.log.Warn().Err(res.Err).Str("ref", res.Ref).Msg("playlist track resolution failed")
			continue
		}

		s.mu.Lock()
		if s.state == StateDisposed || s.batch != b {
			s.mu.Unlock()
			b.Stop()
			return
		}
		pos, err := s.queue.Add(queue.Track{
			VideoID:         res.Track.VideoID,
			StreamURL:       res.Track.StreamURL,
			StreamExpiresAt: res.Track.ExpiresAt,
			Title:           res.Track.Title,
			Duration:        res.Track.Duration,
			AddedBy:         items[res.Index].AddedBy,
		})
		if err != nil {
			s.mu.Unlock()
			continue
		}
		start := s.state == StateIdle && s.queue.Current() == -1
		startAt := pos
		if start {
			if s.resumeAt >= 0 && s.resumeAt < pos {
				startAt = s.resumeAt
			}
			s.resumeAt = -1
			s.state = StateConnecting
			s.queue.SetCurrent(startAt)
		}
		s.mu.Unlock()

		if start {
			s.queueIdle.Stop()
			go s.playFrom(startAt)
		}
	}

	if len(failed) > 0 {
		s.notifier.Notify(loadFailureNotice(failed))
	}

	s.mu.Lock()
	if s.batch == b {
		s.batch = nil
	}
	s.mu.Unlock()
}

// Package queue holds the ordered track list for one playback session.
//
// A Queue is not safe for concurrent use on its own: it is owned and locked
// by the session that created it, and nothing else mutates it.
package queue

import (
	"errors"
	"time"
)

var (
	ErrDuplicateTrack  = errors.New("track is already in the queue")
	ErrInvalidPosition = errors.New("position does not exist in the queue")
)

// Track is one playable unit. StreamURL and StreamExpiresAt are a cached
// resolver result; both are cleared after the track finishes or fails so a
// stale link is never reused.
type Track struct {
	VideoID         string
	StreamURL       string
	StreamExpiresAt time.Time
	Title           string
	Duration        time.Duration
	AddedBy         string
}

// Queue is a FIFO track list with a pointer to the playing slot.
// current is -1 while nothing is playing.
type Queue struct {
	tracks  []Track
	current int
}

func New() *Queue {
	return &Queue{current: -1}
}

// Add appends a track. Tracks are unique by VideoID within one queue.
// Returns the position the track landed at.
func (q *Queue) Add(t Track) (int, error) {
	if q.Contains(t.VideoID) {
		return 0, ErrDuplicateTrack
	}
	q.tracks = append(q.tracks, t)
	return len(q.tracks) - 1, nil
}

func (q *Queue) Contains(videoID string) bool {
	return q.IndexOf(videoID) >= 0
}

// IndexOf returns the position of the track with the given id, or -1.
func (q *Queue) IndexOf(videoID string) int {
	for i := range q.tracks {
		if q.tracks[i].VideoID == videoID {
			return i
		}
	}
	return -1
}

// RemoveAt deletes the track at pos and reports whether the playing slot was
// removed. Removing a position before the playing slot shifts the pointer
// down so it keeps referring to the same logical track; removing the playing
// slot itself also shifts it down, so that advancing by one lands on the
// element now occupying the removed position.
func (q *Queue) RemoveAt(pos int) (Track, bool, error) {
	if pos < 0 || pos >= len(q.tracks) {
		return Track{}, false, ErrInvalidPosition
	}

	removed := q.tracks[pos]
	wasCurrent := pos == q.current

	q.tracks = append(q.tracks[:pos], q.tracks[pos+1:]...)
	if pos <= q.current {
		q.current--
	}

	return removed, wasCurrent, nil
}

func (q *Queue) Len() int {
	return len(q.tracks)
}

func (q *Queue) Current() int {
	return q.current
}

func (q *Queue) SetCurrent(i int) {
	q.current = i
}

// Track returns a pointer into the queue, or nil when i is out of range.
func (q *Queue) Track(i int) *Track {
	if i < 0 || i >= len(q.tracks) {
		return nil
	}
	return &q.tracks[i]
}

// Tracks returns a copy of the queue contents.
func (q *Queue) Tracks() []Track {
	out := make([]Track, len(q.tracks))
	copy(out, q.tracks)
	return out
}

// TotalDuration sums track durations on demand. The queue is read far less
// often than it is mutated around playback, so nothing is maintained
// incrementally.
func (q *Queue) TotalDuration() time.Duration {
	var total time.Duration
	for i := range q.tracks {
		total += q.tracks[i].Duration
	}
	return total
}

// ClearStream drops the cached stream link of the track at i, if any.
func (q *Queue) ClearStream(i int) {
	if t := q.Track(i); t != nil {
		t.StreamURL = ""
		t.StreamExpiresAt = time.Time{}
	}
}

// Replace swaps in a whole new track list, as a playlist load does.
func (q *Queue) Replace(tracks []Track) {
	q.tracks = tracks
	q.current = -1
}

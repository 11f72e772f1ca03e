// Package playlist persists named track lists in PostgreSQL.
package playlist

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/uptrace/bun"
)

const (
	MinNameLen = 3
	MaxNameLen = 50
)

var (
	ErrNotFound      = errors.New("playlist not found")
	ErrAmbiguousName = errors.New("name matches more than one playlist")
	ErrNameTaken     = errors.New("playlist name already in use")
	ErrInvalidName   = errors.New("playlist name must be 3 to 50 characters")
)

// Playlist is a saved queue, owned by whoever saved it.
type Playlist struct {
	bun.BaseModel `bun:"table:playlists,alias:p"`

	ID        int64     `bun:"id,pk,autoincrement"`
	Name      string    `bun:"name,notnull,unique"`
	CreatedBy string    `bun:"created_by,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// Track is one entry of a saved playlist. Only the video id is stored;
// stream links expire long before anyone reloads a playlist, so they
// are resolved fresh on load.
type Track struct {
	bun.BaseModel `bun:"table:playlist_tracks,alias:pt"`

	ID         int64  `bun:"id,pk,autoincrement"`
	PlaylistID int64  `bun:"playlist_id,notnull"`
	VideoID    string `bun:"video_id,notnull"`
	AddedBy    string `bun:"added_by"`
	Position   int    `bun:"position,notnull"`
}

// ValidateName checks the user-facing length rule. Length counts
// runes, not bytes, so names in non-latin scripts are not penalized.
func ValidateName(name string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n < MinNameLen || n > MaxNameLen {
		return ErrInvalidName
	}
	return nil
}

package playlist

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
)

// Store reads and writes playlists through bun.
type Store struct {
	db  *bun.DB
	log zerolog.Logger
}

func NewStore(db *bun.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log}
}

// NewPostgres opens a pooled bun connection and verifies it with a
// ping. Query logging goes through bundebug when the log level allows.
func NewPostgres(ctx context.Context, dsn string, log zerolog.Logger) (*bun.DB, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	sqldb.SetMaxOpenConns(8)
	sqldb.SetMaxIdleConns(4)
	sqldb.SetConnMaxLifetime(5 * time.Minute)

	db := bun.NewDB(sqldb, pgdialect.New())
	if log.GetLevel() <= zerolog.DebugLevel {
		db.AddQueryHook(bundebug.NewQueryHook(
			bundebug.WithVerbose(true),
			bundebug.FromEnv("BUNDEBUG"),
		))
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	return db, nil
}

// Init creates the playlist tables if they are missing.
func (s *Store) Init(ctx context.Context) error {
	models := []any{(*Playlist)(nil), (*Track)(nil)}
	for _, m := range models {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	_, err := s.db.NewCreateIndex().
		Model((*Track)(nil)).
		Index("playlist_tracks_playlist_id_idx").
		Column("playlist_id").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

// Create stores a playlist with its tracks in one transaction and
// returns the new id. Names are unique case-insensitively.
func (s *Store) Create(ctx context.Context, name, createdBy string, tracks []Track) (int64, error) {
	name = strings.TrimSpace(name)
	if err := ValidateName(name); err != nil {
		return 0, err
	}

	var id int64
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().
			Model((*Playlist)(nil)).
			Where("lower(name) = lower(?)", name).
			Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return ErrNameTaken
		}

		p := &Playlist{Name: name, CreatedBy: createdBy, CreatedAt: time.Now()}
		if _, err := tx.NewInsert().Model(p).Returning("id").Exec(ctx); err != nil {
			return err
		}
		for i := range tracks {
			tracks[i].PlaylistID = p.ID
			tracks[i].Position = i
		}
		if len(tracks) > 0 {
			if _, err := tx.NewInsert().Model(&tracks).Exec(ctx); err != nil {
				return err
			}
		}
		id = p.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.log.Info().Int64("playlist_id", id).Str("name", name).Int("tracks", len(tracks)).Msg("playlist saved")
	return id, nil
}

// Delete removes a playlist and its tracks.
func (s *Store) Delete(ctx context.Context, id int64) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*Track)(nil)).
			Where("playlist_id = ?", id).
			Exec(ctx); err != nil {
			return err
		}
		res, err := tx.NewDelete().
			Model((*Playlist)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// List returns every playlist, sorted by name.
func (s *Store) List(ctx context.Context) ([]Playlist, error) {
	var playlists []Playlist
	err := s.db.NewSelect().
		Model(&playlists).
		Order("name ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list playlists: %w", err)
	}
	return playlists, nil
}

// FindByName looks a playlist up by what the user typed: an exact
// case-insensitive match wins outright, otherwise every playlist whose
// name contains the text is returned and the caller decides what to do
// with multiple hits.
func (s *Store) FindByName(ctx context.Context, name string) ([]Playlist, error) {
	name = strings.TrimSpace(name)

	var exact []Playlist
	err := s.db.NewSelect().
		Model(&exact).
		Where("lower(name) = lower(?)", name).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("find playlist: %w", err)
	}
	if len(exact) > 0 {
		return exact, nil
	}

	var fuzzy []Playlist
	err = s.db.NewSelect().
		Model(&fuzzy).
		Where("name ILIKE ?", "%"+name+"%").
		Order("name ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("find playlist: %w", err)
	}
	return fuzzy, nil
}

// Tracks returns a playlist's entries in their saved order.
func (s *Store) Tracks(ctx context.Context, playlistID int64) ([]Track, error) {
	var tracks []Track
	err := s.db.NewSelect().
		Model(&tracks).
		Where("playlist_id = ?", playlistID).
		Order("position ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("playlist tracks: %w", err)
	}
	return tracks, nil
}

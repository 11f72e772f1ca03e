package player

import (
	"context"
	"time"

	"beatkeeper/internal/music/queue"
	"beatkeeper/internal/music/resolver"
)

// Stream links signed by YouTube stop working at their expiry time, and a
// track that has been sitting in the queue for an hour is usually past it.
// FreshnessMargin is how close to the expiry we still trust a link: a link
// within the margin is re-resolved before ffmpeg ever sees it, so playback
// does not start on a URL that dies mid-handshake.
const FreshnessMargin = 40 * time.Second

// LinkFreshnessGuard decides whether a track's cached stream link is still
// usable and re-resolves it when it is not. It works on a copy of the
// track; the caller owns writing the refreshed link back.
type LinkFreshnessGuard struct {
	resolver resolver.Resolver
	now      func() time.Time
}

func NewLinkFreshnessGuard(r resolver.Resolver) *LinkFreshnessGuard {
	return &LinkFreshnessGuard{resolver: r, now: time.Now}
}

// Fresh reports whether the track can be played without re-resolving.
// A track with no link at all is stale. A link without a recorded expiry
// is trusted as-is, matching links whose expire parameter could not be
// read at resolve time.
func (g *LinkFreshnessGuard) Fresh(t *queue.Track) bool {
	if t.StreamURL == "" {
		return false
	}
	if t.StreamExpiresAt.IsZero() {
		return true
	}
	return g.now().Before(t.StreamExpiresAt.Add(-FreshnessMargin))
}

// Refresh resolves the track again and returns a copy carrying the new
// stream link and expiry. The input track is not modified.
func (g *LinkFreshnessGuard) Refresh(ctx context.Context, t queue.Track) (queue.Track, error) {
	info, err := g.resolver.Resolve(ctx, t.VideoID)
	if err != nil {
		return t, err
	}
	t.StreamURL = info.StreamURL
	t.StreamExpiresAt = info.ExpiresAt
	if t.Title == "" {
		t.Title = info.Title
	}
	if t.Duration == 0 {
		t.Duration = info.Duration
	}
	return t, nil
}

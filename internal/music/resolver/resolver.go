// Package resolver turns track references into playable stream descriptors.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a resolution failure so callers can pick a
// user-facing message without matching on error strings.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindUnavailable
	KindPrivate
	KindRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindPrivate:
		return "private"
	case KindRateLimited:
		return "rate limited"
	default:
		return "other"
	}
}

// ResolveError wraps a failure for one specific reference.
type ResolveError struct {
	Kind ErrorKind
	Ref  string
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %q: %s: %v", e.Ref, e.Kind, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// KindOf extracts the kind from err, defaulting to KindOther for anything
// that is not a *ResolveError.
func KindOf(err error) ErrorKind {
	var re *ResolveError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindOther
}

// TrackInfo is the resolver output: metadata plus a time-limited direct
// audio stream URL. ExpiresAt is zero when the source did not declare one.
type TrackInfo struct {
	VideoID   string
	Title     string
	Duration  time.Duration
	StreamURL string
	ExpiresAt time.Time
}

// Resolver is the contract the playback engine depends on. Implementations
// must return *ResolveError for typed failures.
type Resolver interface {
	// Resolve accepts a video URL, a bare video id, or a search query.
	Resolve(ctx context.Context, ref string) (*TrackInfo, error)
}

package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	youtube "github.com/kkdai/youtube/v2"
	"github.com/ppalone/ytsearch"
	"github.com/rs/zerolog"

	"beatkeeper/pkg/ratelimit"
)

// Stream links without a declared expiry are assumed to last about six
// hours, which is what YouTube reports in streamingData for typical videos.
const fallbackLinkTTL = 21500 * time.Second

var videoIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)

// YouTube resolves references against YouTube: direct video URLs, bare
// video ids, and free-text search queries.
type YouTube struct {
	client *youtube.Client
	search *ytsearch.Client
	lim    *ratelimit.Adaptive
	log    zerolog.Logger

	now func() time.Time
}

func NewYouTube(log zerolog.Logger) *YouTube {
	return &YouTube{
		client: &youtube.Client{
			HTTPClient: &http.Client{Timeout: 15 * time.Second},
		},
		search: ytsearch.NewClient(nil),
		lim:    ratelimit.NewAdaptive(5, 1, 20, 1, 0.5),
		log:    log.With().Str("component", "resolver").Logger(),
		now:    time.Now,
	}
}

// Resolve implements Resolver.
func (y *YouTube) Resolve(ctx context.Context, ref string) (*TrackInfo, error) {
	ref = strings.TrimSpace(ref)

	videoID, err := y.videoIDFor(ctx, ref)
	if err != nil {
		return nil, err
	}

	if err := y.lim.Wait(ctx); err != nil {
		return nil, &ResolveError{Kind: KindOther, Ref: ref, Err: err}
	}

	video, err := y.client.GetVideoContext(ctx, videoID)
	if err != nil {
		return nil, y.classify(ref, err)
	}

	formats := video.Formats.WithAudioChannels()
	if len(formats) == 0 {
		return nil, &ResolveError{Kind: KindUnavailable, Ref: ref, Err: errors.New("no audio formats")}
	}
	best := &formats[0]
	for i := range formats {
		if formats[i].Bitrate > best.Bitrate {
			best = &formats[i]
		}
	}

	streamURL, err := y.client.GetStreamURLContext(ctx, video, best)
	if err != nil {
		return nil, y.classify(ref, err)
	}
	y.lim.Success()

	info := &TrackInfo{
		VideoID:   video.ID,
		Title:     video.Title,
		Duration:  video.Duration,
		StreamURL: streamURL,
		ExpiresAt: y.linkExpiry(streamURL),
	}

	y.log.Debug().
		Str("video_id", info.VideoID).
		Dur("duration", info.Duration).
		Time("expires_at", info.ExpiresAt).
		Msg("resolved track")

	return info, nil
}

// videoIDFor narrows a reference to a video id, running a search when the
// input is neither a URL nor an id.
func (y *YouTube) videoIDFor(ctx context.Context, ref string) (string, error) {
	if videoIDPattern.MatchString(ref) {
		return ref, nil
	}
	if isURL(ref) {
		id, err := extractVideoID(ref)
		if err != nil {
			return "", &ResolveError{Kind: KindOther, Ref: ref, Err: err}
		}
		return id, nil
	}

	res, err := y.search.Search(ctx, ref)
	if err != nil {
		return "", &ResolveError{Kind: KindOther, Ref: ref, Err: fmt.Errorf("search failed: %w", err)}
	}
	if len(res.Results) == 0 {
		return "", &ResolveError{Kind: KindUnavailable, Ref: ref, Err: errors.New("no search results")}
	}
	return res.Results[0].VideoID, nil
}

// linkExpiry reads the expire query parameter YouTube stamps on direct
// stream links. Missing or malformed values fall back to the typical TTL.
func (y *YouTube) linkExpiry(streamURL string) time.Time {
	u, err := url.Parse(streamURL)
	if err == nil {
		if raw := u.Query().Get("expire"); raw != "" {
			if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return time.Unix(sec, 0)
			}
		}
	}
	return y.now().Add(fallbackLinkTTL)
}

func (y *YouTube) classify(ref string, err error) error {
	kind := KindOther

	var status *youtube.ErrPlayabiltyStatus
	var code youtube.ErrUnexpectedStatusCode

	switch {
	case errors.Is(err, youtube.ErrVideoPrivate):
		kind = KindPrivate
	case errors.As(err, &status):
		if status.Status == "LOGIN_REQUIRED" {
			kind = KindPrivate
		} else {
			kind = KindUnavailable
		}
	case errors.As(err, &code):
		if int(code) == http.StatusTooManyRequests {
			kind = KindRateLimited
			y.lim.Pushback()
		}
	}

	y.log.Warn().Str("ref", ref).Str("kind", kind.String()).Err(err).Msg("resolution failed")
	return &ResolveError{Kind: kind, Ref: ref, Err: err}
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func extractVideoID(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}

	var id string
	switch {
	case strings.HasSuffix(u.Hostname(), "youtu.be"):
		id = strings.Trim(u.Path, "/")
	case strings.HasSuffix(u.Hostname(), "youtube.com"):
		if u.Path == "/watch" {
			id = u.Query().Get("v")
		} else if strings.HasPrefix(u.Path, "/shorts/") || strings.HasPrefix(u.Path, "/live/") {
			parts := strings.Split(strings.Trim(u.Path, "/"), "/")
			if len(parts) == 2 {
				id = parts[1]
			}
		}
	default:
		return "", errors.New("unsupported URL host")
	}

	if !videoIDPattern.MatchString(id) {
		return "", errors.New("could not extract a video id")
	}
	return id, nil
}

package player

import (
	"fmt"
	"strings"
	"time"

	"beatkeeper/internal/music/resolver"
)

// fmtDuration renders a track length as mm:ss, or hh:mm:ss past the hour.
func fmtDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// loadFailureNotice summarizes playlist entries that failed to resolve,
// grouped by what went wrong with each of them.
func loadFailureNotice(failed map[resolver.ErrorKind]int) string {
	total := 0
	var parts []string
	kinds := []resolver.ErrorKind{
		resolver.KindUnavailable,
		resolver.KindPrivate,
		resolver.KindRateLimited,
		resolver.KindOther,
	}
	for _, k := range kinds {
		if n := failed[k]; n > 0 {
			total += n
			parts = append(parts, fmt.Sprintf("%d %s", n, k))
		}
	}
	return fmt.Sprintf("%d track(s) couldn't be loaded and were left out (%s).", total, strings.Join(parts, ", "))
}

// resolveFailureMessage maps a resolution failure to the line shown in
// the channel. Wording stays user-facing; log lines carry the raw error.
func resolveFailureMessage(err error) string {
	switch resolver.KindOf(err) {
	case resolver.KindPrivate:
		return "That video is private! Try a different link."
	case resolver.KindUnavailable:
		return "That video is unavailable! Try a different link."
	case resolver.KindRateLimited:
		return "YouTube is rate limiting us... give it a minute and try again."
	default:
		return "Something went wrong looking that track up... try again!"
	}
}

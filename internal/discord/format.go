package discord

import (
	"fmt"
	"strings"
	"time"

	"beatkeeper/internal/music/queue"
)

const queuePageSize = 15

// formatDuration renders a track length the way music players do:
// mm:ss, or hh:mm:ss once it crosses the hour.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// formatQueue builds the /music queue listing. The playing track gets
// an arrow; long queues are cut off with a remainder line.
func formatQueue(tracks []queue.Track, current int) string {
	if len(tracks) == 0 {
		return "The queue is empty. Add something with `/music play`!"
	}

	var sb strings.Builder
	var total time.Duration
	for i, t := range tracks {
		total += t.Duration
		if i >= queuePageSize {
			continue
		}
		marker := "  "
		if i == current {
			marker = "▶ "
		}
		fmt.Fprintf(&sb, "%s`%2d.` **%s** (%s)", marker, i+1, t.Title, formatDuration(t.Duration))
		if t.AddedBy != "" {
			fmt.Fprintf(&sb, " · <@%s>", t.AddedBy)
		}
		sb.WriteString("\n")
	}
	if len(tracks) > queuePageSize {
		fmt.Fprintf(&sb, "...and %d more\n", len(tracks)-queuePageSize)
	}
	fmt.Fprintf(&sb, "\n%d track(s), %s total", len(tracks), formatDuration(total))
	return sb.String()
}

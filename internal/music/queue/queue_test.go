package queue

import (
	"errors"
	"testing"
	"time"
)

func track(id string, d time.Duration) Track {
	return Track{VideoID: id, Title: "title-" + id, Duration: d, AddedBy: "user"}
}

func TestAddRejectsDuplicate(t *testing.T) {
	q := New()

	if _, err := q.Add(track("abc", time.Minute)); err != nil {
		t.Fatalf("first Add error: %v", err)
	}
	_, err := q.Add(track("abc", time.Minute))
	if !errors.Is(err, ErrDuplicateTrack) {
		t.Errorf("second Add error = %v, want ErrDuplicateTrack", err)
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d after rejected duplicate, want 1", q.Len())
	}
}

func TestAddReturnsPosition(t *testing.T) {
	q := New()
	for i, id := range []string{"a", "b", "c"} {
		pos, err := q.Add(track(id, time.Minute))
		if err != nil {
			t.Fatalf("Add(%s) error: %v", id, err)
		}
		if pos != i {
			t.Errorf("Add(%s) position = %d, want %d", id, pos, i)
		}
	}
}

func TestRemoveAtInvalidPosition(t *testing.T) {
	q := New()
	q.Add(track("a", time.Minute))

	for _, pos := range []int{-1, 1, 5} {
		if _, _, err := q.RemoveAt(pos); !errors.Is(err, ErrInvalidPosition) {
			t.Errorf("RemoveAt(%d) error = %v, want ErrInvalidPosition", pos, err)
		}
	}
}

func TestRemoveBeforeCurrentShiftsPointer(t *testing.T) {
	q := New()
	q.Add(track("a", time.Minute))
	q.Add(track("b", time.Minute))
	q.Add(track("c", time.Minute))
	q.SetCurrent(2)

	removed, wasCurrent, err := q.RemoveAt(0)
	if err != nil {
		t.Fatalf("RemoveAt error: %v", err)
	}
	if wasCurrent {
		t.Error("wasCurrent = true, want false")
	}
	if removed.VideoID != "a" {
		t.Errorf("removed = %q, want %q", removed.VideoID, "a")
	}
	if q.Current() != 1 {
		t.Errorf("Current = %d, want 1", q.Current())
	}
	if got := q.Track(q.Current()).VideoID; got != "c" {
		t.Errorf("current track = %q, want %q (pointer must track the same logical element)", got, "c")
	}
}

func TestRemoveAtCurrent(t *testing.T) {
	q := New()
	q.Add(track("a", time.Minute))
	q.Add(track("b", time.Minute))
	q.SetCurrent(0)

	removed, wasCurrent, err := q.RemoveAt(0)
	if err != nil {
		t.Fatalf("RemoveAt error: %v", err)
	}
	if !wasCurrent {
		t.Error("wasCurrent = false, want true")
	}
	if removed.VideoID != "a" {
		t.Errorf("removed = %q, want %q", removed.VideoID, "a")
	}
	// Pointer shifts down so advancing by one lands on the element that
	// slid into the removed slot.
	if q.Current() != -1 {
		t.Errorf("Current = %d, want -1", q.Current())
	}
	if got := q.Track(q.Current() + 1).VideoID; got != "b" {
		t.Errorf("next track = %q, want %q", got, "b")
	}
}

func TestRemoveAfterCurrentKeepsPointer(t *testing.T) {
	q := New()
	q.Add(track("a", time.Minute))
	q.Add(track("b", time.Minute))
	q.SetCurrent(0)

	if _, _, err := q.RemoveAt(1); err != nil {
		t.Fatalf("RemoveAt error: %v", err)
	}
	if q.Current() != 0 {
		t.Errorf("Current = %d, want 0", q.Current())
	}
}

func TestTotalDuration(t *testing.T) {
	q := New()
	q.Add(track("a", 120*time.Second))
	q.Add(track("b", 45*time.Second))

	if got := q.TotalDuration(); got != 165*time.Second {
		t.Errorf("TotalDuration = %v, want %v", got, 165*time.Second)
	}
}

func TestClearStream(t *testing.T) {
	q := New()
	tr := track("a", time.Minute)
	tr.StreamURL = "https://cdn.example/stream"
	tr.StreamExpiresAt = time.Now().Add(time.Hour)
	q.Add(tr)

	q.ClearStream(0)

	got := q.Track(0)
	if got.StreamURL != "" {
		t.Errorf("StreamURL = %q after ClearStream, want empty", got.StreamURL)
	}
	if !got.StreamExpiresAt.IsZero() {
		t.Errorf("StreamExpiresAt = %v after ClearStream, want zero", got.StreamExpiresAt)
	}

	// Out-of-range index is a no-op.
	q.ClearStream(7)
}

func TestReplace(t *testing.T) {
	q := New()
	q.Add(track("a", time.Minute))
	q.SetCurrent(0)

	q.Replace([]Track{track("x", time.Minute), track("y", time.Minute)})

	if q.Len() != 2 {
		t.Errorf("Len = %d, want 2", q.Len())
	}
	if q.Current() != -1 {
		t.Errorf("Current = %d after Replace, want -1", q.Current())
	}
}

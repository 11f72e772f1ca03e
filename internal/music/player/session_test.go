package player

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"beatkeeper/internal/music/resolver"
	"beatkeeper/internal/music/voice"
)

type fakeResolver struct {
	mu     sync.Mutex
	tracks map[string]resolver.TrackInfo
	errs   map[string]error
	calls  map[string]int
	delay  time.Duration
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		tracks: make(map[string]resolver.TrackInfo),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (f *fakeResolver) add(ref string, info resolver.TrackInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks[ref] = info
}

func (f *fakeResolver) Resolve(ctx context.Context, ref string) (*resolver.TrackInfo, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[ref]++
	if err, ok := f.errs[ref]; ok {
		return nil, err
	}
	info, ok := f.tracks[ref]
	if !ok {
		return nil, fmt.Errorf("unknown ref %q", ref)
	}
	return &info, nil
}

func (f *fakeResolver) callCount(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ref]
}

type fakeDispatcher struct {
	mu     sync.Mutex
	paused bool
	done   chan error
	once   sync.Once
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{done: make(chan error, 1)}
}

func (d *fakeDispatcher) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = true
}

func (d *fakeDispatcher) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = false
}

func (d *fakeDispatcher) End()               { d.finish(nil) }
func (d *fakeDispatcher) Done() <-chan error { return d.done }
func (d *fakeDispatcher) finish(err error)   { d.once.Do(func() { d.done <- err }) }
func (d *fakeDispatcher) isPaused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

type fakeConn struct {
	mu           sync.Mutex
	channelID    string
	dispatchers  []*fakeDispatcher
	disconnected bool
}

func (c *fakeConn) Play(src io.Reader, bitrate int) (voice.Dispatcher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := newFakeDispatcher()
	c.dispatchers = append(c.dispatchers, d)
	return d, nil
}

func (c *fakeConn) ChannelID() string { return c.channelID }

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *fakeConn) lastDispatcher() *fakeDispatcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.dispatchers) == 0 {
		return nil
	}
	return c.dispatchers[len(c.dispatchers)-1]
}

func (c *fakeConn) playCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dispatchers)
}

func (c *fakeConn) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

type fakeTransport struct {
	mu       sync.Mutex
	joins    int
	joinErrs []error
	joinGate chan struct{}
	conns    []*fakeConn
}

func (t *fakeTransport) Join(ctx context.Context, guildID, channelID string) (voice.Connection, error) {
	t.mu.Lock()
	t.joins++
	gate := t.joinGate
	t.mu.Unlock()
	if gate != nil {
		<-gate
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.joinErrs) > 0 {
		err := t.joinErrs[0]
		t.joinErrs = t.joinErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	c := &fakeConn{channelID: channelID}
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) joinCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joins
}

func (t *fakeTransport) lastConn() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

type fakePipeline struct {
	mu   sync.Mutex
	urls []string
}

func (p *fakePipeline) Start(streamURL string) (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.urls = append(p.urls, streamURL)
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (p *fakePipeline) Stop()       {}
func (p *fakePipeline) Wait() error { return nil }

func (p *fakePipeline) startedURLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.urls))
	copy(out, p.urls)
	return out
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Error(msg string)   { n.record(msg) }
func (n *recordingNotifier) Notify(msg string)  { n.record(msg) }
func (n *recordingNotifier) Success(msg string) { n.record(msg) }

func (n *recordingNotifier) record(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

func (n *recordingNotifier) has(substr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.messages {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func freshInfo(id string) resolver.TrackInfo {
	return resolver.TrackInfo{
		VideoID:   id,
		Title:     "track " + id,
		Duration:  3 * time.Minute,
		StreamURL: "https://stream.example/" + id,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

type harness struct {
	session   *Session
	resolver  *fakeResolver
	transport *fakeTransport
	pipeline  *fakePipeline
	notifier  *recordingNotifier
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		resolver:  newFakeResolver(),
		transport: &fakeTransport{},
		pipeline:  &fakePipeline{},
		notifier:  &recordingNotifier{},
	}
	opts.GuildID = "guild-1"
	opts.VoiceChannel = "voice-1"
	opts.Resolver = h.resolver
	opts.Transport = h.transport
	opts.Notifier = h.notifier
	opts.Log = zerolog.Nop()
	h.session = NewSession(opts)
	h.session.pipeline = h.pipeline
	t.Cleanup(h.session.Dispose)
	return h
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func (h *harness) waitPlaying(t *testing.T) *fakeDispatcher {
	t.Helper()
	waitFor(t, func() bool { return h.session.State() == StatePlaying }, "session never reached playing state")
	return h.transport.lastConn().lastDispatcher()
}

func TestEnqueueStartsPlayback(t *testing.T) {
	h := newHarness(t, Options{})
	h.resolver.add("songA", freshInfo("vidA"))

	if err := h.session.Enqueue(context.Background(), "songA", "user-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	h.waitPlaying(t)

	if got := h.transport.joinCount(); got != 1 {
		t.Errorf("joins = %d, want 1", got)
	}
	tracks, cur := h.session.QueueSnapshot()
	if len(tracks) != 1 || cur != 0 {
		t.Errorf("queue = %d tracks, current %d; want 1 track, current 0", len(tracks), cur)
	}
	if urls := h.pipeline.startedURLs(); len(urls) != 1 || urls[0] != "https://stream.example/vidA" {
		t.Errorf("pipeline started with %v", urls)
	}
}

func TestSecondEnqueueDoesNotRestartPlayback(t *testing.T) {
	h := newHarness(t, Options{})
	h.resolver.add("songA", freshInfo("vidA"))
	h.resolver.add("songB", freshInfo("vidB"))

	h.session.Enqueue(context.Background(), "songA", "user-1")
	h.waitPlaying(t)
	h.session.Enqueue(context.Background(), "songB", "user-2")

	tracks, cur := h.session.QueueSnapshot()
	if len(tracks) != 2 || cur != 0 {
		t.Fatalf("queue = %d tracks, current %d; want 2 tracks, current 0", len(tracks), cur)
	}
	if got := h.transport.lastConn().playCount(); got != 1 {
		t.Errorf("play count = %d, want 1", got)
	}
}

func TestDuplicateEnqueueRejected(t *testing.T) {
	h := newHarness(t, Options{})
	h.resolver.add("songA", freshInfo("vidA"))

	h.session.Enqueue(context.Background(), "songA", "user-1")
	h.waitPlaying(t)
	if err := h.session.Enqueue(context.Background(), "songA", "user-2"); err == nil {
		t.Fatal("expected duplicate enqueue to fail")
	}
	tracks, _ := h.session.QueueSnapshot()
	if len(tracks) != 1 {
		t.Errorf("queue has %d tracks, want 1", len(tracks))
	}
}

func TestTrackFinishedAdvancesAndClearsLink(t *testing.T) {
	h := newHarness(t, Options{})
	h.resolver.add("songA", freshInfo("vidA"))
	h.resolver.add("songB", freshInfo("vidB"))

	h.session.Enqueue(context.Background(), "songA", "user-1")
	d := h.waitPlaying(t)
	h.session.Enqueue(context.Background(), "songB", "user-1")

	d.finish(nil)
	waitFor(t, func() bool {
		_, cur := h.session.QueueSnapshot()
		return cur == 1 && h.session.State() == StatePlaying
	}, "playback never advanced to the second track")

	tracks, _ := h.session.QueueSnapshot()
	if tracks[0].StreamURL != "" {
		t.Errorf("finished track kept its stream link %q", tracks[0].StreamURL)
	}
	if tracks[1].StreamURL == "" {
		t.Error("second track lost its stream link")
	}
}

func TestQueueExhaustedGoesIdleThenDisposes(t *testing.T) {
	h := newHarness(t, Options{IdleTimeout: 40 * time.Millisecond})
	h.resolver.add("songA", freshInfo("vidA"))

	h.session.Enqueue(context.Background(), "songA", "user-1")
	d := h.waitPlaying(t)

	d.finish(nil)
	waitFor(t, func() bool { return h.session.State() == StateDisposed }, "session never disposed after going idle")
	if !h.transport.lastConn().isDisconnected() {
		t.Error("voice connection was not disconnected on dispose")
	}
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t, Options{})
	h.resolver.add("songA", freshInfo("vidA"))

	h.session.Pause() // nothing playing yet, must be a no-op
	if h.session.State() != StateIdle {
		t.Fatalf("state = %v after pausing an idle session", h.session.State())
	}

	h.session.Enqueue(context.Background(), "songA", "user-1")
	d := h.waitPlaying(t)

	h.session.Pause()
	if h.session.State() != StatePaused || !d.isPaused() {
		t.Fatalf("state = %v, dispatcher paused = %v; want paused", h.session.State(), d.isPaused())
	}
	h.session.Pause() // idempotent
	if h.session.State() != StatePaused {
		t.Fatalf("second pause changed state to %v", h.session.State())
	}

	h.session.Resume()
	if h.session.State() != StatePlaying || d.isPaused() {
		t.Fatalf("state = %v, dispatcher paused = %v; want playing", h.session.State(), d.isPaused())
	}
	h.session.Resume() // idempotent
	if h.session.State() != StatePlaying {
		t.Fatalf("second resume changed state to %v", h.session.State())
	}
}

func TestSkipWithoutCurrentIsSilent(t *testing.T) {
	h := newHarness(t, Options{})
	h.session.Skip()
	if n := h.notifier.count(); n != 0 {
		t.Errorf("skip on an idle session produced %d notifications", n)
	}
	if h.session.State() != StateIdle {
		t.Errorf("state = %v, want idle", h.session.State())
	}
}

func TestSkipAdvancesToNextTrack(t *testing.T) {
	h := newHarness(t, Options{})
	h.resolver.add("songA", freshInfo("vidA"))
	h.resolver.add("songB", freshInfo("vidB"))

	h.session.Enqueue(context.Background(), "songA", "user-1")
	h.waitPlaying(t)
	h.session.Enqueue(context.Background(), "songB", "user-1")

	h.session.Skip()
	waitFor(t, func() bool {
		_, cur := h.session.QueueSnapshot()
		return cur == 1
	}, "skip never advanced the queue")
}

func TestRemoveCurrentTrackAdvances(t *testing.T) {
	h := newHarness(t, Options{})
	h.resolver.add("songA", freshInfo("vidA"))
	h.resolver.add("songB", freshInfo("vidB"))

	h.session.Enqueue(context.Background(), "songA", "user-1")
	h.waitPlaying(t)
	h.session.Enqueue(context.Background(), "songB", "user-1")

	if err := h.session.RemoveTrack(0); err != nil {
		t.Fatalf("RemoveTrack: %v", err)
	}
	waitFor(t, func() bool {
		tracks, cur := h.session.QueueSnapshot()
		return len(tracks) == 1 && cur == 0 && tracks[0].VideoID == "vidB"
	}, "removal of the current track never moved playback to the next one")
}

func TestRemoveQueuedTrackKeepsPlaying(t *testing.T) {
	h := newHarness(t, Options{})
	h.resolver.add("songA", freshInfo("vidA"))
	h.resolver.add("songB", freshInfo("vidB"))

	h.session.Enqueue(context.Background(), "songA", "user-1")
	h.waitPlaying(t)
	h.session.Enqueue(context.Background(), "songB", "user-1")

	if err := h.session.RemoveTrack(1); err != nil {
		t.Fatalf("RemoveTrack: %v", err)
	}
	tracks, cur := h.session.QueueSnapshot()
	if len(tracks) != 1 || cur != 0 || h.session.State() != StatePlaying {
		t.Errorf("after removing a queued track: %d tracks, current %d, state %v", len(tracks), cur, h.session.State())
	}
	if got := h.transport.lastConn().playCount(); got != 1 {
		t.Errorf("play count = %d, want 1 (no restart)", got)
	}
}

func TestRemoveInvalidPosition(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.session.RemoveTrack(3); err == nil {
		t.Fatal("expected an error removing from an empty queue")
	}
}

func TestStaleLinkRefreshedBeforePlayback(t *testing.T) {
	h := newHarness(t, Options{})
	stale := freshInfo("vidA")
	stale.ExpiresAt = time.Now().Add(30 * time.Second) // inside the safety margin
	h.resolver.add("songA", stale)

	refreshed := freshInfo("vidA")
	refreshed.StreamURL = "https://stream.example/vidA-refreshed"
	h.resolver.add("vidA", refreshed)

	h.session.Enqueue(context.Background(), "songA", "user-1")
	h.waitPlaying(t)

	if got := h.resolver.callCount("vidA"); got != 1 {
		t.Errorf("refresh resolutions = %d, want 1", got)
	}
	if urls := h.pipeline.startedURLs(); len(urls) != 1 || urls[0] != refreshed.StreamURL {
		t.Errorf("pipeline started with %v, want the refreshed link", urls)
	}
	tracks, _ := h.session.QueueSnapshot()
	if tracks[0].StreamURL != refreshed.StreamURL {
		t.Errorf("queue kept the stale link %q", tracks[0].StreamURL)
	}
}

func TestJoinTimeoutRetriedOnce(t *testing.T) {
	h := newHarness(t, Options{})
	h.resolver.add("songA", freshInfo("vidA"))
	h.transport.joinErrs = []error{
		&voice.JoinError{Kind: voice.JoinTimeout, Err: errors.New("timeout")},
	}

	h.session.Enqueue(context.Background(), "songA", "user-1")
	h.waitPlaying(t)
	if got := h.transport.joinCount(); got != 2 {
		t.Errorf("joins = %d, want 2 (one timeout, one retry)", got)
	}
}

func TestJoinFailureGoesIdle(t *testing.T) {
	h := newHarness(t, Options{})
	h.resolver.add("songA", freshInfo("vidA"))
	h.transport.joinErrs = []error{
		&voice.JoinError{Kind: voice.JoinTimeout, Err: errors.New("timeout")},
		&voice.JoinError{Kind: voice.JoinTimeout, Err: errors.New("timeout")},
	}

	h.session.Enqueue(context.Background(), "songA", "user-1")
	waitFor(t, func() bool { return h.session.State() == StateIdle }, "session never settled back to idle")
	if got := h.transport.joinCount(); got != 2 {
		t.Errorf("joins = %d, want 2", got)
	}
}

func TestEnqueueAfterJoinFailureResumesParkedTrack(t *testing.T) {
	h := newHarness(t, Options{})
	h.resolver.add("songA", freshInfo("vidA"))
	h.resolver.add("songB", freshInfo("vidB"))
	h.transport.joinErrs = []error{
		&voice.JoinError{Kind: voice.JoinTimeout, Err: errors.New("timeout")},
		&voice.JoinError{Kind: voice.JoinTimeout, Err: errors.New("timeout")},
	}

	h.session.Enqueue(context.Background(), "songA", "user-1")
	waitFor(t, func() bool { return h.session.State() == StateIdle }, "session never parked after the failed join")

	// The channel is reachable again: the next enqueue must pick the
	// parked first track back up, not jump past it.
	h.session.Enqueue(context.Background(), "songB", "user-2")
	h.waitPlaying(t)

	tracks, cur := h.session.QueueSnapshot()
	if cur != 0 || tracks[0].VideoID != "vidA" {
		t.Fatalf("current = %d, first queued %q; want playback resumed at the parked track", cur, tracks[0].VideoID)
	}
	if urls := h.pipeline.startedURLs(); len(urls) != 1 || urls[0] != "https://stream.example/vidA" {
		t.Errorf("pipeline started with %v, want the parked track's link", urls)
	}

	h.transport.lastConn().lastDispatcher().finish(nil)
	waitFor(t, func() bool {
		_, cur := h.session.QueueSnapshot()
		return cur == 1 && h.session.State() == StatePlaying
	}, "playback never advanced to the second track")
}

func TestRemoveDuringConnectSkipsRemovedTrack(t *testing.T) {
	h := newHarness(t, Options{})
	h.resolver.add("songA", freshInfo("vidA"))
	h.resolver.add("songB", freshInfo("vidB"))
	gate := make(chan struct{})
	h.transport.joinGate = gate

	h.session.Enqueue(context.Background(), "songA", "user-1")
	waitFor(t, func() bool { return h.transport.joinCount() == 1 }, "join never started")

	// The join is still in flight when the track it was started for
	// goes away and a different one takes its slot.
	if err := h.session.RemoveTrack(0); err != nil {
		t.Fatalf("RemoveTrack: %v", err)
	}
	h.session.Enqueue(context.Background(), "songB", "user-2")
	close(gate)

	h.waitPlaying(t)
	tracks, cur := h.session.QueueSnapshot()
	if len(tracks) != 1 || cur != 0 || tracks[0].VideoID != "vidB" {
		t.Fatalf("queue = %d tracks, current %d; want only the replacement track playing", len(tracks), cur)
	}
	if urls := h.pipeline.startedURLs(); len(urls) != 1 || urls[0] != "https://stream.example/vidB" {
		t.Errorf("pipeline started with %v; the removed track must never start", urls)
	}
}

func TestResolutionFailureSkipsToNextTrack(t *testing.T) {
	h := newHarness(t, Options{})
	stale := freshInfo("vidA")
	stale.StreamURL = "" // forces a refresh at play time
	h.resolver.add("songA", stale)
	h.resolver.errs["vidA"] = &resolver.ResolveError{
		Kind: resolver.KindUnavailable, Ref: "vidA", Err: errors.New("gone"),
	}
	h.resolver.add("songB", freshInfo("vidB"))

	h.session.Enqueue(context.Background(), "songA", "user-1")
	h.session.Enqueue(context.Background(), "songB", "user-1")
	waitFor(t, func() bool {
		_, cur := h.session.QueueSnapshot()
		return h.session.State() == StatePlaying && cur == 1
	}, "playback never skipped past the dead track")
}

func TestLateFinishEventIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	h.resolver.add("songA", freshInfo("vidA"))
	h.resolver.add("songB", freshInfo("vidB"))

	h.session.Enqueue(context.Background(), "songA", "user-1")
	h.waitPlaying(t)
	h.session.Enqueue(context.Background(), "songB", "user-1")
	h.session.Skip()
	waitFor(t, func() bool {
		_, cur := h.session.QueueSnapshot()
		return cur == 1
	}, "skip never advanced")

	// A finish event from the first, already-replaced dispatcher.
	h.session.trackDone(1, nil)

	tracks, cur := h.session.QueueSnapshot()
	if cur != 1 || len(tracks) != 2 || h.session.State() != StatePlaying {
		t.Errorf("stale finish changed state: %d tracks, current %d, state %v", len(tracks), cur, h.session.State())
	}
}

func TestEmptyChannelDisposesAfterTimeout(t *testing.T) {
	h := newHarness(t, Options{IdleTimeout: 40 * time.Millisecond})
	h.resolver.add("songA", freshInfo("vidA"))
	h.session.Enqueue(context.Background(), "songA", "user-1")
	h.waitPlaying(t)

	h.session.HumanPresence(false)
	waitFor(t, func() bool { return h.session.State() == StateDisposed }, "session never disposed after the channel emptied")
}

func TestHumanReturnCancelsEmptyChannelTimer(t *testing.T) {
	h := newHarness(t, Options{IdleTimeout: 60 * time.Millisecond})
	h.resolver.add("songA", freshInfo("vidA"))
	h.session.Enqueue(context.Background(), "songA", "user-1")
	h.waitPlaying(t)

	h.session.HumanPresence(false)
	time.Sleep(20 * time.Millisecond)
	h.session.HumanPresence(true)
	time.Sleep(100 * time.Millisecond)

	if h.session.State() == StateDisposed {
		t.Error("session disposed even though a human came back in time")
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	h.resolver.add("songA", freshInfo("vidA"))
	h.session.Enqueue(context.Background(), "songA", "user-1")
	h.waitPlaying(t)

	h.session.Dispose()
	h.session.Dispose()
	if h.session.State() != StateDisposed {
		t.Fatalf("state = %v, want disposed", h.session.State())
	}
	if err := h.session.Enqueue(context.Background(), "songA", "user-1"); !errors.Is(err, ErrDisposed) {
		t.Errorf("enqueue after dispose = %v, want ErrDisposed", err)
	}
}

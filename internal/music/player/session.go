package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"beatkeeper/internal/music/encoder"
	"beatkeeper/internal/music/queue"
	"beatkeeper/internal/music/resolver"
	"beatkeeper/internal/music/voice"
	"beatkeeper/internal/notify"
	"beatkeeper/internal/playlist"
)

// State is where a session currently sits in its playback lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StatePlaying
	StatePaused
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	DefaultIdleTimeout = 5 * time.Minute
	DefaultBitrate     = 96000

	joinTimeout    = 15 * time.Second
	resolveTimeout = 30 * time.Second
)

var (
	ErrDisposed        = errors.New("session is disposed")
	ErrEmptyQueue      = errors.New("queue is empty")
	ErrNoPlaylistStore = errors.New("no playlist store configured")
)

// pcmSource is what the session needs from the ffmpeg pipeline. It is
// an interface so the state machine can be driven without spawning
// subprocesses.
type pcmSource interface {
	Start(streamURL string) (io.ReadCloser, error)
	Stop()
	Wait() error
}

// PlaylistStore is the slice of the playlist storage a session touches.
// Listing and deleting playlists happens outside the session.
type PlaylistStore interface {
	FindByName(ctx context.Context, name string) ([]playlist.Playlist, error)
	Tracks(ctx context.Context, playlistID int64) ([]playlist.Track, error)
	Create(ctx context.Context, name, createdBy string, tracks []playlist.Track) (int64, error)
}

// Options configures a new Session.
type Options struct {
	GuildID      string
	VoiceChannel string

	Resolver  resolver.Resolver
	Transport voice.Transport
	Notifier  notify.Notifier
	Playlists PlaylistStore
	Log       zerolog.Logger

	IdleTimeout time.Duration
	Bitrate     int
	BatchSize   int
}

// Session owns playback for one guild: the queue, the voice connection
// and the encoder. All public methods are safe for concurrent use; the
// mutex is never held across network or subprocess calls.
type Session struct {
	guildID   string
	resolver  resolver.Resolver
	transport voice.Transport
	notifier  notify.Notifier
	playlists PlaylistStore
	log       zerolog.Logger

	idleTimeout time.Duration
	bitrate     int
	batchSize   int

	guard    *LinkFreshnessGuard
	pipeline pcmSource

	// queueIdle fires when nothing has played for a while, emptyIdle
	// when no human has been in the voice channel for a while. They
	// run independently; either one tears the session down.
	queueIdle scopedTimer
	emptyIdle scopedTimer

	mu           sync.Mutex
	state        State
	voiceChannel string
	queue        *queue.Queue
	conn         voice.Connection
	disp         voice.Dispatcher
	batch        *resolver.Batch

	// generation increments every time a new track starts (and on
	// dispose), so a finish event from an already-replaced dispatcher
	// is recognized as stale and dropped.
	generation int
	playingID  string

	// resumeAt remembers the first unplayed queue index while the
	// session sits idle, so restarting playback picks parked tracks
	// back up instead of jumping past them. -1 when there is nothing
	// to resume. loadEpoch counts queue replacements; playFrom checks
	// it to notice a playlist load swapped the queue out from under
	// an in-flight start.
	resumeAt  int
	loadEpoch int

	onDispose func()
}

func NewSession(opts Options) *Session {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Bitrate <= 0 {
		opts.Bitrate = DefaultBitrate
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard{}
	}
	log := opts.Log.With().Str("guild", opts.GuildID).Logger()
	return &Session{
		guildID:      opts.GuildID,
		voiceChannel: opts.VoiceChannel,
		resolver:     opts.Resolver,
		transport:    opts.Transport,
		notifier:     opts.Notifier,
		playlists:    opts.Playlists,
		log:          log,
		idleTimeout:  opts.IdleTimeout,
		bitrate:      opts.Bitrate,
		batchSize:    opts.BatchSize,
		guard:        NewLinkFreshnessGuard(opts.Resolver),
		pipeline:     encoder.NewPipeline(log),
		queue:        queue.New(),
		state:        StateIdle,
		resumeAt:     -1,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// VoiceChannel returns the voice channel the session is bound to.
func (s *Session) VoiceChannel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voiceChannel
}

// SetVoiceChannel rebinds the session after the bot was moved to
// another voice channel by a server admin.
func (s *Session) SetVoiceChannel(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voiceChannel = channelID
}

// QueueSnapshot returns a copy of the queue and the current position.
func (s *Session) QueueSnapshot() ([]queue.Track, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Tracks(), s.queue.Current()
}

// Enqueue resolves ref and appends it to the queue. If nothing is
// playing, playback starts from the new track.
func (s *Session) Enqueue(ctx context.Context, ref, addedBy string) error {
	info, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		s.log.Warn().Err(err).Str("ref", ref).Msg("track resolution failed")
		s.notifier.Error(resolveFailureMessage(err))
		return err
	}

	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	pos, err := s.queue.Add(queue.Track{
		VideoID:         info.VideoID,
		StreamURL:       info.StreamURL,
		StreamExpiresAt: info.ExpiresAt,
		Title:           info.Title,
		Duration:        info.Duration,
		AddedBy:         addedBy,
	})
	if err != nil {
		s.mu.Unlock()
		s.notifier.Error("That track is already in the queue!")
		return err
	}
	start := s.state == StateIdle && s.queue.Current() == -1
	startAt := pos
	if start {
		if s.resumeAt >= 0 && s.resumeAt < pos {
			startAt = s.resumeAt
		}
		s.resumeAt = -1
		s.state = StateConnecting
		s.queue.SetCurrent(startAt)
		s.queueIdle.Stop()
	}
	s.mu.Unlock()

	s.notifier.Success(fmt.Sprintf("Queued **%s** (%s) at position %d.", info.Title, fmtDuration(info.Duration), pos+1))
	if start {
		go s.playFrom(startAt)
	}
	return nil
}

// Pause suspends the running dispatcher. No-op unless playing.
func (s *Session) Pause() {
	s.mu.Lock()
	if s.state != StatePlaying || s.disp == nil {
		s.mu.Unlock()
		return
	}
	s.disp.Pause()
	s.state = StatePaused
	s.mu.Unlock()
	s.notifier.Notify("Pausing playback!")
}

// Resume picks a paused track back up. No-op unless paused.
func (s *Session) Resume() {
	s.mu.Lock()
	if s.state != StatePaused || s.disp == nil {
		s.mu.Unlock()
		return
	}
	s.disp.Resume()
	s.state = StatePlaying
	s.mu.Unlock()
	s.notifier.Notify("Picking up where we left off!")
}

// Skip ends the current track; the finish handler advances the queue.
// Silently does nothing when no track is current.
func (s *Session) Skip() {
	s.mu.Lock()
	if s.queue.Current() == -1 || s.disp == nil {
		s.mu.Unlock()
		return
	}
	d := s.disp
	s.mu.Unlock()
	s.notifier.Notify("Skipping to the next track...")
	d.End()
}

// RemoveTrack drops the track at pos (zero-based). Removing the track
// that is currently playing stops it, and playback moves on to the
// track that slid into its place.
func (s *Session) RemoveTrack(pos int) error {
	s.mu.Lock()
	removed, wasCurrent, err := s.queue.RemoveAt(pos)
	if err != nil {
		s.mu.Unlock()
		s.notifier.Error(fmt.Sprintf("Position %d doesn't exist in the queue!", pos+1))
		return err
	}
	if s.resumeAt >= 0 && pos < s.resumeAt {
		s.resumeAt--
	}
	var d voice.Dispatcher
	if wasCurrent {
		d = s.disp
	}
	s.mu.Unlock()

	s.notifier.Success(fmt.Sprintf("Removed **%s** from the queue.", removed.Title))
	if d != nil {
		d.End()
	}
	return nil
}

// HumanPresence tells the session whether any non-bot user is in its
// voice channel. An empty channel arms the empty-channel timer; the
// first human back cancels it.
func (s *Session) HumanPresence(present bool) {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	d := s.idleTimeout
	s.mu.Unlock()

	if present {
		s.emptyIdle.Stop()
		return
	}
	s.emptyIdle.Start(d, s.emptyChannelExpired)
}

// Dispose tears the session down: stops playback, leaves the voice
// channel and cancels all timers. Safe to call more than once.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	s.state = StateDisposed
	s.generation++
	s.playingID = ""
	s.resumeAt = -1
	d, conn, b := s.disp, s.conn, s.batch
	s.disp, s.conn, s.batch = nil, nil, nil
	onDispose := s.onDispose
	s.mu.Unlock()

	s.queueIdle.Stop()
	s.emptyIdle.Stop()
	if b != nil {
		b.Stop()
	}
	if d != nil {
		d.End()
	}
	s.pipeline.Stop()
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			s.log.Warn().Err(err).Msg("voice disconnect failed")
		}
	}
	if onDispose != nil {
		onDispose()
	}
	s.log.Info().Msg("session disposed")
}

// playFrom walks the queue starting at idx until a track starts or the
// queue runs out. Tracks whose stream can't be refreshed or opened are
// skipped over, one notification each.
func (s *Session) playFrom(idx int) {
	for {
		s.mu.Lock()
		if s.state == StateDisposed {
			s.mu.Unlock()
			return
		}
		epoch := s.loadEpoch
		t := s.queue.Track(idx)
		if t == nil {
			s.queue.SetCurrent(-1)
			s.playingID = ""
			s.state = StateIdle
			s.resumeAt = idx
			d := s.idleTimeout
			s.mu.Unlock()
			s.queueIdle.Start(d, s.queueIdleExpired)
			return
		}
		s.queue.SetCurrent(idx)
		s.state = StateConnecting
		tcopy := *t
		s.mu.Unlock()
		s.queueIdle.Stop()

		if err := s.connect(); err != nil {
			// Joining keeps failing for this channel; it would keep
			// failing for every later track too, so park instead of
			// spamming one error per queued track.
			s.mu.Lock()
			if s.state != StateDisposed {
				s.queue.SetCurrent(-1)
				s.playingID = ""
				s.state = StateIdle
				s.resumeAt = idx
				d := s.idleTimeout
				s.mu.Unlock()
				s.queueIdle.Start(d, s.queueIdleExpired)
			} else {
				s.mu.Unlock()
			}
			return
		}

		if !s.guard.Fresh(&tcopy) {
			ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
			fresh, err := s.guard.Refresh(ctx, tcopy)
			cancel()
			if err != nil {
				s.log.Warn().Err(err).Str("video", tcopy.VideoID).Msg("stream link refresh failed, skipping")
				s.notifier.Error(resolveFailureMessage(err))
				idx++
				continue
			}
			tcopy = fresh
			s.mu.Lock()
			if s.state == StateDisposed {
				s.mu.Unlock()
				return
			}
			if cur := s.queue.Track(idx); cur != nil && cur.VideoID == tcopy.VideoID {
				cur.StreamURL = tcopy.StreamURL
				cur.StreamExpiresAt = tcopy.StreamExpiresAt
			}
			s.mu.Unlock()
		}

		s.mu.Lock()
		if s.state == StateDisposed {
			s.mu.Unlock()
			return
		}
		if next, ok := s.relocate(idx, epoch, tcopy.VideoID); !ok {
			s.mu.Unlock()
			idx = next
			continue
		}
		conn := s.conn
		s.mu.Unlock()

		src, err := s.pipeline.Start(tcopy.StreamURL)
		if err != nil {
			s.log.Warn().Err(err).Str("video", tcopy.VideoID).Msg("encoder start failed, skipping")
			s.notifier.Error("Couldn't start the audio stream... skipping ahead!")
			idx++
			continue
		}
		disp, err := conn.Play(src, s.bitrate)
		if err != nil {
			s.pipeline.Stop()
			s.log.Warn().Err(err).Str("video", tcopy.VideoID).Msg("dispatcher start failed, skipping")
			s.notifier.Error("Couldn't start the audio stream... skipping ahead!")
			idx++
			continue
		}

		s.mu.Lock()
		if s.state == StateDisposed {
			s.mu.Unlock()
			disp.End()
			s.pipeline.Stop()
			return
		}
		if next, ok := s.relocate(idx, epoch, tcopy.VideoID); !ok {
			s.mu.Unlock()
			disp.End()
			s.pipeline.Stop()
			s.pipeline.Wait()
			idx = next
			continue
		}
		s.generation++
		gen := s.generation
		s.disp = disp
		s.playingID = tcopy.VideoID
		s.state = StatePlaying
		s.mu.Unlock()

		s.log.Info().Str("video", tcopy.VideoID).Str("title", tcopy.Title).Msg("track started")
		s.notifier.Success(fmt.Sprintf("Now playing **%s**.", tcopy.Title))
		go func() {
			err := <-disp.Done()
			s.trackDone(gen, err)
		}()
		return
	}
}

// relocate checks, with s.mu held, that the track snapshotted at idx is
// still the one sitting there. The queue can shift while playFrom is off
// the lock connecting or refreshing. Returns the index to continue from
// and whether the snapshot is still good: a replaced queue restarts from
// the top, a shifted track is followed to its new slot, and a removed
// track yields its old slot to whatever moved in.
func (s *Session) relocate(idx, epoch int, videoID string) (int, bool) {
	if s.loadEpoch != epoch {
		return 0, false
	}
	cur := s.queue.Track(idx)
	if cur != nil && cur.VideoID == videoID {
		return idx, true
	}
	if i := s.queue.IndexOf(videoID); i >= 0 {
		return i, false
	}
	return idx, false
}

// connect joins the session's voice channel if not connected yet. A
// join that times out is retried exactly once.
func (s *Session) connect() error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	guildID, channelID := s.guildID, s.voiceChannel
	s.mu.Unlock()

	conn, err := s.join(guildID, channelID)
	if joinKind(err) == voice.JoinTimeout {
		s.notifier.Notify("Couldn't reach the voice channel, trying once more...")
		conn, err = s.join(guildID, channelID)
	}
	if err != nil {
		s.log.Error().Err(err).Str("channel", channelID).Msg("voice join failed")
		if joinKind(err) == voice.JoinPermissionDenied {
			s.notifier.Error("I'm not allowed into that voice channel!")
		} else {
			s.notifier.Error("Couldn't join the voice channel... try again!")
		}
		return err
	}

	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		conn.Disconnect()
		return ErrDisposed
	}
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *Session) join(guildID, channelID string) (voice.Connection, error) {
	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	return s.transport.Join(ctx, guildID, channelID)
}

func joinKind(err error) voice.JoinErrorKind {
	var je *voice.JoinError
	if errors.As(err, &je) {
		return je.Kind
	}
	return voice.JoinOther
}

// trackDone handles a dispatcher finish event. Events carrying a stale
// generation belong to a dispatcher that was already replaced and are
// dropped.
func (s *Session) trackDone(gen int, derr error) {
	s.mu.Lock()
	if s.state == StateDisposed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.disp = nil
	if i := s.queue.IndexOf(s.playingID); i >= 0 {
		s.queue.ClearStream(i)
	}
	s.playingID = ""
	next := s.queue.Current() + 1
	s.mu.Unlock()

	s.pipeline.Stop()
	encErr := s.pipeline.Wait()

	switch {
	case derr != nil:
		s.log.Warn().Err(derr).Msg("playback ended with error")
		s.notifier.Error("Something went wrong during playback... skipping ahead!")
	case encErr != nil && !errors.Is(encErr, encoder.ErrNotStarted):
		s.log.Warn().Err(encErr).Msg("encoder exited abnormally")
		s.notifier.Error("The stream cut out... skipping ahead!")
	}

	s.playFrom(next)
}

func (s *Session) queueIdleExpired() {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.notifier.Notify("Nothing to play for a while, I'm leaving the voice channel!")
	s.Dispose()
}

func (s *Session) emptyChannelExpired() {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.notifier.Notify("Everyone left, so I'm heading out too!")
	s.Dispose()
}

package voice

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"layeh.com/gopus"

	"beatkeeper/internal/music/encoder"
)

// DiscordTransport streams audio over discordgo voice connections.
type DiscordTransport struct {
	dg  *discordgo.Session
	log zerolog.Logger
}

func NewDiscordTransport(dg *discordgo.Session, log zerolog.Logger) *DiscordTransport {
	return &DiscordTransport{dg: dg, log: log.With().Str("component", "voice").Logger()}
}

func (t *DiscordTransport) Join(ctx context.Context, guildID, channelID string) (Connection, error) {
	type joinRes struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	ch := make(chan joinRes, 1)
	go func() {
		vc, err := t.dg.ChannelVoiceJoin(guildID, channelID, false, true)
		ch <- joinRes{vc, err}
	}()

	select {
	case <-ctx.Done():
		return nil, &JoinError{Kind: JoinTimeout, Err: ctx.Err()}
	case res := <-ch:
		if res.err != nil {
			return nil, &JoinError{Kind: classifyJoin(res.err), Err: res.err}
		}
		t.log.Info().Str("guild_id", guildID).Str("channel_id", channelID).Msg("joined voice channel")
		return &discordConnection{vc: res.vc, log: t.log}, nil
	}
}

func classifyJoin(err error) JoinErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return JoinTimeout
	case strings.Contains(err.Error(), "timeout"):
		return JoinTimeout
	case strings.Contains(err.Error(), "permission"):
		return JoinPermissionDenied
	default:
		return JoinOther
	}
}

type discordConnection struct {
	vc  *discordgo.VoiceConnection
	log zerolog.Logger
}

func (c *discordConnection) ChannelID() string {
	return c.vc.ChannelID
}

func (c *discordConnection) Disconnect() error {
	return c.vc.Disconnect()
}

func (c *discordConnection) Play(src io.Reader, bitrate int) (Dispatcher, error) {
	enc, err := gopus.NewEncoder(encoder.SampleRate, encoder.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("opus encoder error: %w", err)
	}
	enc.SetBitrate(bitrate)

	d := &discordDispatcher{
		done:   make(chan error, 1),
		end:    make(chan struct{}),
		resume: make(chan struct{}, 1),
	}
	go d.run(src, enc, c.vc, c.log)
	return d, nil
}

type discordDispatcher struct {
	once    sync.Once
	endOnce sync.Once
	done    chan error
	end     chan struct{}

	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func (d *discordDispatcher) Done() <-chan error { return d.done }

// End stops the stream; the dispatcher reports it as a natural finish.
func (d *discordDispatcher) End() {
	d.endOnce.Do(func() { close(d.end) })
	d.Resume() // unblock a paused loop so it can observe end
}

func (d *discordDispatcher) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
}

func (d *discordDispatcher) Resume() {
	d.mu.Lock()
	if d.paused {
		d.paused = false
		select {
		case d.resume <- struct{}{}:
		default:
		}
	}
	d.mu.Unlock()
}

func (d *discordDispatcher) finish(err error) {
	d.once.Do(func() { d.done <- err })
}

// run is the frame loop: read one 20ms PCM frame, opus-encode, hand it to
// the voice socket. Mirrors the sample layout the encoder process emits.
func (d *discordDispatcher) run(src io.Reader, enc *gopus.Encoder, vc *discordgo.VoiceConnection, log zerolog.Logger) {
	if err := vc.Speaking(true); err != nil {
		log.Warn().Err(err).Msg("failed to set speaking state")
	}
	defer func() {
		if err := vc.Speaking(false); err != nil {
			log.Debug().Err(err).Msg("failed to clear speaking state")
		}
	}()

	pcmBuf := make([]byte, encoder.FrameSize*encoder.Channels*2)
	intBuf := make([]int16, encoder.FrameSize*encoder.Channels)

	for {
		select {
		case <-d.end:
			d.finish(nil)
			return
		default:
		}

		d.mu.Lock()
		paused := d.paused
		d.mu.Unlock()
		if paused {
			select {
			case <-d.resume:
			case <-d.end:
				d.finish(nil)
				return
			}
			continue
		}

		if _, err := io.ReadFull(src, pcmBuf); err != nil {
			// An End raced the read: the source pipe was torn down
			// underneath us, which is still a deliberate finish.
			select {
			case <-d.end:
				d.finish(nil)
				return
			default:
			}
			// EOF is the natural end of the track. A ragged tail frame
			// is dropped rather than zero-padded.
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.finish(nil)
			} else {
				d.finish(fmt.Errorf("frame read error: %w", err))
			}
			return
		}

		for i := range intBuf {
			intBuf[i] = int16(binary.LittleEndian.Uint16(pcmBuf[i*2 : i*2+2]))
		}

		opus, err := enc.Encode(intBuf, encoder.FrameSize, len(pcmBuf))
		if err != nil {
			d.finish(fmt.Errorf("opus encode error: %w", err))
			return
		}

		select {
		case vc.OpusSend <- opus:
		case <-d.end:
			d.finish(nil)
			return
		}
	}
}

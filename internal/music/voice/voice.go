// Package voice abstracts the voice transport the playback engine streams
// through. The discordgo implementation lives alongside; the player only
// sees these interfaces.
package voice

import (
	"context"
	"fmt"
	"io"
)

// JoinErrorKind classifies a failed voice-channel join.
type JoinErrorKind int

const (
	JoinOther JoinErrorKind = iota
	JoinPermissionDenied
	JoinTimeout
)

// JoinError wraps a voice join failure with its class. Only the timeout
// class is worth a second attempt.
type JoinError struct {
	Kind JoinErrorKind
	Err  error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("voice join failed: %v", e.Err)
}

func (e *JoinError) Unwrap() error { return e.Err }

// Transport joins voice channels.
type Transport interface {
	Join(ctx context.Context, guildID, channelID string) (Connection, error)
}

// Connection is one live voice connection.
type Connection interface {
	// Play consumes PCM frames from src, encodes them at bitrate
	// bits/s and streams them out. One dispatcher at a time.
	Play(src io.Reader, bitrate int) (Dispatcher, error)
	// ChannelID reports the channel this connection is bound to.
	ChannelID() string
	Disconnect() error
}

// Dispatcher controls one playing stream. Done delivers exactly one value:
// nil for natural completion (including End), an error otherwise.
type Dispatcher interface {
	Pause()
	Resume()
	End()
	Done() <-chan error
}

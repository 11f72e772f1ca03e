// Package notify defines the sink the playback engine reports user-visible
// events to. The presentation layer decides how notices are rendered.
package notify

// Notifier receives short human-readable notices. Implementations must be
// safe for concurrent use; the player calls them from playback goroutines.
type Notifier interface {
	Error(msg string)
	Notify(msg string)
	Success(msg string)
}

// Discard is a Notifier that drops everything. Useful in tests.
type Discard struct{}

func (Discard) Error(string)   {}
func (Discard) Notify(string)  {}
func (Discard) Success(string) {}

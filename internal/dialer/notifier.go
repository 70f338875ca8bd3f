package dialer

// Notifier receives engine-side lifecycle signals. The auto-dial scheduler
// implements it to spawn, kick, and stop per-session runners promptly instead
// of polling.
//
// Implementations must be non-blocking; the engine calls these while work is
// in flight.
type Notifier interface {
	// SessionStarted fires when a session is created or auto-dial is enabled.
	SessionStarted(s Session)
	// SessionChanged fires after any state transition on the session.
	SessionChanged(sessionID string)
	// SessionEnded fires when a session becomes terminal.
	SessionEnded(sessionID string)
	// LeadAvailable fires when a lead (re)becomes auto-dial eligible.
	// repID is the owning rep; empty means any rep may claim it.
	LeadAvailable(repID string)
}

// NopNotifier ignores all signals.
type NopNotifier struct{}

func (NopNotifier) SessionStarted(Session) {}
func (NopNotifier) SessionChanged(string)  {}
func (NopNotifier) SessionEnded(string)    {}
func (NopNotifier) LeadAvailable(string)   {}

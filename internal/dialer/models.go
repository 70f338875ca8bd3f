package dialer

import "time"

// Session is a rep's bounded period of active call-center work.
//
// Invariants:
// - At most one non-terminal Session per rep at any time.
// - At most one non-terminal Call per Session (CurrentCallID).
// - Sessions are never deleted; ending marks them terminal.
//
// Version supports conditional updates: every repository write must compare
// against the expected version and bump it, so racing writers surface
// ErrConflict instead of silently overwriting each other.
type Session struct {
	ID    string `json:"id" db:"id"`
	RepID string `json:"rep_id" db:"rep_id"`

	AutoDial bool          `json:"auto_dial_enabled" db:"auto_dial_enabled"`
	Status   SessionStatus `json:"status" db:"status"`

	// CurrentCallID is the session's single in-flight call; empty when none.
	CurrentCallID string `json:"current_call_id,omitempty" db:"current_call_id"`

	StartedAt time.Time  `json:"started_at" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	Version int64 `json:"-" db:"version"`
}

func (s Session) Terminal() bool { return s.Status == SessionStatusEnded }

type SessionStatus string

const (
	SessionStatusIdle      SessionStatus = "idle"
	SessionStatusDialing   SessionStatus = "dialing"
	SessionStatusConnected SessionStatus = "connected"
	SessionStatusWrapUp    SessionStatus = "wrap_up"
	SessionStatusEnded     SessionStatus = "ended"
)

// Call is one dial attempt against a lead, owned exclusively by the session
// that created it. Terminal once EndedAt is set.
type Call struct {
	ID        string `json:"id" db:"id"`
	SessionID string `json:"session_id" db:"session_id"`
	LeadID    string `json:"lead_id" db:"lead_id"`
	RepID     string `json:"rep_id" db:"rep_id"`

	ProviderCallID string `json:"provider_call_id,omitempty" db:"provider_call_id"`

	Outcome CallOutcome `json:"outcome,omitempty" db:"outcome"`

	StartedAt time.Time  `json:"started_at" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

func (c Call) Terminal() bool { return c.EndedAt != nil }

type CallOutcome string

const (
	OutcomeConnected  CallOutcome = "connected"
	OutcomeNoAnswer   CallOutcome = "no_answer"
	OutcomeVoicemail  CallOutcome = "voicemail"
	OutcomeMissed     CallOutcome = "missed"
	OutcomeEndedByRep CallOutcome = "ended_by_rep"
	OutcomeFailed     CallOutcome = "failed"
)

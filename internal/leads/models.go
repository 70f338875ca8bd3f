package leads

import "time"

// Lead is a dialable prospect record.
//
// Invariants:
// - A lead with disposition dnc is never selected by auto-dial and never
//   leaves dnc again.
// - The auto-dial claim is a conditional disposition update (new/callback ->
//   contacted), never a read-then-write.
type Lead struct {
	ID     string `json:"id" db:"id"`
	Number string `json:"number" db:"number"`

	Disposition Disposition `json:"disposition" db:"disposition"`

	// RepID is the owning rep; empty means unassigned and claimable.
	RepID string `json:"rep_id,omitempty" db:"rep_id"`

	LastCallAt *time.Time `json:"last_call_at,omitempty" db:"last_call_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Disposition string

const (
	DispositionNew       Disposition = "new"
	DispositionContacted Disposition = "contacted"
	DispositionCallback  Disposition = "callback"
	DispositionDNC       Disposition = "dnc"
	DispositionConverted Disposition = "converted"
)

// Callback is a scheduled follow-up call against a lead.
type Callback struct {
	ID     string `json:"id" db:"id"`
	LeadID string `json:"lead_id" db:"lead_id"`

	ScheduledAt time.Time      `json:"scheduled_at" db:"scheduled_at"`
	Status      CallbackStatus `json:"status" db:"status"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

type CallbackStatus string

const (
	CallbackStatusPending   CallbackStatus = "pending"
	CallbackStatusCompleted CallbackStatus = "completed"
)

// UpsellTag is a soft-deleted tag on a lead. Removing a tag sets RemovedAt
// rather than deleting the row, preserving audit history.
type UpsellTag struct {
	ID     string `json:"id" db:"id"`
	LeadID string `json:"lead_id" db:"lead_id"`
	Label  string `json:"label" db:"label"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	RemovedAt *time.Time `json:"removed_at,omitempty" db:"removed_at"`
}

func (t UpsellTag) Active() bool { return t.RemovedAt == nil }

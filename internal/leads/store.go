package leads

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("leads: not found")
	ErrConflict = errors.New("leads: conflict")
)

// Store is the lead store adapter consumed by the dialer core.
//
// Implementations must make ClaimNextEligible atomic: two sessions racing on
// the same lead set must never claim the same lead.
type Store interface {
	GetLead(ctx context.Context, id string) (Lead, error)

	// ClaimNextEligible atomically selects and claims the oldest eligible lead
	// for the rep. Eligible: disposition new, or callback with a pending
	// callback scheduled at or before now; never dnc; owned by the rep or
	// unassigned. Claiming sets disposition contacted and assigns the lead to
	// the rep. Returns ok=false when nothing is eligible.
	ClaimNextEligible(ctx context.Context, repID string, now time.Time) (Lead, bool, error)

	// SetDisposition conditionally moves a lead from one disposition to
	// another; ErrConflict when the current disposition does not match.
	SetDisposition(ctx context.Context, leadID string, from, to Disposition) error

	// MarkDNC sets the lead's disposition to dnc. Idempotent and one-way.
	MarkDNC(ctx context.Context, leadID string) (Lead, error)

	// TouchLastCall records the time of the lead's most recent call.
	TouchLastCall(ctx context.Context, leadID string, at time.Time) error

	GetCallback(ctx context.Context, id string) (Callback, error)
	ScheduleCallback(ctx context.Context, leadID string, at time.Time) (Callback, error)

	// CompleteCallback marks a callback completed. Completing an already
	// completed callback is a no-op returning the stored record.
	CompleteCallback(ctx context.Context, id string, now time.Time) (Callback, error)

	AddUpsellTag(ctx context.Context, leadID, label string) (UpsellTag, error)

	// RemoveUpsellTag soft-deletes a tag by setting RemovedAt. Removing an
	// already removed tag is a no-op.
	RemoveUpsellTag(ctx context.Context, tagID string, now time.Time) (UpsellTag, error)

	ListUpsellTags(ctx context.Context, leadID string) ([]UpsellTag, error)
}

// Package status builds the supervisor's live view of the call floor.
package status

import (
	"context"
	"log/slog"
	"time"

	"dialer-platform/internal/dialer"
	"dialer-platform/internal/leads"
)

// Entry is one rep's line in the live board.
type Entry struct {
	RepID     string               `json:"rep_id"`
	SessionID string               `json:"session_id"`
	Status    dialer.SessionStatus `json:"status"`
	AutoDial  bool                 `json:"auto_dial_enabled"`

	// Call fields are populated only while a call is in flight.
	CallID       string  `json:"call_id,omitempty"`
	LeadID       string  `json:"lead_id,omitempty"`
	LeadNumber   string  `json:"lead_number,omitempty"`
	CallDuration float64 `json:"call_duration_seconds,omitempty"`
}

// Snapshot is a point-in-time aggregation. Errors counts reps whose state
// could not be read; their entries are omitted rather than failing the whole
// snapshot. Each entry is internally consistent; entries are not a cross-rep
// transaction.
type Snapshot struct {
	At     time.Time `json:"at"`
	Reps   []Entry   `json:"reps"`
	Errors int       `json:"errors"`
}

type Aggregator struct {
	repo  dialer.Repository
	store leads.Store
	log   *slog.Logger
	clock func() time.Time
}

func NewAggregator(repo dialer.Repository, store leads.Store, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{repo: repo, store: store, log: log, clock: time.Now}
}

func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	sessions, err := a.repo.ListActiveSessions(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{At: a.clock().UTC(), Reps: make([]Entry, 0, len(sessions))}
	for _, s := range sessions {
		entry, err := a.entryFor(ctx, s)
		if err != nil {
			snap.Errors++
			a.log.Warn("status entry skipped", "session_id", s.ID, "rep_id", s.RepID, "err", err)
			continue
		}
		snap.Reps = append(snap.Reps, entry)
	}
	return snap, nil
}

func (a *Aggregator) entryFor(ctx context.Context, s dialer.Session) (Entry, error) {
	entry := Entry{
		RepID:     s.RepID,
		SessionID: s.ID,
		Status:    s.Status,
		AutoDial:  s.AutoDial,
	}
	// An idle or wrap-up session never shows call details, even if the stored
	// session briefly carries a stale call id.
	if s.CurrentCallID == "" || (s.Status != dialer.SessionStatusDialing && s.Status != dialer.SessionStatusConnected) {
		return entry, nil
	}

	c, err := a.repo.GetCall(ctx, s.CurrentCallID)
	if err != nil {
		return Entry{}, err
	}
	entry.CallID = c.ID
	entry.LeadID = c.LeadID
	entry.CallDuration = a.clock().Sub(c.StartedAt).Seconds()

	lead, err := a.store.GetLead(ctx, c.LeadID)
	if err != nil {
		return Entry{}, err
	}
	entry.LeadNumber = lead.Number
	return entry, nil
}

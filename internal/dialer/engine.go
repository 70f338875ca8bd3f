package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dialer-platform/internal/events"
	"dialer-platform/internal/leads"
	"dialer-platform/internal/telephony"

	"github.com/google/uuid"
)

// Engine is the call lifecycle state machine: the single authority that
// mutates session state. Every transition runs under the owning rep's lock,
// so two operations on the same session are strictly serialized while
// operations on different reps never block each other. The repository's
// version CAS backs this up: an out-of-band writer loses with ErrConflict
// instead of silently overwriting.
type Engine struct {
	repo     Repository
	store    leads.Store
	provider telephony.Provider

	pub   events.Publisher
	log   *slog.Logger
	clock func() time.Time

	// wrapUp is how long a session stays in wrap_up after a call ends before
	// returning to idle. Zero returns to idle within the ending operation.
	wrapUp time.Duration

	notifyMu sync.RWMutex
	notify   Notifier

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // per rep
}

type Config struct {
	WrapUpDuration time.Duration
	Publisher      events.Publisher
	Logger         *slog.Logger
}

func NewEngine(repo Repository, store leads.Store, provider telephony.Provider, cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		repo:     repo,
		store:    store,
		provider: provider,
		pub:      cfg.Publisher,
		log:      log,
		clock:    time.Now,
		wrapUp:   cfg.WrapUpDuration,
		notify:   NopNotifier{},
		locks:    map[string]*sync.Mutex{},
	}
}

// SetNotifier wires the auto-dial scheduler in after construction; the
// scheduler itself needs the engine, so this breaks the cycle.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	if n == nil {
		n = NopNotifier{}
	}
	e.notify = n
}

func (e *Engine) notifier() Notifier {
	e.notifyMu.RLock()
	defer e.notifyMu.RUnlock()
	return e.notify
}

func (e *Engine) lockRep(repID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[repID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[repID] = mu
	}
	return mu
}

/* ===================== SESSIONS ===================== */

// StartSession creates a new idle session for the rep. ErrConflict if the rep
// already has a non-terminal session; the prior session must be ended first.
func (e *Engine) StartSession(ctx context.Context, repID string, autoDial bool) (Session, error) {
	mu := e.lockRep(repID)
	mu.Lock()
	defer mu.Unlock()

	if _, ok, err := e.repo.GetActiveSessionByRep(ctx, repID); err != nil {
		return Session{}, err
	} else if ok {
		return Session{}, ErrConflict
	}

	s := Session{
		ID:        uuid.NewString(),
		RepID:     repID,
		AutoDial:  autoDial,
		Status:    SessionStatusIdle,
		StartedAt: e.clock().UTC(),
	}
	if err := e.repo.CreateSession(ctx, s); err != nil {
		return Session{}, err
	}
	s.Version = 1

	events.Emit(ctx, e.pub, e.log, events.TopicSessionStarted, map[string]any{
		"session_id": s.ID, "rep_id": s.RepID, "auto_dial": s.AutoDial,
	})
	e.notifier().SessionStarted(s)
	return s, nil
}

// GetActiveSession returns the rep's current non-terminal session, if any.
func (e *Engine) GetActiveSession(ctx context.Context, repID string) (Session, bool, error) {
	return e.repo.GetActiveSessionByRep(ctx, repID)
}

// GetSession returns a session by id.
func (e *Engine) GetSession(ctx context.Context, id string) (Session, error) {
	return e.repo.GetSession(ctx, id)
}

// ListActiveSessions returns all non-terminal sessions, ordered by rep.
func (e *Engine) ListActiveSessions(ctx context.Context) ([]Session, error) {
	return e.repo.ListActiveSessions(ctx)
}

// GetCall returns a call by id.
func (e *Engine) GetCall(ctx context.Context, id string) (Call, error) {
	return e.repo.GetCall(ctx, id)
}

// EndSession terminates a session from any state. An in-flight call is
// terminated and hung up at the provider. Ending an already ended session
// fails with ErrNotFound.
func (e *Engine) EndSession(ctx context.Context, sessionID string) (Session, error) {
	s, err := e.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	mu := e.lockRep(s.RepID)
	mu.Lock()
	defer mu.Unlock()

	s, err = e.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if s.Terminal() {
		return Session{}, ErrNotFound
	}

	now := e.clock().UTC()
	if s.CurrentCallID != "" {
		c, err := e.repo.GetCall(ctx, s.CurrentCallID)
		if err == nil && !c.Terminal() {
			if c.Outcome == "" {
				c.Outcome = OutcomeEndedByRep
			}
			c.EndedAt = &now
			if err := e.repo.UpdateCall(ctx, c); err != nil {
				return Session{}, err
			}
			if c.ProviderCallID != "" {
				if err := e.provider.Hangup(ctx, c.ProviderCallID); err != nil {
					e.log.Warn("hangup failed", "call_id", c.ID, "err", err)
				}
			}
			e.touchLead(ctx, c.LeadID, now)
			events.Emit(ctx, e.pub, e.log, events.TopicCallEnded, map[string]any{
				"call_id": c.ID, "session_id": s.ID, "outcome": c.Outcome,
			})
		}
	}

	s.Status = SessionStatusEnded
	s.CurrentCallID = ""
	s.EndedAt = &now
	s, err = e.repo.UpdateSession(ctx, s)
	if err != nil {
		return Session{}, err
	}

	events.Emit(ctx, e.pub, e.log, events.TopicSessionEnded, map[string]any{
		"session_id": s.ID, "rep_id": s.RepID,
	})
	e.notifier().SessionEnded(s.ID)
	return s, nil
}

// SetAutoDial toggles auto-dial on a non-terminal session. Disabling stops
// the session's runner within one polling interval; in-flight calls are not
// affected.
func (e *Engine) SetAutoDial(ctx context.Context, sessionID string, enabled bool) (Session, error) {
	s, err := e.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	mu := e.lockRep(s.RepID)
	mu.Lock()
	defer mu.Unlock()

	s, err = e.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if s.Terminal() {
		return Session{}, ErrNotFound
	}
	if s.AutoDial == enabled {
		return s, nil
	}

	s.AutoDial = enabled
	s, err = e.repo.UpdateSession(ctx, s)
	if err != nil {
		return Session{}, err
	}

	if enabled {
		e.notifier().SessionStarted(s)
	} else {
		e.notifier().SessionChanged(s.ID)
	}
	return s, nil
}

/* ===================== CALLS ===================== */

// StartCall dials the given lead on an idle session. This is the dispatch
// primitive used by the auto-dial scheduler; it re-validates session state
// under the rep lock immediately before placing the call.
func (e *Engine) StartCall(ctx context.Context, sessionID, leadID string) (Call, error) {
	s, err := e.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Call{}, err
	}
	mu := e.lockRep(s.RepID)
	mu.Lock()
	defer mu.Unlock()

	s, err = e.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Call{}, err
	}
	return e.startCallLocked(ctx, s, leadID, false)
}

// Redial creates a new call against the lead of a previous, terminal call on
// the same session. Allowed from idle or wrap_up; ErrConflict if the session
// already has a non-terminal call.
func (e *Engine) Redial(ctx context.Context, callID, sessionID string) (Call, error) {
	c, err := e.repo.GetCall(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if c.SessionID != sessionID {
		return Call{}, ErrNotFound
	}
	mu := e.lockRep(c.RepID)
	mu.Lock()
	defer mu.Unlock()

	c, err = e.repo.GetCall(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if !c.Terminal() {
		return Call{}, ErrConflict
	}
	s, err := e.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Call{}, err
	}
	return e.startCallLocked(ctx, s, c.LeadID, true)
}

// startCallLocked performs the dial under the rep lock. The session is moved
// to dialing before the provider is contacted so that a concurrent dispatch
// conflicts on the repository instead of double-dialing; a provider failure
// rolls the session back to idle with the call marked failed.
func (e *Engine) startCallLocked(ctx context.Context, s Session, leadID string, allowWrapUp bool) (Call, error) {
	if s.Terminal() {
		return Call{}, ErrConflict
	}
	if s.CurrentCallID != "" {
		return Call{}, ErrConflict
	}
	switch s.Status {
	case SessionStatusIdle:
	case SessionStatusWrapUp:
		if !allowWrapUp {
			return Call{}, ErrConflict
		}
	default:
		return Call{}, ErrConflict
	}

	lead, err := e.store.GetLead(ctx, leadID)
	if err != nil {
		return Call{}, mapLeadErr(err)
	}

	now := e.clock().UTC()
	c := Call{
		ID:        uuid.NewString(),
		SessionID: s.ID,
		LeadID:    lead.ID,
		RepID:     s.RepID,
		StartedAt: now,
	}
	if err := e.repo.CreateCall(ctx, c); err != nil {
		return Call{}, err
	}

	s.Status = SessionStatusDialing
	s.CurrentCallID = c.ID
	s, err = e.repo.UpdateSession(ctx, s)
	if err != nil {
		// Lost the race; the call record never went live.
		ended := now
		c.Outcome = OutcomeFailed
		c.EndedAt = &ended
		if uerr := e.repo.UpdateCall(ctx, c); uerr != nil {
			e.log.Error("failed call cleanup failed", "call_id", c.ID, "err", uerr)
		}
		return Call{}, err
	}

	providerID, err := e.provider.PlaceCall(ctx, lead.Number)
	if err != nil {
		ended := e.clock().UTC()
		c.Outcome = OutcomeFailed
		c.EndedAt = &ended
		if uerr := e.repo.UpdateCall(ctx, c); uerr != nil {
			e.log.Error("failed call cleanup failed", "call_id", c.ID, "err", uerr)
		}
		s.Status = SessionStatusIdle
		s.CurrentCallID = ""
		if _, uerr := e.repo.UpdateSession(ctx, s); uerr != nil {
			e.log.Error("session release failed", "session_id", s.ID, "err", uerr)
		}
		e.notifier().SessionChanged(s.ID)
		return Call{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	c.ProviderCallID = providerID
	if err := e.repo.UpdateCall(ctx, c); err != nil {
		return Call{}, err
	}

	events.Emit(ctx, e.pub, e.log, events.TopicCallStarted, map[string]any{
		"call_id": c.ID, "session_id": s.ID, "lead_id": lead.ID, "rep_id": s.RepID,
	})
	e.notifier().SessionChanged(s.ID)
	return c, nil
}

// EndCall terminates the call and moves the owning session through wrap_up
// back to idle. A second EndCall on the same id fails with ErrNotFound: the
// call is already terminal.
func (e *Engine) EndCall(ctx context.Context, callID string) (Call, Session, error) {
	c, err := e.repo.GetCall(ctx, callID)
	if err != nil {
		return Call{}, Session{}, err
	}
	mu := e.lockRep(c.RepID)
	mu.Lock()
	defer mu.Unlock()

	c, err = e.repo.GetCall(ctx, callID)
	if err != nil {
		return Call{}, Session{}, err
	}
	return e.terminateCallLocked(ctx, c, "", false)
}

// HandleProviderEvent applies a telephony webhook event to the matching call.
// Events: answered, no-answer, voicemail, missed, completed, failed.
func (e *Engine) HandleProviderEvent(ctx context.Context, providerCallID, event string) error {
	c, err := e.repo.GetCallByProviderID(ctx, providerCallID)
	if err != nil {
		return err
	}
	mu := e.lockRep(c.RepID)
	mu.Lock()
	defer mu.Unlock()

	c, err = e.repo.GetCall(ctx, c.ID)
	if err != nil {
		return err
	}

	switch event {
	case "answered":
		if c.Terminal() {
			return ErrConflict
		}
		c.Outcome = OutcomeConnected
		if err := e.repo.UpdateCall(ctx, c); err != nil {
			return err
		}
		s, err := e.repo.GetSession(ctx, c.SessionID)
		if err != nil {
			return err
		}
		if !s.Terminal() && s.CurrentCallID == c.ID && s.Status == SessionStatusDialing {
			s.Status = SessionStatusConnected
			if _, err := e.repo.UpdateSession(ctx, s); err != nil {
				return err
			}
		}
		e.notifier().SessionChanged(c.SessionID)
		return nil
	case "no-answer":
		_, _, err := e.terminateCallLocked(ctx, c, OutcomeNoAnswer, false)
		return err
	case "voicemail":
		_, _, err := e.terminateCallLocked(ctx, c, OutcomeVoicemail, false)
		return err
	case "missed":
		_, _, err := e.terminateCallLocked(ctx, c, OutcomeMissed, false)
		return err
	case "completed":
		_, _, err := e.terminateCallLocked(ctx, c, "", false)
		return err
	case "failed":
		_, _, err := e.terminateCallLocked(ctx, c, OutcomeFailed, true)
		return err
	default:
		return fmt.Errorf("unknown provider event %q", event)
	}
}

// terminateCallLocked sets the call terminal and releases the session.
// outcome overrides the call's outcome when non-empty; otherwise a
// provider-set outcome is kept and ended_by_rep is the fallback.
// releaseToIdle skips wrap_up (provider failures free the session for the
// scheduler to retry immediately).
func (e *Engine) terminateCallLocked(ctx context.Context, c Call, outcome CallOutcome, releaseToIdle bool) (Call, Session, error) {
	if c.Terminal() {
		return Call{}, Session{}, ErrNotFound
	}

	now := e.clock().UTC()
	if outcome != "" {
		c.Outcome = outcome
	} else if c.Outcome == "" {
		c.Outcome = OutcomeEndedByRep
	}
	c.EndedAt = &now
	if err := e.repo.UpdateCall(ctx, c); err != nil {
		return Call{}, Session{}, err
	}
	e.touchLead(ctx, c.LeadID, now)

	s, err := e.repo.GetSession(ctx, c.SessionID)
	if err != nil {
		return Call{}, Session{}, err
	}
	if !s.Terminal() && s.CurrentCallID == c.ID {
		s.CurrentCallID = ""
		if releaseToIdle || e.wrapUp <= 0 {
			s.Status = SessionStatusIdle
		} else {
			s.Status = SessionStatusWrapUp
		}
		s, err = e.repo.UpdateSession(ctx, s)
		if err != nil {
			return Call{}, Session{}, err
		}
		if s.Status == SessionStatusWrapUp {
			e.scheduleWrapUpReturn(s.ID)
		}
	}

	events.Emit(ctx, e.pub, e.log, events.TopicCallEnded, map[string]any{
		"call_id": c.ID, "session_id": c.SessionID, "outcome": c.Outcome,
	})
	e.notifier().SessionChanged(c.SessionID)
	return c, s, nil
}

func (e *Engine) scheduleWrapUpReturn(sessionID string) {
	time.AfterFunc(e.wrapUp, func() {
		e.finishWrapUp(context.Background(), sessionID)
	})
}

func (e *Engine) finishWrapUp(ctx context.Context, sessionID string) {
	s, err := e.repo.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	mu := e.lockRep(s.RepID)
	mu.Lock()
	defer mu.Unlock()

	s, err = e.repo.GetSession(ctx, sessionID)
	if err != nil || s.Terminal() || s.Status != SessionStatusWrapUp {
		return
	}
	s.Status = SessionStatusIdle
	if _, err := e.repo.UpdateSession(ctx, s); err != nil {
		e.log.Debug("wrap-up return lost race", "session_id", sessionID, "err", err)
		return
	}
	e.notifier().SessionChanged(sessionID)
}

/* ===================== LEADS ===================== */

// ScheduleCallback records a follow-up call against a lead, typically during
// wrap-up. A contacted lead moves to callback disposition so auto-dial holds
// it until the scheduled time; dnc leads keep their disposition and the
// callback stays inert.
func (e *Engine) ScheduleCallback(ctx context.Context, leadID string, at time.Time) (leads.Callback, error) {
	cb, err := e.store.ScheduleCallback(ctx, leadID, at)
	if err != nil {
		return leads.Callback{}, mapLeadErr(err)
	}
	if err := e.store.SetDisposition(ctx, leadID, leads.DispositionContacted, leads.DispositionCallback); err != nil {
		// The lead may be new, dnc, or already callback; the record alone is
		// enough for the claim query.
		e.log.Debug("callback disposition unchanged", "lead_id", leadID, "err", err)
	}
	return cb, nil
}

// CompleteCallback marks a callback completed; a lead still in callback
// disposition reverts to new so auto-dial can pick it up again.
func (e *Engine) CompleteCallback(ctx context.Context, callbackID string) (leads.Callback, error) {
	cb, err := e.store.GetCallback(ctx, callbackID)
	if err != nil {
		return leads.Callback{}, mapLeadErr(err)
	}
	cb, err = e.store.CompleteCallback(ctx, cb.ID, e.clock().UTC())
	if err != nil {
		return leads.Callback{}, mapLeadErr(err)
	}

	lead, err := e.store.GetLead(ctx, cb.LeadID)
	if err == nil && lead.Disposition == leads.DispositionCallback {
		if err := e.store.SetDisposition(ctx, lead.ID, leads.DispositionCallback, leads.DispositionNew); err != nil {
			// Someone else moved the lead first; the callback is still done.
			e.log.Debug("callback lead revert skipped", "lead_id", lead.ID, "err", err)
		} else {
			e.notifier().LeadAvailable(lead.RepID)
		}
	}

	events.Emit(ctx, e.pub, e.log, events.TopicCallbackDone, map[string]any{
		"callback_id": cb.ID, "lead_id": cb.LeadID,
	})
	return cb, nil
}

// MarkDNC permanently excludes a lead from dialing. Idempotent; nothing may
// clear the flag afterwards.
func (e *Engine) MarkDNC(ctx context.Context, leadID, actingUserID string) error {
	lead, err := e.store.MarkDNC(ctx, leadID)
	if err != nil {
		return mapLeadErr(err)
	}
	events.Emit(ctx, e.pub, e.log, events.TopicLeadDNC, map[string]any{
		"lead_id": lead.ID, "acting_user_id": actingUserID,
	})
	return nil
}

func (e *Engine) touchLead(ctx context.Context, leadID string, at time.Time) {
	if err := e.store.TouchLastCall(ctx, leadID, at); err != nil {
		e.log.Warn("lead last-call update failed", "lead_id", leadID, "err", err)
	}
}

func mapLeadErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, leads.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, leads.ErrConflict):
		return ErrConflict
	default:
		return err
	}
}

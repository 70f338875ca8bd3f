// Package autodial runs one background runner per auto-dial session. A runner
// wakes on engine signals (or a bounded backoff), claims the rep's oldest
// eligible lead, and dispatches a call through the lifecycle engine. The
// engine stays the single authority on session state: the runner's view may be
// stale, and every dispatch is re-validated under the engine's rep lock, so a
// lost race costs a conflict error, never a double dial.
package autodial

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"dialer-platform/internal/dialer"
	"dialer-platform/internal/leads"
)

// Core is the slice of the lifecycle engine the scheduler drives.
type Core interface {
	GetSession(ctx context.Context, id string) (dialer.Session, error)
	ListActiveSessions(ctx context.Context) ([]dialer.Session, error)
	StartCall(ctx context.Context, sessionID, leadID string) (dialer.Call, error)
}

type Config struct {
	// Backoff bounds how long a runner sleeps between passes when no signal
	// arrives.
	Backoff time.Duration

	// MaxRetries caps consecutive provider failures per session; the runner
	// then parks until the next signal.
	MaxRetries int

	Gate   Gate
	Logger *slog.Logger
}

type Scheduler struct {
	core  Core
	store leads.Store
	log   *slog.Logger

	backoff    time.Duration
	maxRetries int
	gate       Gate

	mu      sync.Mutex
	runners map[string]*runner // session id -> runner
	closed  bool
	wg      sync.WaitGroup
}

type runner struct {
	sessionID string
	kick      chan struct{} // buffered(1): collapses bursts of signals
	stop      chan struct{}

	// single-goroutine state, touched only by the run loop
	failures int
	parked   bool   // too many provider failures; wait for a kick
	release  func() // held dial-gate slot, nil when none
}

func NewScheduler(core Core, store leads.Store, cfg Config) *Scheduler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	gate := cfg.Gate
	if gate == nil {
		gate = NopGate{}
	}
	return &Scheduler{
		core:       core,
		store:      store,
		log:        log,
		backoff:    backoff,
		maxRetries: maxRetries,
		gate:       gate,
		runners:    map[string]*runner{},
	}
}

// Resume spawns runners for sessions that already have auto-dial enabled.
// Called once at process start so a restart does not orphan active sessions.
func (s *Scheduler) Resume(ctx context.Context) error {
	sessions, err := s.core.ListActiveSessions(ctx)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.AutoDial {
			s.ensureRunner(sess.ID)
		}
	}
	return nil
}

// Close stops every runner and waits for them to exit. In-flight dispatches
// complete; no new ones start.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, r := range s.runners {
		close(r.stop)
	}
	s.runners = map[string]*runner{}
	s.mu.Unlock()
	s.wg.Wait()
}

/* dialer.Notifier */

func (s *Scheduler) SessionStarted(sess dialer.Session) {
	if !sess.AutoDial {
		return
	}
	s.ensureRunner(sess.ID)
	s.kick(sess.ID)
}

func (s *Scheduler) SessionChanged(sessionID string) {
	s.kick(sessionID)
}

func (s *Scheduler) SessionEnded(sessionID string) {
	s.stopRunner(sessionID)
}

// LeadAvailable kicks every runner: a newly eligible lead may belong to any
// rep, and an unassigned one to all of them. Runners whose session is busy
// ignore the kick.
func (s *Scheduler) LeadAvailable(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runners {
		wake(r)
	}
}

func (s *Scheduler) ensureRunner(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.runners[sessionID]; ok {
		return
	}
	r := &runner{
		sessionID: sessionID,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	s.runners[sessionID] = r
	s.wg.Add(1)
	go s.run(r)
}

func (s *Scheduler) stopRunner(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runners[sessionID]; ok {
		close(r.stop)
		delete(s.runners, sessionID)
	}
}

func (s *Scheduler) kick(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runners[sessionID]; ok {
		wake(r)
	}
}

func wake(r *runner) {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(r *runner) {
	defer s.wg.Done()
	defer func() {
		if r.release != nil {
			r.release()
		}
	}()

	for {
		s.pass(r)

		if r.parked {
			// Only an explicit signal resumes a parked runner.
			select {
			case <-r.stop:
				return
			case <-r.kick:
				r.parked = false
				r.failures = 0
			}
			continue
		}

		select {
		case <-r.stop:
			return
		case <-r.kick:
		case <-time.After(s.backoff):
		}
	}
}

// pass runs one claim-and-dispatch attempt for the runner's session.
func (s *Scheduler) pass(r *runner) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sess, err := s.core.GetSession(ctx, r.sessionID)
	if err != nil {
		if errors.Is(err, dialer.ErrNotFound) {
			s.stopRunner(r.sessionID)
			return
		}
		s.log.Warn("autodial session read failed", "session_id", r.sessionID, "err", err)
		return
	}
	if sess.Terminal() {
		s.stopRunner(r.sessionID)
		return
	}

	// The previous dial finished; free its gate slot.
	if r.release != nil && sess.CurrentCallID == "" {
		r.release()
		r.release = nil
	}

	if !sess.AutoDial {
		// Toggled off. Stop outright; re-enabling registers a fresh runner.
		s.stopRunner(r.sessionID)
		return
	}
	if sess.Status != dialer.SessionStatusIdle {
		return
	}

	if r.release == nil {
		release, ok, err := s.gate.Acquire(ctx)
		if err != nil {
			s.log.Warn("dial gate error", "session_id", r.sessionID, "err", err)
			return
		}
		if !ok {
			return
		}
		r.release = release
	}

	lead, ok, err := s.store.ClaimNextEligible(ctx, sess.RepID, time.Now())
	if err != nil {
		s.log.Warn("lead claim failed", "session_id", r.sessionID, "err", err)
		s.releaseGate(r)
		return
	}
	if !ok {
		s.releaseGate(r)
		return
	}

	if _, err := s.core.StartCall(ctx, sess.ID, lead.ID); err != nil {
		s.unclaim(ctx, lead)
		s.releaseGate(r)
		switch {
		case errors.Is(err, dialer.ErrConflict):
			// The rep started something manually between our read and the
			// dispatch. Not a failure; the next pass re-evaluates.
		case errors.Is(err, dialer.ErrProvider):
			r.failures++
			if r.failures >= s.maxRetries {
				r.parked = true
				s.log.Warn("autodial parked after provider failures",
					"session_id", r.sessionID, "failures", r.failures)
			}
		default:
			s.log.Error("autodial dispatch failed", "session_id", r.sessionID, "err", err)
		}
		return
	}
	r.failures = 0
}

// unclaim returns a lead claimed by this pass to the pool after a failed
// dispatch. Best effort: if the disposition moved again in the meantime,
// leave it alone.
func (s *Scheduler) unclaim(ctx context.Context, lead leads.Lead) {
	err := s.store.SetDisposition(ctx, lead.ID, leads.DispositionContacted, leads.DispositionNew)
	if err != nil && !errors.Is(err, leads.ErrConflict) {
		s.log.Warn("lead unclaim failed", "lead_id", lead.ID, "err", err)
	}
}

func (s *Scheduler) releaseGate(r *runner) {
	if r.release != nil {
		r.release()
		r.release = nil
	}
}

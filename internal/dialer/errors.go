package dialer

import "errors"

// Error taxonomy surfaced by the call lifecycle engine.
//
// - ErrNotFound: unknown id or already-terminal target. Not retryable.
// - ErrConflict: a state-machine precondition failed or a conditional update
//   lost a race. The caller decides whether to refetch and retry; the
//   auto-dial scheduler treats its own conflicts as "someone else acted".
// - ErrProvider: the telephony provider failed. The call is marked failed and
//   the session released to idle; the scheduler applies bounded retries.
var (
	ErrNotFound = errors.New("dialer: not found")
	ErrConflict = errors.New("dialer: conflict")
	ErrProvider = errors.New("dialer: provider failure")
)

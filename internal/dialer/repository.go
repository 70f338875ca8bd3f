package dialer

import "context"

// Repository is the call session store.
//
// Contracts:
// - CreateSession fails with ErrConflict if the rep already has a
//   non-terminal session.
// - UpdateSession is a compare-and-swap on Session.Version: the stored row
//   must carry the caller's version, or ErrConflict is returned and nothing
//   is written. On success the returned session carries the bumped version.
// - Reads return copies; callers never share mutable state with the store.
type Repository interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	GetActiveSessionByRep(ctx context.Context, repID string) (Session, bool, error)
	UpdateSession(ctx context.Context, s Session) (Session, error)
	ListActiveSessions(ctx context.Context) ([]Session, error)

	CreateCall(ctx context.Context, c Call) error
	GetCall(ctx context.Context, id string) (Call, error)
	GetCallByProviderID(ctx context.Context, providerCallID string) (Call, error)
	UpdateCall(ctx context.Context, c Call) error
}

package authority

import (
	"context"
	"time"
)

// Registry holds the authoritative ticket and owner state for every account.
// Implementations serialize operations per account and never make
// operations on different accounts wait on each other.
type Registry interface {
	// Issue stores t as the account's only outstanding ticket. Any prior
	// live ticket is retired so that redeeming it later reports Consumed.
	// It fails with ErrAccountBusy when another process owns the account.
	// Only Release clears an owner; tickets expiring never do.
	Issue(ctx context.Context, t *Ticket, now time.Time) error

	// Redeem consumes the ticket matching r exactly once.
	Redeem(ctx context.Context, r Redemption, now time.Time) (*Ticket, error)

	// Release drops the owner entry. A non-nil owner restricts the release
	// to that owner; releasing an absent entry is not an error.
	Release(ctx context.Context, accountID int32, owner *Owner) error

	// Owner returns the process currently owning the account.
	Owner(ctx context.Context, accountID int32) (Owner, bool, error)

	// Outstanding returns the account's live ticket, or nil.
	Outstanding(ctx context.Context, accountID int32, now time.Time) (*Ticket, error)
}

// Redemption is one redeem attempt.
type Redemption struct {
	AccountID int32
	Digest    Digest
	MachineID string
	// Redeemer, when set, must equal the ticket's target.
	Redeemer *Owner
}

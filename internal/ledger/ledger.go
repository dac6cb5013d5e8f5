// Package ledger holds the balance-ledger domain: users, ledger entries,
// the dedup-claim discipline and the store contract every reconciliation
// component runs against.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrDuplicateUser  = errors.New("username taken")
	ErrUserNotFound   = errors.New("user not found")
	ErrEntryNotFound  = errors.New("ledger entry not found")
	ErrDuplicateEntry = errors.New("ledger entry identifier already recorded")
)

// ValidationError reports malformed or missing request input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// User is a custodial account. Balance and ChannelBalance are satoshi
// amounts and are mutated only through Store settlement operations.
type User struct {
	ID             int64
	Username       string
	PasswordHash   string
	Address        string
	Balance        int64
	ChannelBalance int64
	Channel        string
	CreatedAt      time.Time
}

// Entry is one ledger row. Identifier is the settlement identifier the
// entry is recorded under (txid or payment request) and is unique across
// the whole ledger. Received is false for inbound invoices that have been
// issued but not yet settled.
type Entry struct {
	ID         int64
	Username   string
	Identifier string
	Amount     int64
	Rate       float64
	Currency   string
	Received   bool
	CreatedAt  time.Time
}

// Settlement describes one balance-affecting event to apply atomically.
// ClaimID is the dedup key (txid or payment preimage); it may differ from
// the identifier the entry is recorded under, e.g. an outbound payment
// claims its preimage but is recorded under the original payment request.
type Settlement struct {
	ClaimID      string
	Entry        Entry
	BalanceDelta int64
	ChannelDelta int64
}

// Store is the durable side of the ledger. It is the sole arbiter of the
// dedup invariant: ApplySettlement and SettleInvoice linearize concurrent
// attempts so that exactly one caller observes applied=true, and a failed
// write leaves no partial state behind.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	UserByName(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// ApplySettlement claims s.ClaimID and, on winning the claim, writes
	// the entry and applies the balance deltas in the same transaction.
	// A lost claim returns (false, nil) with no side effects.
	ApplySettlement(ctx context.Context, s Settlement) (bool, error)

	// CreateEntry records a not-yet-settled entry (an issued invoice).
	CreateEntry(ctx context.Context, e *Entry) error

	// SettleInvoice marks the entry for identifier as received and
	// credits the owner's channel balance by amount, all at once. It
	// returns (false, nil) when no entry exists or it is already
	// received.
	SettleInvoice(ctx context.Context, identifier string, amount int64) (*Entry, bool, error)

	EntryByIdentifier(ctx context.Context, identifier string) (*Entry, error)

	// ShiftBalance moves funds between the two balances of one user
	// without touching the ledger (channel open and close paths). The
	// optional channel id is recorded on the user when non-empty.
	ShiftBalance(ctx context.Context, username string, balanceDelta, channelDelta int64, channel string) error

	// SumEntries reports the sum of all received entry amounts for a
	// user; per the ledger invariant it equals balance + channelbalance.
	SumEntries(ctx context.Context, username string) (int64, error)
}

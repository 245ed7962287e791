// Package store defines the persistence contract of the ledger. Backends
// live in the subpackages.
package store

import (
	"context"
	"errors"

	"gitlab.com/arcanecrypto/earnings/models/creators"
	"gitlab.com/arcanecrypto/earnings/models/entries"
	"gitlab.com/arcanecrypto/earnings/models/withdrawals"
)

var (
	// ErrNotFound means the requested row does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicate means the row collides with an existing unique key, like
	// the idempotency key of an entry or the email of a creator
	ErrDuplicate = errors.New("duplicate")
	// ErrOpenWithdrawalExists means the creator already has a withdrawal
	// that is not in a terminal status
	ErrOpenWithdrawalExists = errors.New("creator already has an open withdrawal")
	// ErrStatusConflict means a status transition lost against a concurrent
	// one, or was attempted from the wrong status
	ErrStatusConflict = errors.New("withdrawal status changed concurrently")
)

// Store runs transactions against the ledger data
type Store interface {
	// Update runs fn in a read-write transaction. The transaction is
	// committed if fn returns nil and rolled back otherwise. Errors from fn
	// are returned unchanged.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn against a consistent snapshot. Writes inside a view fail.
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is a single transaction
type Tx interface {
	// InsertCreator registers a creator. If the ID is zero one is assigned.
	InsertCreator(ctx context.Context, creator creators.Creator) (creators.Creator, error)
	GetCreator(ctx context.Context, id int) (creators.Creator, error)
	// LockCreator serializes writers touching the same creator until the
	// transaction ends. Returns ErrNotFound for unknown creators.
	LockCreator(ctx context.Context, id int) error

	// AppendEntry appends an entry, assigning its ID and creation time.
	// Returns ErrDuplicate if its idempotency key is already taken.
	AppendEntry(ctx context.Context, entry entries.Entry) (entries.Entry, error)
	// ListEntries lists the entries of a creator with an ID greater than
	// sinceID, ordered by ID
	ListEntries(ctx context.Context, creatorID int, sinceID int64, limit int) ([]entries.Entry, error)
	// FindOrderEntry finds the entry of the given kind for an order
	FindOrderEntry(ctx context.Context, orderID string, kind entries.Kind) (entries.Entry, error)
	// Totals sums the entries of a creator per kind
	Totals(ctx context.Context, creatorID int) (entries.Totals, error)

	// InsertWithdrawal inserts a new request. Returns
	// ErrOpenWithdrawalExists if the creator already has an open one.
	InsertWithdrawal(ctx context.Context, request withdrawals.Request) (withdrawals.Request, error)
	GetWithdrawal(ctx context.Context, id string) (withdrawals.Request, error)
	// GetOpenWithdrawal returns the creator's non terminal request, if any
	GetOpenWithdrawal(ctx context.Context, creatorID int) (withdrawals.Request, error)
	// TransitionWithdrawal moves the request to a new status, if and only
	// if its current status is one of from. Returns ErrStatusConflict with
	// the unchanged request otherwise.
	TransitionWithdrawal(ctx context.Context, id string, from []withdrawals.Status,
		transition withdrawals.Transition) (withdrawals.Request, error)
	// ListWithdrawals lists requests newest first, along with the total
	// amount of requests matching the filter
	ListWithdrawals(ctx context.Context, filter withdrawals.Filter,
		page withdrawals.Page) ([]withdrawals.Request, int, error)

	AppendAudit(ctx context.Context, entry withdrawals.AuditEntry) (withdrawals.AuditEntry, error)
	// ListAudit lists the audit trail of a withdrawal, oldest first
	ListAudit(ctx context.Context, withdrawalID string) ([]withdrawals.AuditEntry, error)
}

// Package ledger is the creator earnings ledger. It records sales and
// refunds as append-only entries, derives balances from them, and moves
// withdrawal requests through their lifecycle.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"gitlab.com/arcanecrypto/earnings/async"
	"gitlab.com/arcanecrypto/earnings/build"
	"gitlab.com/arcanecrypto/earnings/models/creators"
	"gitlab.com/arcanecrypto/earnings/models/entries"
	"gitlab.com/arcanecrypto/earnings/models/withdrawals"
	"gitlab.com/arcanecrypto/earnings/store"
)

var log = build.AddSubLogger("LDGR")

const (
	// readAttempts is how many times a read is tried before giving up.
	// Writes are tried exactly once.
	readAttempts = 3
	readBackoff  = 50 * time.Millisecond
)

// PayoutNotifier hands approved withdrawals to the external payout
// processor. It must not block; the processor reports back through
// HandlePayoutConfirmation.
type PayoutNotifier interface {
	NotifyApproved(ctx context.Context, request withdrawals.Request)
}

// Observer is told about everything the ledger records
type Observer interface {
	EntryAppended(kind entries.Kind, amount int64)
	WithdrawalTransitioned(from *withdrawals.Status, to withdrawals.Status)
	OperationFailed(operation string, err error)
}

type noopNotifier struct{}

func (noopNotifier) NotifyApproved(context.Context, withdrawals.Request) {}

type noopObserver struct{}

func (noopObserver) EntryAppended(entries.Kind, int64)                              {}
func (noopObserver) WithdrawalTransitioned(*withdrawals.Status, withdrawals.Status) {}
func (noopObserver) OperationFailed(string, error)                                  {}

// Config holds the optional collaborators of the ledger
type Config struct {
	Notifier PayoutNotifier
	Observer Observer
	// Now defaults to time.Now in UTC
	Now func() time.Time
	// NewID creates withdrawal IDs, and defaults to random UUIDs
	NewID func() string
}

// Ledger is the entry point for every operation on balances and
// withdrawals
type Ledger struct {
	store    store.Store
	notifier PayoutNotifier
	observer Observer
	now      func() time.Time
	newID    func() string
}

// New creates a ledger on top of the given store
func New(s store.Store, conf Config) *Ledger {
	l := &Ledger{
		store:    s,
		notifier: conf.Notifier,
		observer: conf.Observer,
		now:      conf.Now,
		newID:    conf.NewID,
	}
	if l.notifier == nil {
		l.notifier = noopNotifier{}
	}
	if l.observer == nil {
		l.observer = noopObserver{}
	}
	if l.now == nil {
		l.now = func() time.Time { return time.Now().UTC() }
	}
	if l.newID == nil {
		l.newID = func() string { return uuid.New().String() }
	}
	return l
}

func retryable(err error) bool {
	return IsPersistenceFailure(err) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// read runs fn in a view, retrying a bounded number of times if the store
// fails
func (l *Ledger) read(ctx context.Context, operation string, fn func(tx store.Tx) error) error {
	err := async.RetryIf(readAttempts, readBackoff, retryable, func() error {
		return classify(l.store.View(ctx, fn))
	})
	if err != nil {
		l.failed(operation, err)
	}
	return err
}

// write runs fn in a single read-write transaction. It is never retried,
// the caller decides whether to try again.
func (l *Ledger) write(ctx context.Context, operation string, fn func(tx store.Tx) error) error {
	err := classify(l.store.Update(ctx, fn))
	if err != nil {
		l.failed(operation, err)
	}
	return err
}

func (l *Ledger) failed(operation string, err error) {
	l.observer.OperationFailed(operation, err)
	entry := log.WithError(err).WithField("operation", operation)
	if IsPersistenceFailure(err) {
		entry.Error("Ledger operation failed")
		return
	}
	entry.Debug("Ledger operation refused")
}

// appendEntry appends the entry, translating store errors. The observer is
// not told, the transaction may still roll back: see entriesAppended.
func (l *Ledger) appendEntry(ctx context.Context, tx store.Tx, entry entries.Entry) (entries.Entry, error) {
	appended, err := tx.AppendEntry(ctx, entry)
	switch {
	case err == nil:
		return appended, nil
	case errors.Is(err, store.ErrDuplicate):
		return entries.Entry{}, ErrDuplicateEvent
	case errors.Is(err, store.ErrNotFound):
		return entries.Entry{}, ErrCreatorNotFound
	default:
		return entries.Entry{}, err
	}
}

// entriesAppended tells the observer about entries of a committed write
func (l *Ledger) entriesAppended(appended ...entries.Entry) {
	for _, entry := range appended {
		l.observer.EntryAppended(entry.Kind, entry.Amount)
	}
}

// lockCreator takes the creator lock every write for a creator goes
// through
func lockCreator(ctx context.Context, tx store.Tx, creatorID int) error {
	err := tx.LockCreator(ctx, creatorID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrCreatorNotFound
	}
	return err
}

// RegisterCreator makes a creator known to the ledger. If the ID is zero
// one is assigned.
func (l *Ledger) RegisterCreator(ctx context.Context, creator creators.Creator) (creators.Creator, error) {
	creator = creator.Normalize()
	if err := creator.Validate(); err != nil {
		return creators.Creator{}, invalidRequest("%v", err)
	}
	if creator.ID < 0 {
		return creators.Creator{}, invalidRequest("creator ID cannot be negative")
	}

	var registered creators.Creator
	err := l.write(ctx, "register_creator", func(tx store.Tx) error {
		var err error
		registered, err = tx.InsertCreator(ctx, creator)
		if errors.Is(err, store.ErrDuplicate) {
			return invalidRequest("creator with ID %d or email %s already exists",
				creator.ID, creator.Email)
		}
		return err
	})
	if err != nil {
		return creators.Creator{}, err
	}

	log.WithField("creatorId", registered.ID).Info("Registered creator")
	return registered, nil
}

// GetCreator returns the given creator
func (l *Ledger) GetCreator(ctx context.Context, id int) (creators.Creator, error) {
	var creator creators.Creator
	err := l.read(ctx, "get_creator", func(tx store.Tx) error {
		var err error
		creator, err = tx.GetCreator(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return ErrCreatorNotFound
		}
		return err
	})
	return creator, err
}

// GetBalance computes the balance of a creator from a consistent snapshot
// of their entries. A concurrently appended entry is either fully included
// or not at all.
func (l *Ledger) GetBalance(ctx context.Context, creatorID int) (entries.Balance, error) {
	var balance entries.Balance
	err := l.read(ctx, "get_balance", func(tx store.Tx) error {
		if _, err := tx.GetCreator(ctx, creatorID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrCreatorNotFound
			}
			return err
		}
		totals, err := tx.Totals(ctx, creatorID)
		if err != nil {
			return err
		}
		balance = totals.Balance(creatorID)
		return nil
	})
	return balance, err
}

// History lists a creator's entries with an ID greater than sinceID, oldest
// first
func (l *Ledger) History(ctx context.Context, creatorID int, sinceID int64, limit int) ([]entries.Entry, error) {
	if sinceID < 0 {
		return nil, invalidRequest("sinceId cannot be negative")
	}
	limit = withdrawals.Page{Limit: limit}.Normalize().Limit

	var found []entries.Entry
	err := l.read(ctx, "history", func(tx store.Tx) error {
		if _, err := tx.GetCreator(ctx, creatorID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrCreatorNotFound
			}
			return err
		}
		var err error
		found, err = tx.ListEntries(ctx, creatorID, sinceID, limit)
		return err
	})
	return found, err
}

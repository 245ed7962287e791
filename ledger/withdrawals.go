package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/earnings/models/entries"
	"gitlab.com/arcanecrypto/earnings/models/withdrawals"
	"gitlab.com/arcanecrypto/earnings/store"
)

// WithdrawalInput is what a creator fills in when asking for a withdrawal
type WithdrawalInput struct {
	CreatorID    int
	Amount       int64
	PayoutMethod withdrawals.PayoutMethod
	Note         string
}

// RequestWithdrawal creates a withdrawal in REQUESTED status, holding the
// amount from the creator's available balance. It fails with
// ErrInsufficientBalance if the amount exceeds the available balance, and
// with a *PendingRequestError if the creator already has an open request.
// Checking and creating happen atomically, so concurrent requests from the
// same creator result in at most one open request.
func (l *Ledger) RequestWithdrawal(ctx context.Context, actor withdrawals.Actor, input WithdrawalInput) (withdrawals.Request, error) {
	if input.Amount <= 0 {
		err := invalidRequest("withdrawal amount must be positive, got %d", input.Amount)
		l.failed("request_withdrawal", err)
		return withdrawals.Request{}, err
	}
	if _, err := withdrawals.ParsePayoutMethod(string(input.PayoutMethod)); err != nil {
		err = invalidRequest("%v", err)
		l.failed("request_withdrawal", err)
		return withdrawals.Request{}, err
	}

	request := withdrawals.Request{
		ID:           l.newID(),
		CreatorID:    input.CreatorID,
		Amount:       input.Amount,
		Status:       withdrawals.REQUESTED,
		PayoutMethod: input.PayoutMethod,
		Note:         strings.TrimSpace(input.Note),
	}

	var created withdrawals.Request
	var hold entries.Entry
	err := l.write(ctx, "request_withdrawal", func(tx store.Tx) error {
		if err := lockCreator(ctx, tx, input.CreatorID); err != nil {
			return err
		}

		open, err := tx.GetOpenWithdrawal(ctx, input.CreatorID)
		switch {
		case err == nil:
			return &PendingRequestError{WithdrawalID: open.ID}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		totals, err := tx.Totals(ctx, input.CreatorID)
		if err != nil {
			return err
		}
		if available := totals.Balance(input.CreatorID).AvailableForWithdrawal; input.Amount > available {
			return &InsufficientBalanceError{Requested: input.Amount, Available: available}
		}

		created, err = tx.InsertWithdrawal(ctx, request)
		if err != nil {
			return err
		}
		hold = entries.NewWithdrawalEntry(entries.HOLD, created.CreatorID, created.ID, created.Amount)
		if hold, err = l.appendEntry(ctx, tx, hold); err != nil {
			return err
		}
		_, err = tx.AppendAudit(ctx, withdrawals.NewAuditEntry(
			actor, created.ID, nil, withdrawals.REQUESTED, nilIfEmpty(created.Note), l.now()))
		return err
	})

	// the creator lock makes this unlikely, but the unique index has the
	// last word. The failed transaction cannot be reused to find the
	// existing request, so look it up separately.
	if errors.Is(err, store.ErrOpenWithdrawalExists) {
		err = l.pendingRequestError(ctx, input.CreatorID)
	}
	if err != nil {
		return withdrawals.Request{}, err
	}

	l.entriesAppended(hold)
	l.observer.WithdrawalTransitioned(nil, withdrawals.REQUESTED)
	log.WithFields(logrus.Fields{
		"withdrawalId": created.ID,
		"creatorId":    created.CreatorID,
		"amount":       created.Amount,
	}).Info("Withdrawal requested")
	return created, nil
}

func (l *Ledger) pendingRequestError(ctx context.Context, creatorID int) error {
	var open withdrawals.Request
	err := l.read(ctx, "get_open_withdrawal", func(tx store.Tx) error {
		var err error
		open, err = tx.GetOpenWithdrawal(ctx, creatorID)
		return err
	})
	if err != nil {
		return err
	}
	return &PendingRequestError{WithdrawalID: open.ID}
}

// Approve moves a REQUESTED withdrawal to APPROVED, and hands it to the
// payout processor. The balance does not change.
func (l *Ledger) Approve(ctx context.Context, actor withdrawals.Actor, id string, note *string) (withdrawals.Request, error) {
	approved, err := l.transition(ctx, actor, id, withdrawals.REQUESTED, withdrawals.Transition{
		To:        withdrawals.APPROVED,
		AdminNote: trimmed(note),
	}, nil)
	if err != nil {
		return withdrawals.Request{}, err
	}

	l.notifier.NotifyApproved(context.WithoutCancel(ctx), approved)
	return approved, nil
}

// Reject moves a withdrawal from the status the caller saw it in, REQUESTED
// or APPROVED, to REJECTED, and releases the held amount back to the
// available balance. A note is required. If the withdrawal moved on since
// the caller saw it, Reject fails with a *TransitionError, so an approval
// racing a rejection of the same REQUESTED withdrawal leaves one winner.
func (l *Ledger) Reject(ctx context.Context, actor withdrawals.Actor, id string,
	seen withdrawals.Status, note string) (withdrawals.Request, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		err := invalidRequest("rejecting a withdrawal requires a note")
		l.failed("reject_withdrawal", err)
		return withdrawals.Request{}, err
	}

	return l.transition(ctx, actor, id, seen, withdrawals.Transition{
		To:        withdrawals.REJECTED,
		AdminNote: &note,
	}, func(request withdrawals.Request) entries.Entry {
		return entries.NewWithdrawalEntry(entries.REVERSAL, request.CreatorID, request.ID, request.Amount)
	})
}

// Complete moves an APPROVED withdrawal to PROCESSED, after the payout
// processor confirmed the transfer. The held amount moves from pending to
// withdrawn.
func (l *Ledger) Complete(ctx context.Context, actor withdrawals.Actor, id string, transferRef *string) (withdrawals.Request, error) {
	return l.transition(ctx, actor, id, withdrawals.APPROVED, withdrawals.Transition{
		To:                  withdrawals.PROCESSED,
		ExternalTransferRef: trimmed(transferRef),
	}, func(request withdrawals.Request) entries.Entry {
		return entries.NewWithdrawalEntry(entries.COMPLETE, request.CreatorID, request.ID, request.Amount)
	})
}

// transition moves a withdrawal from the status seen to a new status. The
// status change, the ledger entry produced by entryFor and the audit entry
// are written in one transaction, and the status change only happens if
// the withdrawal is still in the seen status. Of two concurrent transitions
// on the same request, the loser gets a *TransitionError.
//
// Once started a transition runs to completion, even if ctx is canceled.
func (l *Ledger) transition(ctx context.Context, actor withdrawals.Actor, id string, seen withdrawals.Status,
	change withdrawals.Transition, entryFor func(withdrawals.Request) entries.Entry) (withdrawals.Request, error) {
	ctx = context.WithoutCancel(ctx)
	operation := strings.ToLower(string(withdrawals.ActionFor(change.To))) + "_withdrawal"

	if !seen.CanTransitionTo(change.To) {
		err := invalidRequest("a %s withdrawal cannot become %s", seen, change.To)
		l.failed(operation, err)
		return withdrawals.Request{}, err
	}

	var updated withdrawals.Request
	var entry entries.Entry
	err := l.write(ctx, operation, func(tx store.Tx) error {
		creatorID, err := withdrawalCreator(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := lockCreator(ctx, tx, creatorID); err != nil {
			return err
		}
		// read the status again under the lock, a transition that held it
		// before us is committed by now
		current, err := tx.GetWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != seen {
			return &TransitionError{WithdrawalID: id, Current: current.Status, Requested: change.To}
		}

		change.At = l.now()
		updated, err = tx.TransitionWithdrawal(ctx, id, []withdrawals.Status{seen}, change)
		if errors.Is(err, store.ErrStatusConflict) {
			return &TransitionError{WithdrawalID: id, Current: updated.Status, Requested: change.To}
		} else if err != nil {
			return err
		}

		if entryFor != nil {
			if entry, err = l.appendEntry(ctx, tx, entryFor(updated)); err != nil {
				return err
			}
		}

		_, err = tx.AppendAudit(ctx, withdrawals.NewAuditEntry(
			actor, id, &seen, change.To, noteFor(change), change.At))
		return err
	})
	if err != nil {
		return withdrawals.Request{}, err
	}

	if entryFor != nil {
		l.entriesAppended(entry)
	}
	l.observer.WithdrawalTransitioned(&seen, change.To)
	log.WithFields(logrus.Fields{
		"withdrawalId": id,
		"from":         seen,
		"to":           change.To,
		"actor":        actor.Role,
		"actorId":      actor.ID,
	}).Info("Withdrawal changed status")
	return updated, nil
}

func withdrawalCreator(ctx context.Context, tx store.Tx, id string) (int, error) {
	request, err := tx.GetWithdrawal(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrWithdrawalNotFound
	} else if err != nil {
		return 0, err
	}
	return request.CreatorID, nil
}

// GetWithdrawal returns the given withdrawal
func (l *Ledger) GetWithdrawal(ctx context.Context, id string) (withdrawals.Request, error) {
	var request withdrawals.Request
	err := l.read(ctx, "get_withdrawal", func(tx store.Tx) error {
		var err error
		request, err = tx.GetWithdrawal(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return ErrWithdrawalNotFound
		}
		return err
	})
	return request, err
}

func noteFor(change withdrawals.Transition) *string {
	if change.AdminNote != nil {
		return change.AdminNote
	}
	if change.ExternalTransferRef != nil {
		ref := "transfer reference " + *change.ExternalTransferRef
		return &ref
	}
	return nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	return nilIfEmpty(strings.TrimSpace(*s))
}

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

// OrderCompleted is emitted by checkout when an order is fulfilled
type OrderCompleted struct {
	OrderID   string `json:"orderId"`
	CreatorID int    `json:"creatorId"`
	// NetAmount is what the creator earns from the order, after fees
	NetAmount int64 `json:"netAmount"`
}

// OrderRefunded is emitted by checkout when (part of) an order is refunded
type OrderRefunded struct {
	OrderID   string `json:"orderId"`
	CreatorID int    `json:"creatorId"`
	// Amount is the positive amount taken back from the creator
	Amount int64 `json:"amount"`
}

// PayoutConfirmation is reported by the payout processor when it has tried
// paying out an approved withdrawal
type PayoutConfirmation struct {
	WithdrawalID string  `json:"withdrawalId"`
	Success      bool    `json:"success"`
	TransferRef  *string `json:"transferRef,omitempty"`
	// Reason explains a failed payout
	Reason string `json:"reason,omitempty"`
}

// RecordSale appends a SALE entry for a completed order. Recording the same
// order twice fails with ErrDuplicateEvent and leaves the balance unchanged.
func (l *Ledger) RecordSale(ctx context.Context, event OrderCompleted) (entries.Entry, error) {
	event.OrderID = strings.TrimSpace(event.OrderID)
	entry := entries.NewSale(event.CreatorID, event.OrderID, event.NetAmount)
	if err := entry.Validate(); err != nil {
		l.failed("record_sale", err)
		return entries.Entry{}, err
	}

	var appended entries.Entry
	err := l.write(ctx, "record_sale", func(tx store.Tx) error {
		if err := lockCreator(ctx, tx, event.CreatorID); err != nil {
			return err
		}
		var err error
		appended, err = l.appendEntry(ctx, tx, entry)
		return err
	})
	if err != nil {
		return entries.Entry{}, err
	}
	l.entriesAppended(appended)

	log.WithFields(logrus.Fields{
		"orderId":   event.OrderID,
		"creatorId": event.CreatorID,
		"amount":    event.NetAmount,
	}).Info("Recorded sale")
	return appended, nil
}

// RecordRefund appends a REFUND entry. The order must have a recorded sale
// for the same creator, and cannot be refunded for more than it earned.
// Refunds are always recorded, even if they drive the available balance
// negative.
func (l *Ledger) RecordRefund(ctx context.Context, event OrderRefunded) (entries.Entry, error) {
	event.OrderID = strings.TrimSpace(event.OrderID)
	if event.Amount <= 0 {
		err := invalidRefund("refund amount must be positive, got %d", event.Amount)
		l.failed("record_refund", err)
		return entries.Entry{}, err
	}
	entry := entries.NewRefund(event.CreatorID, event.OrderID, event.Amount)
	if err := entry.Validate(); err != nil {
		l.failed("record_refund", err)
		return entries.Entry{}, err
	}

	var appended entries.Entry
	err := l.write(ctx, "record_refund", func(tx store.Tx) error {
		if err := lockCreator(ctx, tx, event.CreatorID); err != nil {
			return err
		}

		sale, err := tx.FindOrderEntry(ctx, event.OrderID, entries.SALE)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return invalidRefund("no sale recorded for order %s", event.OrderID)
		case err != nil:
			return err
		case sale.CreatorID != event.CreatorID:
			return invalidRefund("order %s belongs to another creator", event.OrderID)
		case event.Amount > sale.Amount:
			return invalidRefund("refund of %d exceeds sale of %d", event.Amount, sale.Amount)
		}

		appended, err = l.appendEntry(ctx, tx, entry)
		return err
	})
	if err != nil {
		return entries.Entry{}, err
	}
	l.entriesAppended(appended)

	log.WithFields(logrus.Fields{
		"orderId":   event.OrderID,
		"creatorId": event.CreatorID,
		"amount":    event.Amount,
	}).Info("Recorded refund")
	return appended, nil
}

func invalidRefund(format string, args ...interface{}) error {
	return wrapf(ErrInvalidEntry, format, args...)
}

// HandlePayoutConfirmation completes or rejects an approved withdrawal,
// depending on the outcome the payout processor reports. Only APPROVED
// withdrawals were handed to the processor, confirmations for withdrawals
// in any other status fail with a *TransitionError. Repeated deliveries of
// an outcome that is already recorded return the request unchanged.
func (l *Ledger) HandlePayoutConfirmation(ctx context.Context, confirmation PayoutConfirmation) (withdrawals.Request, error) {
	expected := withdrawals.REJECTED
	if confirmation.Success {
		expected = withdrawals.PROCESSED
	}

	current, err := l.GetWithdrawal(ctx, confirmation.WithdrawalID)
	if err != nil {
		return withdrawals.Request{}, err
	}
	if current.Status == expected {
		log.WithField("withdrawalId", current.ID).Info("Ignoring repeated payout confirmation")
		return current, nil
	}

	var updated withdrawals.Request
	if confirmation.Success {
		updated, err = l.Complete(ctx, withdrawals.SystemActor, confirmation.WithdrawalID, confirmation.TransferRef)
	} else {
		reason := strings.TrimSpace(confirmation.Reason)
		if reason == "" {
			reason = "no reason given"
		}
		updated, err = l.Reject(ctx, withdrawals.SystemActor, confirmation.WithdrawalID,
			withdrawals.APPROVED, "payout failed: "+reason)
	}

	// a concurrent delivery of the same confirmation may have won
	var transitionErr *TransitionError
	if errors.As(err, &transitionErr) && transitionErr.Current == expected {
		return l.GetWithdrawal(ctx, confirmation.WithdrawalID)
	}
	return updated, err
}

package ledger

import (
	"context"
	"errors"

	"gitlab.com/arcanecrypto/earnings/models/withdrawals"
	"gitlab.com/arcanecrypto/earnings/store"
)

// WithdrawalPage is a page of withdrawals, along with how many withdrawals
// match the filter in total
type WithdrawalPage struct {
	Items  []withdrawals.Request `json:"items"`
	Total  int                   `json:"total"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

// ListWithdrawals lists withdrawals matching the filter, newest first
func (l *Ledger) ListWithdrawals(ctx context.Context, filter withdrawals.Filter, page withdrawals.Page) (WithdrawalPage, error) {
	if filter.CreatedFrom != nil && filter.CreatedTo != nil && filter.CreatedTo.Before(*filter.CreatedFrom) {
		err := invalidRequest("created range ends before it starts")
		l.failed("list_withdrawals", err)
		return WithdrawalPage{}, err
	}
	page = page.Normalize()

	result := WithdrawalPage{Limit: page.Limit, Offset: page.Offset}
	err := l.read(ctx, "list_withdrawals", func(tx store.Tx) error {
		var err error
		result.Items, result.Total, err = tx.ListWithdrawals(ctx, filter, page)
		return err
	})
	if err != nil {
		return WithdrawalPage{}, err
	}
	return result, nil
}

// CreatorWithdrawals lists the withdrawals of a single creator, newest
// first
func (l *Ledger) CreatorWithdrawals(ctx context.Context, creatorID int, page withdrawals.Page) (WithdrawalPage, error) {
	if _, err := l.GetCreator(ctx, creatorID); err != nil {
		return WithdrawalPage{}, err
	}
	return l.ListWithdrawals(ctx, withdrawals.Filter{CreatorID: &creatorID}, page)
}

// WithdrawalAudit returns every action taken on a withdrawal, oldest first
func (l *Ledger) WithdrawalAudit(ctx context.Context, id string) ([]withdrawals.AuditEntry, error) {
	var trail []withdrawals.AuditEntry
	err := l.read(ctx, "withdrawal_audit", func(tx store.Tx) error {
		if _, err := tx.GetWithdrawal(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrWithdrawalNotFound
			}
			return err
		}
		var err error
		trail, err = tx.ListAudit(ctx, id)
		return err
	})
	return trail, err
}

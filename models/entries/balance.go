package entries

// Balance is the derived balance of a creator. It is never stored, only
// computed from the creator's entries.
type Balance struct {
	CreatorID int `json:"creatorId"`
	// LifetimeEarned is the sum of all sales, net of refunds
	LifetimeEarned int64 `json:"lifetimeEarned"`
	// AvailableForWithdrawal can be negative, if proceeds that were already
	// withdrawn get refunded
	AvailableForWithdrawal int64 `json:"availableForWithdrawal"`
	// PendingWithdrawal is the amount held by open withdrawals
	PendingWithdrawal int64 `json:"pendingWithdrawal"`
	// Withdrawn is the amount that has been paid out
	Withdrawn int64 `json:"withdrawn"`
}

// Apply returns the balance after the given entry is applied
func (b Balance) Apply(e Entry) Balance {
	switch e.Kind {
	case SALE, REFUND:
		b.LifetimeEarned += e.Amount
		b.AvailableForWithdrawal += e.Amount
	case HOLD, REVERSAL:
		b.AvailableForWithdrawal += e.Amount
		b.PendingWithdrawal -= e.Amount
	case COMPLETE:
		b.PendingWithdrawal += e.Amount
		b.Withdrawn -= e.Amount
	}
	return b
}

// Fold computes the balance of the given entries by applying them one by
// one. Entries belonging to other creators are ignored.
func Fold(creatorID int, entries []Entry) Balance {
	balance := Balance{CreatorID: creatorID}
	for _, e := range entries {
		if e.CreatorID != creatorID {
			continue
		}
		balance = balance.Apply(e)
	}
	return balance
}

// Totals is the sum of entry amounts, per kind
type Totals map[Kind]int64

// Add adds the entry amount to the totals of its kind
func (t Totals) Add(e Entry) {
	t[e.Kind] += e.Amount
}

// Balance converts the per kind totals into a balance
func (t Totals) Balance(creatorID int) Balance {
	return Balance{
		CreatorID:              creatorID,
		LifetimeEarned:         t[SALE] + t[REFUND],
		AvailableForWithdrawal: t[SALE] + t[REFUND] + t[HOLD] + t[REVERSAL],
		PendingWithdrawal:      -(t[HOLD] + t[REVERSAL]) + t[COMPLETE],
		Withdrawn:              -t[COMPLETE],
	}
}

// Package entries contains the append-only ledger entries recorded for
// creators, and the fold that turns them into a balance.
package entries

import (
	"encoding"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
)

// ErrInvalidEntry means an entry was rejected before it was appended
var ErrInvalidEntry = errors.New("invalid ledger entry")

// Kind is the kind of a ledger entry
type Kind string

const (
	// SALE is the net proceeds of a completed order
	SALE Kind = "SALE"
	// REFUND claws back (part of) the proceeds of an order
	REFUND Kind = "REFUND"
	// HOLD reserves money for a requested withdrawal
	HOLD Kind = "WITHDRAWAL_HOLD"
	// REVERSAL releases the hold of a rejected withdrawal
	REVERSAL Kind = "WITHDRAWAL_REVERSAL"
	// COMPLETE marks held money as paid out
	COMPLETE Kind = "WITHDRAWAL_COMPLETE"
)

// Kinds lists all entry kinds
var Kinds = []Kind{SALE, REFUND, HOLD, REVERSAL, COMPLETE}

func (k Kind) MarshalText() (text []byte, err error) {
	return []byte(strings.ToLower(string(k))), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	upper := Kind(strings.ToUpper(string(text)))
	if !upper.Valid() {
		return fmt.Errorf("unknown entry kind %q", text)
	}
	*k = upper
	return nil
}

var _ encoding.TextMarshaler = SALE
var _ encoding.TextUnmarshaler = new(Kind)

// Valid checks whether k is a known kind
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsOrderKind is true for the kinds that relate to an order. All other
// kinds relate to a withdrawal.
func (k Kind) IsOrderKind() bool {
	return k == SALE || k == REFUND
}

// positive is true for the kinds that carry a positive amount
func (k Kind) positive() bool {
	return k == SALE || k == REVERSAL
}

// Entry is a single, immutable ledger entry. Amount is in minor currency
// units and signed by the entry's effect on the available balance. The
// exception is COMPLETE, whose amount is signed by its effect
// on the pending balance.
type Entry struct {
	ID                  int64     `db:"id" json:"id"`
	CreatorID           int       `db:"creator_id" json:"creatorId"`
	Kind                Kind      `db:"kind" json:"kind"`
	Amount              int64     `db:"amount" json:"amount"`
	RelatedOrderID      *string   `db:"related_order_id" json:"relatedOrderId,omitempty"`
	RelatedWithdrawalID *string   `db:"related_withdrawal_id" json:"relatedWithdrawalId,omitempty"`
	CreatedAt           time.Time `db:"created_at" json:"createdAt"`
}

// NewSale creates a sale entry for the given order
func NewSale(creatorID int, orderID string, netAmount int64) Entry {
	return Entry{
		CreatorID:      creatorID,
		Kind:           SALE,
		Amount:         netAmount,
		RelatedOrderID: &orderID,
	}
}

// NewRefund creates a refund entry for the given order. amount is the
// positive amount refunded to the buyer.
func NewRefund(creatorID int, orderID string, amount int64) Entry {
	return Entry{
		CreatorID:      creatorID,
		Kind:           REFUND,
		Amount:         -amount,
		RelatedOrderID: &orderID,
	}
}

// NewWithdrawalEntry creates a withdrawal related entry. amount is the
// positive amount of the withdrawal, the sign is derived from the kind.
func NewWithdrawalEntry(kind Kind, creatorID int, withdrawalID string, amount int64) Entry {
	if !kind.positive() {
		amount = -amount
	}
	return Entry{
		CreatorID:           creatorID,
		Kind:                kind,
		Amount:              amount,
		RelatedWithdrawalID: &withdrawalID,
	}
}

// Validate checks that the entry can be appended. All returned errors wrap
// ErrInvalidEntry.
func (e Entry) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalidEntry, fmt.Sprintf(format, args...))
	}

	switch {
	case !e.Kind.Valid():
		return invalid("unknown kind %q", e.Kind)
	case e.CreatorID <= 0:
		return invalid("creator ID must be positive, got %d", e.CreatorID)
	case e.Amount == 0:
		return invalid("amount cannot be zero")
	case e.Kind.positive() && e.Amount < 0:
		return invalid("%s amount must be positive, got %d", e.Kind, e.Amount)
	case !e.Kind.positive() && e.Amount > 0:
		return invalid("%s amount must be negative, got %d", e.Kind, e.Amount)
	}

	if e.Kind.IsOrderKind() {
		if e.RelatedOrderID == nil || *e.RelatedOrderID == "" {
			return invalid("%s requires a related order", e.Kind)
		}
		if e.RelatedWithdrawalID != nil {
			return invalid("%s cannot relate to a withdrawal", e.Kind)
		}
		return nil
	}

	if e.RelatedWithdrawalID == nil || *e.RelatedWithdrawalID == "" {
		return invalid("%s requires a related withdrawal", e.Kind)
	}
	if e.RelatedOrderID != nil {
		return invalid("%s cannot relate to an order", e.Kind)
	}
	return nil
}

// IdempotencyKey is the key that is unique across all entries
func (e Entry) IdempotencyKey() string {
	if e.Kind.IsOrderKind() && e.RelatedOrderID != nil {
		return "order:" + *e.RelatedOrderID + ":" + string(e.Kind)
	}
	if e.RelatedWithdrawalID != nil {
		return "withdrawal:" + *e.RelatedWithdrawalID + ":" + string(e.Kind)
	}
	return ""
}

// Equal checks whether the entries are equal, disregarding the fields set
// by the store. If they differ, a diff is returned as well.
func (e Entry) Equal(other Entry) (bool, string) {
	e.ID = other.ID
	e.CreatedAt = other.CreatedAt

	if !reflect.DeepEqual(e, other) {
		return false, cmp.Diff(e, other)
	}
	return true, ""
}

func (e Entry) String() string {
	related := "<none>"
	switch {
	case e.RelatedOrderID != nil:
		related = "order " + *e.RelatedOrderID
	case e.RelatedWithdrawalID != nil:
		related = "withdrawal " + *e.RelatedWithdrawalID
	}
	return fmt.Sprintf("Entry{ID: %d, CreatorID: %d, Kind: %s, Amount: %d, Related: %s}",
		e.ID, e.CreatorID, e.Kind, e.Amount, related)
}

package entries

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/brianvoe/gofakeit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestEntryValidate(t *testing.T) {
	t.Parallel()

	orderID := gofakeit.UUID()
	withdrawalID := gofakeit.UUID()

	tests := []struct {
		name  string
		entry Entry
		valid bool
	}{
		{"sale", NewSale(1, orderID, 10000), true},
		{"refund", NewRefund(1, orderID, 3000), true},
		{"hold", NewWithdrawalEntry(HOLD, 1, withdrawalID, 500), true},
		{"reversal", NewWithdrawalEntry(REVERSAL, 1, withdrawalID, 500), true},
		{"complete", NewWithdrawalEntry(COMPLETE, 1, withdrawalID, 500), true},
		{"zero sale", NewSale(1, orderID, 0), false},
		{"negative sale", NewSale(1, orderID, -1), false},
		{"positive refund", NewRefund(1, orderID, -20), false},
		{"sale without order", Entry{CreatorID: 1, Kind: SALE, Amount: 5}, false},
		{"sale with empty order", Entry{CreatorID: 1, Kind: SALE, Amount: 5, RelatedOrderID: strPtr("")}, false},
		{"hold without withdrawal", Entry{CreatorID: 1, Kind: HOLD, Amount: -5}, false},
		{"positive hold", Entry{CreatorID: 1, Kind: HOLD, Amount: 5, RelatedWithdrawalID: &withdrawalID}, false},
		{"sale with withdrawal", Entry{
			CreatorID: 1, Kind: SALE, Amount: 5,
			RelatedOrderID: &orderID, RelatedWithdrawalID: &withdrawalID,
		}, false},
		{"hold with order", Entry{
			CreatorID: 1, Kind: HOLD, Amount: -5,
			RelatedOrderID: &orderID, RelatedWithdrawalID: &withdrawalID,
		}, false},
		{"unknown kind", Entry{CreatorID: 1, Kind: "BONUS", Amount: 5, RelatedOrderID: &orderID}, false},
		{"no creator", NewSale(0, orderID, 5), false},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			err := test.entry.Validate()
			if test.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidEntry), err.Error())
		})
	}
}

func TestIdempotencyKey(t *testing.T) {
	t.Parallel()

	sale := NewSale(1, "order-1", 100)
	refund := NewRefund(1, "order-1", 100)
	hold := NewWithdrawalEntry(HOLD, 1, "w-1", 100)

	assert.Equal(t, "order:order-1:SALE", sale.IdempotencyKey())
	assert.NotEqual(t, sale.IdempotencyKey(), refund.IdempotencyKey())
	assert.Equal(t, "withdrawal:w-1:WITHDRAWAL_HOLD", hold.IdempotencyKey())
}

func TestKindText(t *testing.T) {
	t.Parallel()

	encoded, err := json.Marshal(HOLD)
	require.NoError(t, err)
	assert.Equal(t, `"withdrawal_hold"`, string(encoded))

	var decoded Kind
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, HOLD, decoded)

	assert.Error(t, json.Unmarshal([]byte(`"bonus"`), &decoded))
}

func TestEntryEqual(t *testing.T) {
	t.Parallel()

	first := NewSale(1, "order-1", 100)
	second := first
	second.ID = 42

	equal, diff := first.Equal(second)
	assert.True(t, equal, diff)

	second.Amount = 101
	equal, diff = first.Equal(second)
	assert.False(t, equal)
	assert.NotEmpty(t, diff)
}

func TestBalanceApply(t *testing.T) {
	t.Parallel()

	t.Run("hold then reversal restores available", func(t *testing.T) {
		balance := Fold(1, []Entry{
			NewSale(1, "o1", 10000),
			NewWithdrawalEntry(HOLD, 1, "w1", 10000),
		})
		assert.Equal(t, int64(0), balance.AvailableForWithdrawal)
		assert.Equal(t, int64(10000), balance.PendingWithdrawal)

		balance = balance.Apply(NewWithdrawalEntry(REVERSAL, 1, "w1", 10000))
		assert.Equal(t, Balance{
			CreatorID:              1,
			LifetimeEarned:         10000,
			AvailableForWithdrawal: 10000,
		}, balance)
	})

	t.Run("completion moves pending to withdrawn", func(t *testing.T) {
		balance := Fold(1, []Entry{
			NewSale(1, "o1", 10000),
			NewWithdrawalEntry(HOLD, 1, "w1", 10000),
			NewWithdrawalEntry(COMPLETE, 1, "w1", 10000),
			NewRefund(1, "o1", 3000),
		})
		assert.Equal(t, Balance{
			CreatorID:              1,
			LifetimeEarned:         7000,
			AvailableForWithdrawal: -3000,
			PendingWithdrawal:      0,
			Withdrawn:              10000,
		}, balance)
	})

	t.Run("other creators are ignored", func(t *testing.T) {
		balance := Fold(1, []Entry{NewSale(2, "o1", 10000)})
		assert.Equal(t, Balance{CreatorID: 1}, balance)
	})
}

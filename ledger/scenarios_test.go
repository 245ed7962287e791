package ledger

import (
	"errors"
	"sync"
	"testing"

	"github.com/brianvoe/gofakeit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/earnings/models/entries"
	"gitlab.com/arcanecrypto/earnings/models/withdrawals"
)

// TestWithdrawalLifecycle walks a creator with a single sale of 10000
// through requesting, rejecting, approving, completing and getting refunded
func TestWithdrawalLifecycle(t *testing.T) {
	t.Parallel()
	l, _ := newLedger(t)
	creator := createCreator(t, l)
	orderID := recordSale(t, l, creator.ID, 10000)

	requireBalance(t, l, creator.ID, entries.Balance{
		LifetimeEarned:         10000,
		AvailableForWithdrawal: 10000,
	})

	// request the full balance
	first := requestWithdrawal(t, l, creator, 10000)
	assert.Equal(t, withdrawals.REQUESTED, first.Status)
	requireBalance(t, l, creator.ID, entries.Balance{
		LifetimeEarned:    10000,
		PendingWithdrawal: 10000,
	})

	// a second request while the first is open
	_, err := l.RequestWithdrawal(ctx, creatorActor(creator), WithdrawalInput{
		CreatorID: creator.ID, Amount: 1, PayoutMethod: withdrawals.PAYPAL,
	})
	require.True(t, errors.Is(err, ErrRequestAlreadyPending), err)
	var pending *PendingRequestError
	require.True(t, errors.As(err, &pending))
	assert.Equal(t, first.ID, pending.WithdrawalID)

	// admin rejects it, the money is available again
	rejected, err := l.Reject(ctx, admin, first.ID, withdrawals.REQUESTED, "bank details invalid")
	require.NoError(t, err)
	assert.Equal(t, withdrawals.REJECTED, rejected.Status)
	require.NotNil(t, rejected.AdminNote)
	assert.Equal(t, "bank details invalid", *rejected.AdminNote)
	requireBalance(t, l, creator.ID, entries.Balance{
		LifetimeEarned:         10000,
		AvailableForWithdrawal: 10000,
	})

	// a new request can be approved and completed
	second := requestWithdrawal(t, l, creator, 10000)
	_, err = l.Approve(ctx, admin, second.ID, nil)
	require.NoError(t, err)
	processed, err := l.Complete(ctx, admin, second.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, withdrawals.PROCESSED, processed.Status)
	requireBalance(t, l, creator.ID, entries.Balance{
		LifetimeEarned: 10000,
		Withdrawn:      10000,
	})

	// a refund of already withdrawn proceeds drives the balance negative
	_, err = l.RecordRefund(ctx, OrderRefunded{OrderID: orderID, CreatorID: creator.ID, Amount: 3000})
	require.NoError(t, err)
	requireBalance(t, l, creator.ID, entries.Balance{
		LifetimeEarned:         7000,
		AvailableForWithdrawal: -3000,
		Withdrawn:              10000,
	})

	for _, amount := range []int64{1, 3000, 10000} {
		_, err = l.RequestWithdrawal(ctx, creatorActor(creator), WithdrawalInput{
			CreatorID: creator.ID, Amount: amount, PayoutMethod: withdrawals.PAYPAL,
		})
		assert.True(t, errors.Is(err, ErrInsufficientBalance), err)
	}
}

// TestApproveAndRejectOfSameRequest has two admins act on the same
// REQUESTED withdrawal, one approving and one rejecting. Whichever commits
// first wins, the other fails and leaves no trace.
func TestApproveAndRejectOfSameRequest(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T) (*Ledger, withdrawals.Request) {
		l, _ := newLedger(t)
		creator := createCreator(t, l)
		recordSale(t, l, creator.ID, 10000)
		return l, requestWithdrawal(t, l, creator, 10000)
	}

	requireLoser := func(t *testing.T, err error, current, requested withdrawals.Status) {
		var transitionErr *TransitionError
		require.True(t, errors.As(err, &transitionErr), err)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		assert.Equal(t, current, transitionErr.Current)
		assert.Equal(t, requested, transitionErr.Requested)
	}

	t.Run("approve first", func(t *testing.T) {
		t.Parallel()
		l, request := setup(t)

		_, err := l.Approve(ctx, admin, request.ID, nil)
		require.NoError(t, err)
		_, err = l.Reject(ctx, admin, request.ID, withdrawals.REQUESTED, "too slow")
		requireLoser(t, err, withdrawals.APPROVED, withdrawals.REJECTED)

		final, err := l.GetWithdrawal(ctx, request.ID)
		require.NoError(t, err)
		assert.Equal(t, withdrawals.APPROVED, final.Status)
		requireBalance(t, l, request.CreatorID, entries.Balance{
			LifetimeEarned:    10000,
			PendingWithdrawal: 10000,
		})

		trail, err := l.WithdrawalAudit(ctx, request.ID)
		require.NoError(t, err)
		assert.Len(t, trail, 2)
	})

	t.Run("reject first", func(t *testing.T) {
		t.Parallel()
		l, request := setup(t)

		_, err := l.Reject(ctx, admin, request.ID, withdrawals.REQUESTED, "too slow")
		require.NoError(t, err)
		_, err = l.Approve(ctx, admin, request.ID, nil)
		requireLoser(t, err, withdrawals.REJECTED, withdrawals.APPROVED)

		final, err := l.GetWithdrawal(ctx, request.ID)
		require.NoError(t, err)
		assert.Equal(t, withdrawals.REJECTED, final.Status)
		requireBalance(t, l, request.CreatorID, entries.Balance{
			LifetimeEarned:         10000,
			AvailableForWithdrawal: 10000,
		})

		trail, err := l.WithdrawalAudit(ctx, request.ID)
		require.NoError(t, err)
		assert.Len(t, trail, 2)
	})

	// an admin who saw the request approved can still reject it
	t.Run("reject after seeing approval", func(t *testing.T) {
		t.Parallel()
		l, request := setup(t)

		_, err := l.Approve(ctx, admin, request.ID, nil)
		require.NoError(t, err)
		rejected, err := l.Reject(ctx, admin, request.ID, withdrawals.APPROVED, "payout on hold")
		require.NoError(t, err)
		assert.Equal(t, withdrawals.REJECTED, rejected.Status)

		trail, err := l.WithdrawalAudit(ctx, request.ID)
		require.NoError(t, err)
		require.Len(t, trail, 3)
		require.NotNil(t, trail[2].FromStatus)
		assert.Equal(t, withdrawals.APPROVED, *trail[2].FromStatus)
	})

	t.Run("reject from a status that cannot be rejected", func(t *testing.T) {
		t.Parallel()
		l, request := setup(t)

		for _, seen := range []withdrawals.Status{withdrawals.PROCESSED, withdrawals.REJECTED} {
			_, err := l.Reject(ctx, admin, request.ID, seen, "whatever")
			assert.True(t, errors.Is(err, ErrInvalidRequest), err)
		}

		final, err := l.GetWithdrawal(ctx, request.ID)
		require.NoError(t, err)
		assert.Equal(t, withdrawals.REQUESTED, final.Status)
	})

	for _, approveFirst := range []bool{true, false} {
		approveFirst := approveFirst
		name := "concurrent, reject spawned first"
		if approveFirst {
			name = "concurrent, approve spawned first"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			for i := 0; i < 25; i++ {
				l, request := setup(t)

				var wg sync.WaitGroup
				var approveErr, rejectErr error
				approve := func() {
					defer wg.Done()
					_, approveErr = l.Approve(ctx, admin, request.ID, nil)
				}
				reject := func() {
					defer wg.Done()
					_, rejectErr = l.Reject(ctx, admin, request.ID, withdrawals.REQUESTED, "too slow")
				}
				wg.Add(2)
				if approveFirst {
					go approve()
					go reject()
				} else {
					go reject()
					go approve()
				}
				wg.Wait()

				require.True(t, (approveErr == nil) != (rejectErr == nil),
					"approve: %v, reject: %v", approveErr, rejectErr)

				final, err := l.GetWithdrawal(ctx, request.ID)
				require.NoError(t, err)
				if approveErr == nil {
					requireLoser(t, rejectErr, withdrawals.APPROVED, withdrawals.REJECTED)
					assert.Equal(t, withdrawals.APPROVED, final.Status)
				} else {
					requireLoser(t, approveErr, withdrawals.REJECTED, withdrawals.APPROVED)
					assert.Equal(t, withdrawals.REJECTED, final.Status)
				}

				trail, err := l.WithdrawalAudit(ctx, request.ID)
				require.NoError(t, err)
				require.Len(t, trail, 2, "losing transition leaves no audit entry")
				require.NotNil(t, trail[1].FromStatus)
				assert.Equal(t, withdrawals.REQUESTED, *trail[1].FromStatus)
			}
		})
	}
}

func TestConcurrentRequestsLeaveOneOpen(t *testing.T) {
	t.Parallel()
	l, _ := newLedger(t)
	creator := createCreator(t, l)
	recordSale(t, l, creator.ID, 10000)

	const attempts = 20
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.RequestWithdrawal(ctx, creatorActor(creator), WithdrawalInput{
				CreatorID:    creator.ID,
				Amount:       int64(1 + i*400),
				PayoutMethod: withdrawals.MOBILE_MONEY,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, ErrRequestAlreadyPending), err)
	}
	assert.Equal(t, 1, succeeded)

	page, err := l.CreatorWithdrawals(ctx, creator.ID, withdrawals.Page{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	balance, err := l.GetBalance(ctx, creator.ID)
	require.NoError(t, err)
	assert.Equal(t, page.Items[0].Amount, balance.PendingWithdrawal)
	assert.Equal(t, 10000-page.Items[0].Amount, balance.AvailableForWithdrawal)
}

func TestConcurrentSalesAreAllCounted(t *testing.T) {
	t.Parallel()
	l, _ := newLedger(t)
	creator := createCreator(t, l)

	const sales = 50
	var wg sync.WaitGroup
	for i := 0; i < sales; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.RecordSale(ctx, OrderCompleted{
				OrderID: gofakeit.UUID(), CreatorID: creator.ID, NetAmount: 100,
			})
			assert.NoError(t, err)
			// balance reads run alongside the appends
			_, err = l.GetBalance(ctx, creator.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	requireBalance(t, l, creator.ID, entries.Balance{
		LifetimeEarned:         sales * 100,
		AvailableForWithdrawal: sales * 100,
	})
}

func TestWithdrawalNeverExceedsAvailable(t *testing.T) {
	t.Parallel()
	l, _ := newLedger(t)
	creator := createCreator(t, l)

	for i := 0; i < 30; i++ {
		recordSale(t, l, creator.ID, int64(gofakeit.Number(1, 500)))
		before, err := l.GetBalance(ctx, creator.ID)
		require.NoError(t, err)

		amount := int64(gofakeit.Number(1, 1000))
		request, err := l.RequestWithdrawal(ctx, creatorActor(creator), WithdrawalInput{
			CreatorID: creator.ID, Amount: amount, PayoutMethod: withdrawals.PAYPAL,
		})
		if amount > before.AvailableForWithdrawal {
			assert.True(t, errors.Is(err, ErrInsufficientBalance), err)
			continue
		}
		require.NoError(t, err)

		// settle it at random, so the next round can request again
		if gofakeit.Bool() {
			_, err = l.Reject(ctx, admin, request.ID, withdrawals.REQUESTED, "random rejection")
		} else {
			_, err = l.Approve(ctx, admin, request.ID, nil)
			require.NoError(t, err)
			_, err = l.Complete(ctx, admin, request.ID, nil)
		}
		require.NoError(t, err)

		after, err := l.GetBalance(ctx, creator.ID)
		require.NoError(t, err)
		assert.True(t, after.AvailableForWithdrawal >= 0)
		assert.Equal(t, int64(0), after.PendingWithdrawal)
	}
}

func TestBalanceMatchesFoldOfHistory(t *testing.T) {
	t.Parallel()
	l, _ := newLedger(t)
	creator := createCreator(t, l)

	orders := []string{}
	for i := 0; i < 10; i++ {
		orders = append(orders, recordSale(t, l, creator.ID, int64(gofakeit.Number(100, 1000))))
	}
	_, err := l.RecordRefund(ctx, OrderRefunded{OrderID: orders[3], CreatorID: creator.ID, Amount: 50})
	require.NoError(t, err)

	request := requestWithdrawal(t, l, creator, 500)
	_, err = l.Approve(ctx, admin, request.ID, nil)
	require.NoError(t, err)
	_, err = l.Complete(ctx, admin, request.ID, nil)
	require.NoError(t, err)
	request = requestWithdrawal(t, l, creator, 200)
	_, err = l.Reject(ctx, admin, request.ID, withdrawals.REQUESTED, "not today")
	require.NoError(t, err)

	history, err := l.History(ctx, creator.ID, 0, withdrawals.MaxPageLimit)
	require.NoError(t, err)

	balance, err := l.GetBalance(ctx, creator.ID)
	require.NoError(t, err)
	assert.Equal(t, entries.Fold(creator.ID, history), balance)
}

func TestHandlePayoutConfirmation(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T) (*Ledger, withdrawals.Request) {
		l, _ := newLedger(t)
		creator := createCreator(t, l)
		recordSale(t, l, creator.ID, 1000)
		request := requestWithdrawal(t, l, creator, 1000)
		_, err := l.Approve(ctx, admin, request.ID, nil)
		require.NoError(t, err)
		return l, request
	}

	t.Run("success completes", func(t *testing.T) {
		l, request := setup(t)
		ref := "TRX-42"
		confirmation := PayoutConfirmation{WithdrawalID: request.ID, Success: true, TransferRef: &ref}

		processed, err := l.HandlePayoutConfirmation(ctx, confirmation)
		require.NoError(t, err)
		assert.Equal(t, withdrawals.PROCESSED, processed.Status)
		require.NotNil(t, processed.ExternalTransferRef)
		assert.Equal(t, ref, *processed.ExternalTransferRef)

		again, err := l.HandlePayoutConfirmation(ctx, confirmation)
		require.NoError(t, err)
		assert.Equal(t, processed.Status, again.Status)

		trail, err := l.WithdrawalAudit(ctx, request.ID)
		require.NoError(t, err)
		require.Len(t, trail, 3)
		assert.Equal(t, withdrawals.RoleSystem, trail[2].ActorRole)

		_, err = l.HandlePayoutConfirmation(ctx, PayoutConfirmation{WithdrawalID: request.ID, Reason: "late"})
		assert.True(t, errors.Is(err, ErrInvalidTransition), err)
	})

	t.Run("failure rejects and releases the hold", func(t *testing.T) {
		l, request := setup(t)
		rejected, err := l.HandlePayoutConfirmation(ctx, PayoutConfirmation{
			WithdrawalID: request.ID, Reason: "account closed",
		})
		require.NoError(t, err)
		assert.Equal(t, withdrawals.REJECTED, rejected.Status)
		require.NotNil(t, rejected.AdminNote)
		assert.Equal(t, "payout failed: account closed", *rejected.AdminNote)

		requireBalance(t, l, request.CreatorID, entries.Balance{
			LifetimeEarned:         1000,
			AvailableForWithdrawal: 1000,
		})

		_, err = l.HandlePayoutConfirmation(ctx, PayoutConfirmation{WithdrawalID: request.ID, Success: true})
		assert.True(t, errors.Is(err, ErrInvalidTransition), err)
	})

	t.Run("failure of a request that was never approved", func(t *testing.T) {
		l, _ := newLedger(t)
		creator := createCreator(t, l)
		recordSale(t, l, creator.ID, 1000)
		request := requestWithdrawal(t, l, creator, 1000)

		_, err := l.HandlePayoutConfirmation(ctx, PayoutConfirmation{
			WithdrawalID: request.ID, Reason: "account closed",
		})
		var transitionErr *TransitionError
		require.True(t, errors.As(err, &transitionErr), err)
		assert.Equal(t, withdrawals.REQUESTED, transitionErr.Current)

		final, err := l.GetWithdrawal(ctx, request.ID)
		require.NoError(t, err)
		assert.Equal(t, withdrawals.REQUESTED, final.Status)
		requireBalance(t, l, creator.ID, entries.Balance{
			LifetimeEarned:    1000,
			PendingWithdrawal: 1000,
		})
	})

	t.Run("unknown withdrawal", func(t *testing.T) {
		l, _ := setup(t)
		_, err := l.HandlePayoutConfirmation(ctx, PayoutConfirmation{WithdrawalID: gofakeit.UUID(), Success: true})
		assert.True(t, errors.Is(err, ErrWithdrawalNotFound), err)
	})
}

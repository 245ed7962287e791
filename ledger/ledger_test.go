package ledger

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/brianvoe/gofakeit"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/earnings/build"
	"gitlab.com/arcanecrypto/earnings/models/creators"
	"gitlab.com/arcanecrypto/earnings/models/entries"
	"gitlab.com/arcanecrypto/earnings/models/withdrawals"
	"gitlab.com/arcanecrypto/earnings/store"
	"gitlab.com/arcanecrypto/earnings/store/memory"
)

var (
	ctx   = context.Background()
	admin = withdrawals.Actor{ID: 1, Role: withdrawals.RoleAdmin}
)

func TestMain(m *testing.M) {
	build.SetLogLevels(logrus.ErrorLevel)
	gofakeit.Seed(0)
	os.Exit(m.Run())
}

// recordingNotifier remembers every approved withdrawal it was told about
type recordingNotifier struct {
	mu       sync.Mutex
	approved []withdrawals.Request
}

func (r *recordingNotifier) NotifyApproved(_ context.Context, request withdrawals.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approved = append(r.approved, request)
}

func newLedger(t *testing.T) (*Ledger, *recordingNotifier) {
	t.Helper()
	notifier := &recordingNotifier{}
	return New(memory.New(), Config{Notifier: notifier}), notifier
}

func createCreator(t *testing.T, l *Ledger) creators.Creator {
	t.Helper()
	creator, err := l.RegisterCreator(ctx, creators.Creator{
		Email:       gofakeit.Email(),
		DisplayName: gofakeit.Name(),
	})
	require.NoError(t, err)
	return creator
}

func creatorActor(c creators.Creator) withdrawals.Actor {
	return withdrawals.Actor{ID: c.ID, Role: withdrawals.RoleCreator}
}

func recordSale(t *testing.T, l *Ledger, creatorID int, amount int64) string {
	t.Helper()
	orderID := gofakeit.UUID()
	_, err := l.RecordSale(ctx, OrderCompleted{OrderID: orderID, CreatorID: creatorID, NetAmount: amount})
	require.NoError(t, err)
	return orderID
}

func requestWithdrawal(t *testing.T, l *Ledger, creator creators.Creator, amount int64) withdrawals.Request {
	t.Helper()
	request, err := l.RequestWithdrawal(ctx, creatorActor(creator), WithdrawalInput{
		CreatorID:    creator.ID,
		Amount:       amount,
		PayoutMethod: withdrawals.BANK_TRANSFER,
	})
	require.NoError(t, err)
	return request
}

func requireBalance(t *testing.T, l *Ledger, creatorID int, expected entries.Balance) {
	t.Helper()
	expected.CreatorID = creatorID
	balance, err := l.GetBalance(ctx, creatorID)
	require.NoError(t, err)
	assert.Equal(t, expected, balance)
}

func TestRegisterCreator(t *testing.T) {
	t.Parallel()
	l, _ := newLedger(t)

	creator, err := l.RegisterCreator(ctx, creators.Creator{ID: 42, Email: " Jane@Example.com "})
	require.NoError(t, err)
	assert.Equal(t, 42, creator.ID)
	assert.Equal(t, "jane@example.com", creator.Email)

	_, err = l.RegisterCreator(ctx, creators.Creator{ID: 42, Email: "other@example.com"})
	assert.True(t, errors.Is(err, ErrInvalidRequest), err)

	_, err = l.RegisterCreator(ctx, creators.Creator{})
	assert.True(t, errors.Is(err, ErrInvalidRequest), err)

	found, err := l.GetCreator(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, creator, found)

	_, err = l.GetCreator(ctx, 43)
	assert.True(t, errors.Is(err, ErrCreatorNotFound))
}

func TestGetBalance(t *testing.T) {
	t.Parallel()
	l, _ := newLedger(t)

	t.Run("unknown creator", func(t *testing.T) {
		_, err := l.GetBalance(ctx, 12345)
		assert.True(t, errors.Is(err, ErrCreatorNotFound), err)
	})

	t.Run("no entries is all zero", func(t *testing.T) {
		creator := createCreator(t, l)
		requireBalance(t, l, creator.ID, entries.Balance{})
	})
}

func TestRecordSale(t *testing.T) {
	t.Parallel()
	l, _ := newLedger(t)
	creator := createCreator(t, l)

	t.Run("duplicate order is rejected and balance unchanged", func(t *testing.T) {
		event := OrderCompleted{OrderID: gofakeit.UUID(), CreatorID: creator.ID, NetAmount: 2500}
		_, err := l.RecordSale(ctx, event)
		require.NoError(t, err)

		_, err = l.RecordSale(ctx, event)
		assert.True(t, errors.Is(err, ErrInvalidEntry), err)
		assert.True(t, errors.Is(err, ErrDuplicateEvent), err)

		requireBalance(t, l, creator.ID, entries.Balance{LifetimeEarned: 2500, AvailableForWithdrawal: 2500})
	})

	t.Run("non positive amount", func(t *testing.T) {
		for _, amount := range []int64{0, -100} {
			_, err := l.RecordSale(ctx, OrderCompleted{OrderID: gofakeit.UUID(), CreatorID: creator.ID, NetAmount: amount})
			assert.True(t, errors.Is(err, ErrInvalidEntry), err)
		}
	})

	t.Run("missing order ID", func(t *testing.T) {
		_, err := l.RecordSale(ctx, OrderCompleted{OrderID: "  ", CreatorID: creator.ID, NetAmount: 10})
		assert.True(t, errors.Is(err, ErrInvalidEntry), err)
	})

	t.Run("unknown creator", func(t *testing.T) {
		_, err := l.RecordSale(ctx, OrderCompleted{OrderID: gofakeit.UUID(), CreatorID: 9999, NetAmount: 10})
		assert.True(t, errors.Is(err, ErrCreatorNotFound), err)
	})
}

func TestRecordRefund(t *testing.T) {
	t.Parallel()
	l, _ := newLedger(t)
	creator := createCreator(t, l)
	other := createCreator(t, l)
	orderID := recordSale(t, l, creator.ID, 5000)

	tests := []struct {
		name  string
		event OrderRefunded
	}{
		{"no sale for order", OrderRefunded{OrderID: gofakeit.UUID(), CreatorID: creator.ID, Amount: 100}},
		{"order of another creator", OrderRefunded{OrderID: orderID, CreatorID: other.ID, Amount: 100}},
		{"more than the sale", OrderRefunded{OrderID: orderID, CreatorID: creator.ID, Amount: 5001}},
		{"zero amount", OrderRefunded{OrderID: orderID, CreatorID: creator.ID, Amount: 0}},
	}
	for _, test := range tests {
		_, err := l.RecordRefund(ctx, test.event)
		assert.True(t, errors.Is(err, ErrInvalidEntry), "%s: %v", test.name, err)
	}

	refund, err := l.RecordRefund(ctx, OrderRefunded{OrderID: orderID, CreatorID: creator.ID, Amount: 2000})
	require.NoError(t, err)
	assert.Equal(t, int64(-2000), refund.Amount)
	assert.Equal(t, entries.REFUND, refund.Kind)

	_, err = l.RecordRefund(ctx, OrderRefunded{OrderID: orderID, CreatorID: creator.ID, Amount: 2000})
	assert.True(t, errors.Is(err, ErrDuplicateEvent), err)

	requireBalance(t, l, creator.ID, entries.Balance{LifetimeEarned: 3000, AvailableForWithdrawal: 3000})
}

func TestHistory(t *testing.T) {
	t.Parallel()
	l, _ := newLedger(t)
	creator := createCreator(t, l)
	for i := 0; i < 5; i++ {
		recordSale(t, l, creator.ID, 100)
	}
	requestWithdrawal(t, l, creator, 300)

	all, err := l.History(ctx, creator.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 6)
	assert.Equal(t, entries.HOLD, all[5].Kind)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].ID < all[i].ID, "entries are in creation order")
	}

	page, err := l.History(ctx, creator.ID, all[2].ID, 2)
	require.NoError(t, err)
	assert.Equal(t, all[3:5], page)

	_, err = l.History(ctx, 9999, 0, 10)
	assert.True(t, errors.Is(err, ErrCreatorNotFound))

	_, err = l.History(ctx, creator.ID, -1, 10)
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestRequestWithdrawalValidation(t *testing.T) {
	t.Parallel()
	l, _ := newLedger(t)
	creator := createCreator(t, l)
	recordSale(t, l, creator.ID, 1000)

	_, err := l.RequestWithdrawal(ctx, creatorActor(creator), WithdrawalInput{
		CreatorID: creator.ID, Amount: 0, PayoutMethod: withdrawals.PAYPAL,
	})
	assert.True(t, errors.Is(err, ErrInvalidRequest), err)

	_, err = l.RequestWithdrawal(ctx, creatorActor(creator), WithdrawalInput{
		CreatorID: creator.ID, Amount: 10, PayoutMethod: "CHEQUE",
	})
	assert.True(t, errors.Is(err, ErrInvalidRequest), err)

	_, err = l.RequestWithdrawal(ctx, creatorActor(creator), WithdrawalInput{
		CreatorID: 9999, Amount: 10, PayoutMethod: withdrawals.PAYPAL,
	})
	assert.True(t, errors.Is(err, ErrCreatorNotFound), err)

	_, err = l.RequestWithdrawal(ctx, creatorActor(creator), WithdrawalInput{
		CreatorID: creator.ID, Amount: 1001, PayoutMethod: withdrawals.PAYPAL,
	})
	var insufficient *InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient), err)
	assert.Equal(t, int64(1000), insufficient.Available)
	assert.True(t, errors.Is(err, ErrInsufficientBalance))
}

func TestTransitions(t *testing.T) {
	t.Parallel()

	t.Run("reject requires a note", func(t *testing.T) {
		l, _ := newLedger(t)
		creator := createCreator(t, l)
		recordSale(t, l, creator.ID, 100)
		request := requestWithdrawal(t, l, creator, 100)

		_, err := l.Reject(ctx, admin, request.ID, withdrawals.REQUESTED, "   ")
		assert.True(t, errors.Is(err, ErrInvalidRequest), err)
	})

	t.Run("unknown withdrawal", func(t *testing.T) {
		l, _ := newLedger(t)
		_, err := l.Approve(ctx, admin, gofakeit.UUID(), nil)
		assert.True(t, errors.Is(err, ErrWithdrawalNotFound), err)
	})

	t.Run("complete requires approval", func(t *testing.T) {
		l, _ := newLedger(t)
		creator := createCreator(t, l)
		recordSale(t, l, creator.ID, 100)
		request := requestWithdrawal(t, l, creator, 100)

		_, err := l.Complete(ctx, admin, request.ID, nil)
		var transitionErr *TransitionError
		require.True(t, errors.As(err, &transitionErr), err)
		assert.Equal(t, withdrawals.REQUESTED, transitionErr.Current)
		assert.Equal(t, withdrawals.PROCESSED, transitionErr.Requested)
	})

	t.Run("approved can be rejected", func(t *testing.T) {
		l, _ := newLedger(t)
		creator := createCreator(t, l)
		recordSale(t, l, creator.ID, 100)
		request := requestWithdrawal(t, l, creator, 100)

		_, err := l.Approve(ctx, admin, request.ID, nil)
		require.NoError(t, err)
		rejected, err := l.Reject(ctx, admin, request.ID, withdrawals.APPROVED, "account closed")
		require.NoError(t, err)
		assert.Equal(t, withdrawals.REJECTED, rejected.Status)
		requireBalance(t, l, creator.ID, entries.Balance{LifetimeEarned: 100, AvailableForWithdrawal: 100})
	})

	t.Run("terminal statuses cannot be left", func(t *testing.T) {
		l, _ := newLedger(t)
		creator := createCreator(t, l)
		recordSale(t, l, creator.ID, 100)
		request := requestWithdrawal(t, l, creator, 100)
		_, err := l.Reject(ctx, admin, request.ID, withdrawals.REQUESTED, "no")
		require.NoError(t, err)

		_, err = l.Approve(ctx, admin, request.ID, nil)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		_, err = l.Reject(ctx, admin, request.ID, withdrawals.REQUESTED, "again")
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		_, err = l.Reject(ctx, admin, request.ID, withdrawals.APPROVED, "again")
		assert.True(t, errors.Is(err, ErrInvalidTransition))
	})

	t.Run("approval notifies payout processor", func(t *testing.T) {
		l, notifier := newLedger(t)
		creator := createCreator(t, l)
		recordSale(t, l, creator.ID, 100)
		request := requestWithdrawal(t, l, creator, 100)

		note := "looks good"
		approved, err := l.Approve(ctx, admin, request.ID, &note)
		require.NoError(t, err)
		require.NotNil(t, approved.AdminNote)
		assert.Equal(t, note, *approved.AdminNote)

		require.Len(t, notifier.approved, 1)
		assert.Equal(t, approved, notifier.approved[0])
	})
}

func TestAuditTrail(t *testing.T) {
	t.Parallel()
	l, _ := newLedger(t)
	creator := createCreator(t, l)
	recordSale(t, l, creator.ID, 100)
	request := requestWithdrawal(t, l, creator, 100)

	_, err := l.Approve(ctx, admin, request.ID, nil)
	require.NoError(t, err)
	ref := "TRX-1"
	_, err = l.Complete(ctx, admin, request.ID, &ref)
	require.NoError(t, err)

	trail, err := l.WithdrawalAudit(ctx, request.ID)
	require.NoError(t, err)
	require.Len(t, trail, 3)

	assert.Equal(t, withdrawals.ActionRequest, trail[0].Action)
	assert.Equal(t, creator.ID, trail[0].ActorID)
	assert.Equal(t, withdrawals.RoleCreator, trail[0].ActorRole)
	assert.Nil(t, trail[0].FromStatus)

	assert.Equal(t, withdrawals.ActionApprove, trail[1].Action)
	assert.Equal(t, admin.ID, trail[1].ActorID)
	require.NotNil(t, trail[1].FromStatus)
	assert.Equal(t, withdrawals.REQUESTED, *trail[1].FromStatus)

	assert.Equal(t, withdrawals.ActionComplete, trail[2].Action)
	assert.Equal(t, withdrawals.PROCESSED, trail[2].ToStatus)
	require.NotNil(t, trail[2].Note)
	assert.Contains(t, *trail[2].Note, ref)

	_, err = l.WithdrawalAudit(ctx, gofakeit.UUID())
	assert.True(t, errors.Is(err, ErrWithdrawalNotFound))
}

func TestListWithdrawals(t *testing.T) {
	t.Parallel()
	l, _ := newLedger(t)

	var creatorIDs []int
	for i := 0; i < 3; i++ {
		creator := createCreator(t, l)
		creatorIDs = append(creatorIDs, creator.ID)
		recordSale(t, l, creator.ID, 1000)
		request := requestWithdrawal(t, l, creator, 100)
		if i == 0 {
			_, err := l.Approve(ctx, admin, request.ID, nil)
			require.NoError(t, err)
		}
	}

	all, err := l.ListWithdrawals(ctx, withdrawals.Filter{}, withdrawals.Page{})
	require.NoError(t, err)
	assert.Equal(t, 3, all.Total)
	assert.Equal(t, withdrawals.DefaultPageLimit, all.Limit)

	requested := withdrawals.REQUESTED
	onlyRequested, err := l.ListWithdrawals(ctx, withdrawals.Filter{Status: &requested}, withdrawals.Page{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, onlyRequested.Total)
	require.Len(t, onlyRequested.Items, 1)

	own, err := l.CreatorWithdrawals(ctx, creatorIDs[0], withdrawals.Page{})
	require.NoError(t, err)
	require.Len(t, own.Items, 1)
	assert.Equal(t, withdrawals.APPROVED, own.Items[0].Status)

	_, err = l.CreatorWithdrawals(ctx, 9999, withdrawals.Page{})
	assert.True(t, errors.Is(err, ErrCreatorNotFound))
}

// failingStore fails a set amount of views before passing through. With
// failAudits set, updates fail at their audit entry, after everything else
// in the transaction was written.
type failingStore struct {
	store.Store
	mu           sync.Mutex
	failingViews int
	views        int
	updates      int
	failUpdates  bool
	failAudits   bool
}

var errDatabaseDown = errors.New("database is down")

func (f *failingStore) View(ctx context.Context, fn func(tx store.Tx) error) error {
	f.mu.Lock()
	f.views++
	fail := f.views <= f.failingViews
	f.mu.Unlock()
	if fail {
		return errDatabaseDown
	}
	return f.Store.View(ctx, fn)
}

func (f *failingStore) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	f.mu.Lock()
	f.updates++
	fail := f.failUpdates
	failAudits := f.failAudits
	f.mu.Unlock()
	if fail {
		return errDatabaseDown
	}
	if failAudits {
		return f.Store.Update(ctx, func(tx store.Tx) error {
			return fn(auditFailingTx{tx})
		})
	}
	return f.Store.Update(ctx, fn)
}

type auditFailingTx struct {
	store.Tx
}

func (auditFailingTx) AppendAudit(context.Context, withdrawals.AuditEntry) (withdrawals.AuditEntry, error) {
	return withdrawals.AuditEntry{}, errDatabaseDown
}

// recordingObserver remembers the kinds of entries it was told about
type recordingObserver struct {
	noopObserver
	mu       sync.Mutex
	appended []entries.Kind
	failed   []string
}

func (r *recordingObserver) EntryAppended(kind entries.Kind, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appended = append(r.appended, kind)
}

func (r *recordingObserver) OperationFailed(operation string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, operation)
}

func TestPersistenceFailures(t *testing.T) {
	t.Parallel()

	t.Run("reads are retried", func(t *testing.T) {
		failing := &failingStore{Store: memory.New()}
		l := New(failing, Config{})
		creator := createCreator(t, l)

		failing.failingViews = readAttempts - 1
		_, err := l.GetBalance(ctx, creator.ID)
		require.NoError(t, err)
		assert.Equal(t, readAttempts, failing.views)
	})

	t.Run("reads give up after bounded attempts", func(t *testing.T) {
		failing := &failingStore{Store: memory.New(), failingViews: 100}
		l := New(failing, Config{})

		_, err := l.GetBalance(ctx, 1)
		assert.True(t, errors.Is(err, ErrPersistenceFailure), err)
		assert.True(t, errors.Is(err, errDatabaseDown), err)
		assert.Equal(t, readAttempts, failing.views)
	})

	t.Run("domain errors are not retried", func(t *testing.T) {
		failing := &failingStore{Store: memory.New()}
		l := New(failing, Config{})

		_, err := l.GetBalance(ctx, 1)
		assert.True(t, errors.Is(err, ErrCreatorNotFound), err)
		assert.Equal(t, 1, failing.views)
	})

	t.Run("writes are never retried", func(t *testing.T) {
		failing := &failingStore{Store: memory.New()}
		l := New(failing, Config{})
		creator := createCreator(t, l)

		failing.failUpdates = true
		failing.updates = 0
		_, err := l.RecordSale(ctx, OrderCompleted{OrderID: "order-1", CreatorID: creator.ID, NetAmount: 10})
		assert.True(t, errors.Is(err, ErrPersistenceFailure), err)
		assert.Equal(t, 1, failing.updates)
	})
}

func TestObserverSeesOnlyCommittedEntries(t *testing.T) {
	t.Parallel()

	failing := &failingStore{Store: memory.New()}
	observer := &recordingObserver{}
	l := New(failing, Config{Observer: observer})
	creator := createCreator(t, l)
	recordSale(t, l, creator.ID, 1000)
	request := requestWithdrawal(t, l, creator, 400)
	assert.Equal(t, []entries.Kind{entries.SALE, entries.HOLD}, observer.appended)

	// the REVERSAL is written, then the audit entry fails and takes it down
	failing.failAudits = true
	_, err := l.Reject(ctx, admin, request.ID, withdrawals.REQUESTED, "duplicate request")
	assert.True(t, errors.Is(err, ErrPersistenceFailure), err)
	_, err = l.RequestWithdrawal(ctx, creatorActor(creator), WithdrawalInput{
		CreatorID: creator.ID, Amount: 100, PayoutMethod: withdrawals.PAYPAL,
	})
	assert.True(t, errors.Is(err, ErrRequestAlreadyPending), err)

	assert.Equal(t, []entries.Kind{entries.SALE, entries.HOLD}, observer.appended)
	assert.Contains(t, observer.failed, "reject_withdrawal")
	requireBalance(t, l, creator.ID, entries.Balance{
		LifetimeEarned:         1000,
		AvailableForWithdrawal: 600,
		PendingWithdrawal:      400,
	})

	failing.failAudits = false
	_, err = l.Reject(ctx, admin, request.ID, withdrawals.REQUESTED, "duplicate request")
	require.NoError(t, err)
	assert.Equal(t, []entries.Kind{entries.SALE, entries.HOLD, entries.REVERSAL}, observer.appended)
}

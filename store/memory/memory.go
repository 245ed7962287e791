// Package memory is an in-memory ledger store. Transactions are serialized
// with a single lock, and roll back by discarding a copy of the state.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gitlab.com/arcanecrypto/earnings/build"
	"gitlab.com/arcanecrypto/earnings/models/creators"
	"gitlab.com/arcanecrypto/earnings/models/entries"
	"gitlab.com/arcanecrypto/earnings/models/withdrawals"
	"gitlab.com/arcanecrypto/earnings/store"
)

var log = build.AddSubLogger("MEMS")

// ErrReadOnly is returned when writing inside a view
var ErrReadOnly = errors.New("cannot write in a read-only transaction")

type state struct {
	creators      map[int]creators.Creator
	emails        map[string]int
	nextCreatorID int

	entries     []entries.Entry
	entryKeys   map[string]int64
	nextEntryID int64

	withdrawals     map[string]withdrawals.Request
	withdrawalOrder []string

	audit       map[string][]withdrawals.AuditEntry
	nextAuditID int64
}

func newState() *state {
	return &state{
		creators:      map[int]creators.Creator{},
		emails:        map[string]int{},
		nextCreatorID: 1,
		entryKeys:     map[string]int64{},
		nextEntryID:   1,
		withdrawals:   map[string]withdrawals.Request{},
		audit:         map[string][]withdrawals.AuditEntry{},
		nextAuditID:   1,
	}
}

func (s *state) clone() *state {
	c := *s
	c.creators = make(map[int]creators.Creator, len(s.creators))
	for k, v := range s.creators {
		c.creators[k] = v
	}
	c.emails = make(map[string]int, len(s.emails))
	for k, v := range s.emails {
		c.emails[k] = v
	}
	c.entries = append([]entries.Entry(nil), s.entries...)
	c.entryKeys = make(map[string]int64, len(s.entryKeys))
	for k, v := range s.entryKeys {
		c.entryKeys[k] = v
	}
	c.withdrawals = make(map[string]withdrawals.Request, len(s.withdrawals))
	for k, v := range s.withdrawals {
		c.withdrawals[k] = v
	}
	c.withdrawalOrder = append([]string(nil), s.withdrawalOrder...)
	c.audit = make(map[string][]withdrawals.AuditEntry, len(s.audit))
	for k, v := range s.audit {
		c.audit[k] = append([]withdrawals.AuditEntry(nil), v...)
	}
	return &c
}

// Store is an in-memory store.Store
type Store struct {
	mu    sync.RWMutex
	state *state
	now   func() time.Time
}

var _ store.Store = &Store{}

// New creates an empty store
func New() *Store {
	return &Store{
		state: newState(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock makes the store use the given clock for creation timestamps
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Update implements store.Store
func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(&tx{state: working, writable: true, now: s.now}); err != nil {
		log.WithError(err).Trace("Rolling back transaction")
		return err
	}
	s.state = working
	return nil
}

// View implements store.Store
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(&tx{state: s.state, now: s.now})
}

type tx struct {
	state    *state
	writable bool
	now      func() time.Time
}

var _ store.Tx = &tx{}

func (t *tx) InsertCreator(_ context.Context, creator creators.Creator) (creators.Creator, error) {
	if !t.writable {
		return creators.Creator{}, ErrReadOnly
	}
	if _, taken := t.state.emails[creator.Email]; taken {
		return creators.Creator{}, store.ErrDuplicate
	}
	if creator.ID == 0 {
		for t.state.creators[t.state.nextCreatorID].ID != 0 {
			t.state.nextCreatorID++
		}
		creator.ID = t.state.nextCreatorID
		t.state.nextCreatorID++
	} else if _, taken := t.state.creators[creator.ID]; taken {
		return creators.Creator{}, store.ErrDuplicate
	}
	creator.CreatedAt = t.now()

	t.state.creators[creator.ID] = creator
	t.state.emails[creator.Email] = creator.ID
	return creator, nil
}

func (t *tx) GetCreator(_ context.Context, id int) (creators.Creator, error) {
	creator, ok := t.state.creators[id]
	if !ok {
		return creators.Creator{}, store.ErrNotFound
	}
	return creator, nil
}

func (t *tx) LockCreator(ctx context.Context, id int) error {
	if !t.writable {
		return ErrReadOnly
	}
	// the store lock is held for the whole transaction already
	_, err := t.GetCreator(ctx, id)
	return err
}

func (t *tx) AppendEntry(_ context.Context, entry entries.Entry) (entries.Entry, error) {
	if !t.writable {
		return entries.Entry{}, ErrReadOnly
	}
	if _, ok := t.state.creators[entry.CreatorID]; !ok {
		return entries.Entry{}, store.ErrNotFound
	}
	if err := entry.Validate(); err != nil {
		return entries.Entry{}, err
	}
	key := entry.IdempotencyKey()
	if _, taken := t.state.entryKeys[key]; taken {
		return entries.Entry{}, store.ErrDuplicate
	}

	entry.ID = t.state.nextEntryID
	entry.CreatedAt = t.now()
	t.state.nextEntryID++
	t.state.entries = append(t.state.entries, entry)
	t.state.entryKeys[key] = entry.ID
	return entry, nil
}

func (t *tx) ListEntries(_ context.Context, creatorID int, sinceID int64, limit int) ([]entries.Entry, error) {
	found := []entries.Entry{}
	for _, e := range t.state.entries {
		if e.CreatorID != creatorID || e.ID <= sinceID {
			continue
		}
		if limit > 0 && len(found) == limit {
			break
		}
		found = append(found, e)
	}
	return found, nil
}

func (t *tx) FindOrderEntry(_ context.Context, orderID string, kind entries.Kind) (entries.Entry, error) {
	for _, e := range t.state.entries {
		if e.Kind == kind && e.RelatedOrderID != nil && *e.RelatedOrderID == orderID {
			return e, nil
		}
	}
	return entries.Entry{}, store.ErrNotFound
}

func (t *tx) Totals(_ context.Context, creatorID int) (entries.Totals, error) {
	totals := entries.Totals{}
	for _, e := range t.state.entries {
		if e.CreatorID == creatorID {
			totals.Add(e)
		}
	}
	return totals, nil
}

func (t *tx) InsertWithdrawal(ctx context.Context, request withdrawals.Request) (withdrawals.Request, error) {
	if !t.writable {
		return withdrawals.Request{}, ErrReadOnly
	}
	if _, ok := t.state.creators[request.CreatorID]; !ok {
		return withdrawals.Request{}, store.ErrNotFound
	}
	if _, taken := t.state.withdrawals[request.ID]; taken {
		return withdrawals.Request{}, store.ErrDuplicate
	}
	if request.Status.IsOpen() {
		if _, err := t.GetOpenWithdrawal(ctx, request.CreatorID); err == nil {
			return withdrawals.Request{}, store.ErrOpenWithdrawalExists
		}
	}

	now := t.now()
	request.CreatedAt = now
	request.UpdatedAt = now
	t.state.withdrawals[request.ID] = request
	t.state.withdrawalOrder = append(t.state.withdrawalOrder, request.ID)
	return request, nil
}

func (t *tx) GetWithdrawal(_ context.Context, id string) (withdrawals.Request, error) {
	request, ok := t.state.withdrawals[id]
	if !ok {
		return withdrawals.Request{}, store.ErrNotFound
	}
	return request, nil
}

func (t *tx) GetOpenWithdrawal(_ context.Context, creatorID int) (withdrawals.Request, error) {
	for _, id := range t.state.withdrawalOrder {
		request := t.state.withdrawals[id]
		if request.CreatorID == creatorID && request.Status.IsOpen() {
			return request, nil
		}
	}
	return withdrawals.Request{}, store.ErrNotFound
}

func (t *tx) TransitionWithdrawal(ctx context.Context, id string, from []withdrawals.Status,
	transition withdrawals.Transition) (withdrawals.Request, error) {
	if !t.writable {
		return withdrawals.Request{}, ErrReadOnly
	}
	request, err := t.GetWithdrawal(ctx, id)
	if err != nil {
		return withdrawals.Request{}, err
	}

	allowed := false
	for _, status := range from {
		if request.Status == status {
			allowed = true
		}
	}
	if !allowed {
		return request, store.ErrStatusConflict
	}

	request.Status = transition.To
	if transition.AdminNote != nil {
		request.AdminNote = transition.AdminNote
	}
	if transition.ExternalTransferRef != nil {
		request.ExternalTransferRef = transition.ExternalTransferRef
	}
	request.UpdatedAt = transition.At
	t.state.withdrawals[id] = request
	return request, nil
}

func (t *tx) ListWithdrawals(_ context.Context, filter withdrawals.Filter,
	page withdrawals.Page) ([]withdrawals.Request, int, error) {
	var matching []withdrawals.Request
	for i := len(t.state.withdrawalOrder) - 1; i >= 0; i-- {
		request := t.state.withdrawals[t.state.withdrawalOrder[i]]
		if filter.Matches(request) {
			matching = append(matching, request)
		}
	}
	// newest first, insertion order breaks ties
	sort.SliceStable(matching, func(i, j int) bool {
		return matching[i].CreatedAt.After(matching[j].CreatedAt)
	})

	total := len(matching)
	page = page.Normalize()
	if page.Offset >= total {
		return []withdrawals.Request{}, total, nil
	}
	end := page.Offset + page.Limit
	if end > total {
		end = total
	}
	return matching[page.Offset:end], total, nil
}

func (t *tx) AppendAudit(_ context.Context, entry withdrawals.AuditEntry) (withdrawals.AuditEntry, error) {
	if !t.writable {
		return withdrawals.AuditEntry{}, ErrReadOnly
	}
	if _, ok := t.state.withdrawals[entry.WithdrawalID]; !ok {
		return withdrawals.AuditEntry{}, store.ErrNotFound
	}
	entry.ID = t.state.nextAuditID
	t.state.nextAuditID++
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now()
	}
	t.state.audit[entry.WithdrawalID] = append(t.state.audit[entry.WithdrawalID], entry)
	return entry, nil
}

func (t *tx) ListAudit(_ context.Context, withdrawalID string) ([]withdrawals.AuditEntry, error) {
	return append([]withdrawals.AuditEntry{}, t.state.audit[withdrawalID]...), nil
}

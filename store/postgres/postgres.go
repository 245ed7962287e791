// Package postgres is the ledger store backed by PostgreSQL. Writers that
// touch the same creator are serialized by locking the creator row, and
// the unique indexes of the schema back up the invariants the ledger
// relies on.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/earnings/build"
	"gitlab.com/arcanecrypto/earnings/db"
	"gitlab.com/arcanecrypto/earnings/models/creators"
	"gitlab.com/arcanecrypto/earnings/models/entries"
	"gitlab.com/arcanecrypto/earnings/models/withdrawals"
	"gitlab.com/arcanecrypto/earnings/store"
)

var log = build.AddSubLogger("STOR")

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
	pqCheckViolation      = "23514"
	// raised for IDs that are not valid UUIDs
	pqInvalidTextRepresentation = "22P02"

	constraintOneOpenWithdrawal = "withdrawals_one_open_per_creator"
)

const (
	creatorColumns    = "id, email, display_name, created_at"
	entryColumns      = "id, creator_id, kind, amount, related_order_id, related_withdrawal_id, created_at"
	withdrawalColumns = "id, creator_id, amount, status, payout_method, note, admin_note, " +
		"external_transfer_ref, created_at, updated_at"
	auditColumns = "id, withdrawal_id, actor_id, actor_role, action, from_status, to_status, note, created_at"
)

// Store is a store.Store backed by Postgres
type Store struct {
	db *db.DB
}

var _ store.Store = &Store{}

// New creates a store using the given database
func New(d *db.DB) *Store {
	return &Store{db: d}
}

// Update implements store.Store. It runs in READ COMMITTED, relying on
// creator row locks for serializing writers.
func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, nil, fn)
}

// View implements store.Store. It runs in a read-only REPEATABLE READ
// transaction, so every query inside fn sees the same snapshot.
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, fn)
}

func (s *Store) run(ctx context.Context, opts *sql.TxOptions, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return errors.Wrap(err, "could not begin transaction")
	}

	if err := fn(&tx{tx: sqlTx}); err != nil {
		if rollbackErr := sqlTx.Rollback(); rollbackErr != nil {
			log.WithError(rollbackErr).Error("Could not roll back transaction")
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return errors.Wrap(err, "could not commit transaction")
	}
	return nil
}

type tx struct {
	tx *sqlx.Tx
}

var _ store.Tx = &tx{}

// translate maps driver errors to store errors. Unknown errors are wrapped
// with the given message.
func translate(err error, msg string) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			if pqErr.Constraint == constraintOneOpenWithdrawal {
				return store.ErrOpenWithdrawalExists
			}
			return store.ErrDuplicate
		case pqForeignKeyViolation:
			return store.ErrNotFound
		case pqInvalidTextRepresentation:
			return store.ErrNotFound
		case pqCheckViolation:
			return fmt.Errorf("%w: violates %s", entries.ErrInvalidEntry, pqErr.Constraint)
		}
	}
	return errors.Wrap(err, msg)
}

func (t *tx) InsertCreator(ctx context.Context, creator creators.Creator) (creators.Creator, error) {
	var inserted creators.Creator
	if creator.ID == 0 {
		err := t.tx.GetContext(ctx, &inserted,
			`INSERT INTO creators (email, display_name) VALUES ($1, $2)
			RETURNING `+creatorColumns,
			creator.Email, creator.DisplayName)
		return inserted, translate(err, "could not insert creator")
	}

	err := t.tx.GetContext(ctx, &inserted,
		`INSERT INTO creators (id, email, display_name) VALUES ($1, $2, $3)
		RETURNING `+creatorColumns,
		creator.ID, creator.Email, creator.DisplayName)
	if err != nil {
		return creators.Creator{}, translate(err, "could not insert creator")
	}

	// keep the sequence ahead of explicitly chosen IDs
	if _, err := t.tx.ExecContext(ctx,
		`SELECT setval(pg_get_serial_sequence('creators', 'id'), (SELECT MAX(id) FROM creators))`); err != nil {
		return creators.Creator{}, translate(err, "could not bump creator ID sequence")
	}
	return inserted, nil
}

func (t *tx) GetCreator(ctx context.Context, id int) (creators.Creator, error) {
	var creator creators.Creator
	err := t.tx.GetContext(ctx, &creator,
		`SELECT `+creatorColumns+` FROM creators WHERE id = $1`, id)
	return creator, translate(err, "could not get creator")
}

func (t *tx) LockCreator(ctx context.Context, id int) error {
	var locked int
	err := t.tx.GetContext(ctx, &locked,
		`SELECT id FROM creators WHERE id = $1 FOR UPDATE`, id)
	return translate(err, "could not lock creator")
}

func (t *tx) AppendEntry(ctx context.Context, entry entries.Entry) (entries.Entry, error) {
	if err := entry.Validate(); err != nil {
		return entries.Entry{}, err
	}

	var inserted entries.Entry
	err := t.tx.GetContext(ctx, &inserted,
		`INSERT INTO ledger_entries (creator_id, kind, amount, related_order_id, related_withdrawal_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+entryColumns,
		entry.CreatorID, entry.Kind, entry.Amount, entry.RelatedOrderID, entry.RelatedWithdrawalID)
	if err != nil {
		return entries.Entry{}, translate(err, "could not append entry")
	}

	log.WithField("entry", inserted.String()).Debug("Appended ledger entry")
	return inserted, nil
}

func (t *tx) ListEntries(ctx context.Context, creatorID int, sinceID int64, limit int) ([]entries.Entry, error) {
	// LIMIT NULL means no limit
	var sqlLimit sql.NullInt64
	if limit > 0 {
		sqlLimit = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	found := []entries.Entry{}
	err := t.tx.SelectContext(ctx, &found,
		`SELECT `+entryColumns+` FROM ledger_entries
		WHERE creator_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3`,
		creatorID, sinceID, sqlLimit)
	return found, translate(err, "could not list entries")
}

func (t *tx) FindOrderEntry(ctx context.Context, orderID string, kind entries.Kind) (entries.Entry, error) {
	var entry entries.Entry
	err := t.tx.GetContext(ctx, &entry,
		`SELECT `+entryColumns+` FROM ledger_entries
		WHERE related_order_id = $1 AND kind = $2`,
		orderID, kind)
	return entry, translate(err, "could not find order entry")
}

func (t *tx) Totals(ctx context.Context, creatorID int) (entries.Totals, error) {
	var rows []struct {
		Kind  entries.Kind `db:"kind"`
		Total int64        `db:"total"`
	}
	if err := t.tx.SelectContext(ctx, &rows,
		`SELECT kind, COALESCE(SUM(amount), 0) AS total FROM ledger_entries
		WHERE creator_id = $1
		GROUP BY kind`,
		creatorID); err != nil {
		return nil, translate(err, "could not sum entries")
	}

	totals := entries.Totals{}
	for _, row := range rows {
		totals[row.Kind] = row.Total
	}
	return totals, nil
}

func (t *tx) InsertWithdrawal(ctx context.Context, request withdrawals.Request) (withdrawals.Request, error) {
	var inserted withdrawals.Request
	err := t.tx.GetContext(ctx, &inserted,
		`INSERT INTO withdrawals (id, creator_id, amount, status, payout_method, note)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+withdrawalColumns,
		request.ID, request.CreatorID, request.Amount, request.Status, request.PayoutMethod, request.Note)
	return inserted, translate(err, "could not insert withdrawal")
}

func (t *tx) GetWithdrawal(ctx context.Context, id string) (withdrawals.Request, error) {
	var request withdrawals.Request
	err := t.tx.GetContext(ctx, &request,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id)
	return request, translate(err, "could not get withdrawal")
}

func (t *tx) GetOpenWithdrawal(ctx context.Context, creatorID int) (withdrawals.Request, error) {
	var request withdrawals.Request
	err := t.tx.GetContext(ctx, &request,
		`SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE creator_id = $1 AND status::text = ANY($2)`,
		creatorID, statusArray(withdrawals.OpenStatuses()))
	return request, translate(err, "could not get open withdrawal")
}

func (t *tx) TransitionWithdrawal(ctx context.Context, id string, from []withdrawals.Status,
	transition withdrawals.Transition) (withdrawals.Request, error) {
	var updated withdrawals.Request
	err := t.tx.GetContext(ctx, &updated,
		`UPDATE withdrawals
		SET status = $2,
			admin_note = COALESCE($3, admin_note),
			external_transfer_ref = COALESCE($4, external_transfer_ref),
			updated_at = $5
		WHERE id = $1 AND status::text = ANY($6)
		RETURNING `+withdrawalColumns,
		id, transition.To, transition.AdminNote, transition.ExternalTransferRef,
		transition.At, statusArray(from))
	if err == nil {
		return updated, nil
	}
	if err != sql.ErrNoRows {
		return withdrawals.Request{}, translate(err, "could not transition withdrawal")
	}

	// either the request does not exist, or its status was not in from
	current, err := t.GetWithdrawal(ctx, id)
	if err != nil {
		return withdrawals.Request{}, err
	}
	return current, store.ErrStatusConflict
}

// whereClause builds the WHERE clause and arguments for the given filter
func whereClause(filter withdrawals.Filter) (string, []interface{}) {
	var conditions []string
	var args []interface{}
	add := func(condition string, arg interface{}) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	if filter.Status != nil {
		add("status = $%d", *filter.Status)
	}
	if filter.CreatorID != nil {
		add("creator_id = $%d", *filter.CreatorID)
	}
	if filter.CreatedFrom != nil {
		add("created_at >= $%d", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		add("created_at < $%d", *filter.CreatedTo)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func (t *tx) ListWithdrawals(ctx context.Context, filter withdrawals.Filter,
	page withdrawals.Page) ([]withdrawals.Request, int, error) {
	where, args := whereClause(filter)

	var total int
	if err := t.tx.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM withdrawals`+where, args...); err != nil {
		return nil, 0, translate(err, "could not count withdrawals")
	}

	page = page.Normalize()
	query := fmt.Sprintf(`SELECT %s FROM withdrawals%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, withdrawalColumns, where, len(args)+1, len(args)+2)

	found := []withdrawals.Request{}
	if err := t.tx.SelectContext(ctx, &found, query,
		append(args, page.Limit, page.Offset)...); err != nil {
		return nil, 0, translate(err, "could not list withdrawals")
	}
	return found, total, nil
}

func (t *tx) AppendAudit(ctx context.Context, entry withdrawals.AuditEntry) (withdrawals.AuditEntry, error) {
	var inserted withdrawals.AuditEntry
	err := t.tx.GetContext(ctx, &inserted,
		`INSERT INTO withdrawal_audit
			(withdrawal_id, actor_id, actor_role, action, from_status, to_status, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+auditColumns,
		entry.WithdrawalID, entry.ActorID, entry.ActorRole, entry.Action,
		entry.FromStatus, entry.ToStatus, entry.Note, entry.CreatedAt)
	return inserted, translate(err, "could not append audit entry")
}

func (t *tx) ListAudit(ctx context.Context, withdrawalID string) ([]withdrawals.AuditEntry, error) {
	trail := []withdrawals.AuditEntry{}
	err := t.tx.SelectContext(ctx, &trail,
		`SELECT `+auditColumns+` FROM withdrawal_audit
		WHERE withdrawal_id = $1
		ORDER BY id`, withdrawalID)
	return trail, translate(err, "could not list audit trail")
}

func statusArray(statuses []withdrawals.Status) interface{} {
	strs := make([]string, len(statuses))
	for i, s := range statuses {
		strs[i] = string(s)
	}
	return pq.Array(strs)
}

package coa

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/ledgerline/internal/platform/db"
)

// Repository is the ledger-store port the engine persists through. The
// engine validates everything before calling it; the store's only invariant
// of its own is atomic (company_id, code) uniqueness on insert.
type Repository interface {
	FetchAccounts(ctx context.Context, companyID int64, f Filter) ([]Account, int, error)
	GetAccount(ctx context.Context, companyID int64, id uuid.UUID) (Account, error)
	InsertAccount(ctx context.Context, a Account) (Account, error)
	UpdateAccount(ctx context.Context, a Account) (Account, error)
	DeleteAccount(ctx context.Context, companyID int64, id uuid.UUID) error
	CountChildren(ctx context.Context, companyID int64, id uuid.UUID) (int, error)
	HasActivity(ctx context.Context, id uuid.UUID) (bool, error)
	FetchActivityTotals(ctx context.Context, id uuid.UUID, since, until time.Time) (ActivityTotals, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the row updates Reparent applies atomically so
// readers never observe a half-moved subtree.
type TxRepository interface {
	SetParent(ctx context.Context, id uuid.UUID, parentID *uuid.UUID, level int) error
	SetLevel(ctx context.Context, id uuid.UUID, level int) error
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL-backed ledger store.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const accountColumns = `id, company_id, code, name, description, type, sub_type, parent_id, level, is_control, allow_direct, currency, opening_balance, opening_balance_date, status, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.CompanyID, &a.Code, &a.Name, &a.Description, &a.Type, &a.SubType,
		&a.ParentID, &a.Level, &a.IsControl, &a.AllowDirect, &a.Currency,
		&a.OpeningBalance, &a.OpeningBalanceDate, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (r *repository) FetchAccounts(ctx context.Context, companyID int64, f Filter) ([]Account, int, error) {
	where := ` WHERE company_id = $1`
	args := []any{companyID}
	argCount := 1

	add := func(clause string, value any) {
		argCount++
		where += ` AND ` + clause + `$` + strconv.Itoa(argCount)
		args = append(args, value)
	}
	if f.Type != "" {
		add(`type = `, string(f.Type))
	}
	if f.SubType != "" {
		add(`sub_type = `, string(f.SubType))
	}
	if f.Status != "" {
		add(`status = `, string(f.Status))
	}
	if f.ParentID != nil {
		add(`parent_id = `, *f.ParentID)
	}
	if f.Search != "" {
		argCount++
		ph := `$` + strconv.Itoa(argCount)
		where += ` AND (name ILIKE ` + ph + ` OR code ILIKE ` + ph + `)`
		args = append(args, "%"+f.Search+"%")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM accounts`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("coa: count accounts: %w", err)
	}

	query := `SELECT ` + accountColumns + ` FROM accounts` + where + ` ORDER BY ` + sortOrder(f.SortBy, f.SortDir)
	if f.PerPage > 0 {
		argCount++
		query += ` LIMIT $` + strconv.Itoa(argCount)
		args = append(args, f.PerPage)
		offset := (f.Page - 1) * f.PerPage
		if offset < 0 {
			offset = 0
		}
		argCount++
		query += ` OFFSET $` + strconv.Itoa(argCount)
		args = append(args, offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("coa: fetch accounts: %w", err)
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, 0, err
		}
		accounts = append(accounts, a)
	}
	return accounts, total, rows.Err()
}

func sortOrder(sortBy, sortDir string) string {
	dir := "ASC"
	if sortDir == "desc" {
		dir = "DESC"
	}
	switch sortBy {
	case "name":
		return "name " + dir
	case "level":
		return "level " + dir + ", code ASC"
	default:
		return "code " + dir
	}
}

func (r *repository) GetAccount(ctx context.Context, companyID int64, id uuid.UUID) (Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE company_id = $1 AND id = $2`, companyID, id)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("coa: get account: %w", err)
	}
	return a, nil
}

func (r *repository) InsertAccount(ctx context.Context, a Account) (Account, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		a.ID, a.CompanyID, a.Code, a.Name, a.Description, a.Type, a.SubType,
		a.ParentID, a.Level, a.IsControl, a.AllowDirect, a.Currency,
		a.OpeningBalance, a.OpeningBalanceDate, a.Status, a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return Account{}, fmt.Errorf("%w: code %s", ErrCodeConflict, a.Code)
	}
	if err != nil {
		return Account{}, fmt.Errorf("coa: insert account: %w", err)
	}
	return a, nil
}

func (r *repository) UpdateAccount(ctx context.Context, a Account) (Account, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE accounts
		SET name = $3, description = $4, sub_type = $5, is_control = $6, allow_direct = $7,
		    currency = $8, opening_balance = $9, opening_balance_date = $10, status = $11, updated_at = $12
		WHERE company_id = $1 AND id = $2`,
		a.CompanyID, a.ID, a.Name, a.Description, a.SubType, a.IsControl, a.AllowDirect,
		a.Currency, a.OpeningBalance, a.OpeningBalanceDate, a.Status, a.UpdatedAt)
	if err != nil {
		return Account{}, fmt.Errorf("coa: update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (r *repository) DeleteAccount(ctx context.Context, companyID int64, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM accounts WHERE company_id = $1 AND id = $2`, companyID, id)
	if err != nil {
		return fmt.Errorf("coa: delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repository) CountChildren(ctx context.Context, companyID int64, id uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM accounts WHERE company_id = $1 AND parent_id = $2`, companyID, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("coa: count children: %w", err)
	}
	return n, nil
}

func (r *repository) HasActivity(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM account_activity WHERE account_id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("coa: has activity: %w", err)
	}
	return exists, nil
}

func (r *repository) FetchActivityTotals(ctx context.Context, id uuid.UUID, since, until time.Time) (ActivityTotals, error) {
	query := `SELECT COALESCE(SUM(debit), 0), COALESCE(SUM(credit), 0) FROM account_activity WHERE account_id = $1 AND entry_date <= $2`
	args := []any{id, until}
	if !since.IsZero() {
		query += ` AND entry_date >= $3`
		args = append(args, since)
	}
	var totals ActivityTotals
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&totals.Debit, &totals.Credit); err != nil {
		return ActivityTotals{}, fmt.Errorf("coa: fetch activity totals: %w", err)
	}
	return totals, nil
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) SetParent(ctx context.Context, id uuid.UUID, parentID *uuid.UUID, level int) error {
	tag, err := r.tx.Exec(ctx, `UPDATE accounts SET parent_id = $2, level = $3, updated_at = NOW() WHERE id = $1`, id, parentID, level)
	if err != nil {
		return fmt.Errorf("coa: set parent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) SetLevel(ctx context.Context, id uuid.UUID, level int) error {
	tag, err := r.tx.Exec(ctx, `UPDATE accounts SET level = $2, updated_at = NOW() WHERE id = $1`, id, level)
	if err != nil {
		return fmt.Errorf("coa: set level: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

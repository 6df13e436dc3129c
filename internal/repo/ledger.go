package repo

import (
	"context"
	"database/sql"
	"strings"

	"peerflow/internal/domain"
)

func scanAccount(scan func(dest ...any) error) (domain.WalletAccount, error) {
	var a domain.WalletAccount
	var kind string
	var activityID sql.NullString
	err := scan(&a.ID, &kind, &activityID, &a.Balance, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Kind = domain.AccountKind(kind)
	if activityID.Valid {
		a.ActivityID = &activityID.String
	}
	return a, nil
}

const accountCols = `id,kind,activity_id,balance,created_at`

func (r Repo) GetAccount(ctx context.Context, id string) (domain.WalletAccount, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id=?`, id)
	return scanAccount(row.Scan)
}

func (r Repo) GetAccountTx(ctx context.Context, tx *sql.Tx, id string) (domain.WalletAccount, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id=?`, id)
	return scanAccount(row.Scan)
}

func (r Repo) InsertAccountTx(ctx context.Context, tx *sql.Tx, a domain.WalletAccount) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO accounts(id,kind,activity_id,balance,created_at) VALUES (?,?,?,?,?)`,
		a.ID, string(a.Kind), nullableStringPtr(a.ActivityID), a.Balance, a.CreatedAt)
	return err
}

// EnsureAccountTx creates the account if it does not exist yet.
func (r Repo) EnsureAccountTx(ctx context.Context, tx *sql.Tx, id string, kind domain.AccountKind, createdAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO accounts(id,kind,activity_id,balance,created_at) VALUES (?,?,NULL,0,?)`,
		id, string(kind), createdAt)
	return err
}

func (r Repo) UpdateAccountBalanceTx(ctx context.Context, tx *sql.Tx, id string, balance int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET balance=? WHERE id=?`, balance, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertLedgerEntryTx(ctx context.Context, tx *sql.Tx, e domain.LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries(account_id,amount,category,activity_id,note,ts) VALUES (?,?,?,?,?,?)`,
		e.AccountID, e.Amount, string(e.Category), nullableStringPtr(e.ActivityID), nullable(e.Note), e.TS)
	return err
}

// SumLedgerEntries derives an account balance from its entries. This is the
// source of truth; the cached accounts.balance column must always equal it.
func (r Repo) SumLedgerEntries(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM ledger_entries WHERE account_id=?`, accountID).Scan(&sum)
	return sum, err
}

func (r Repo) SumLedgerEntriesTx(ctx context.Context, tx *sql.Tx, accountID string) (int64, error) {
	var sum int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM ledger_entries WHERE account_id=?`, accountID).Scan(&sum)
	return sum, err
}

type LedgerFilters struct {
	AccountID  string
	ActivityID string
	Category   string
	Limit      int
}

func (r Repo) ListLedgerEntries(ctx context.Context, f LedgerFilters) ([]domain.LedgerEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.AccountID != "" {
		clauses = append(clauses, "account_id=?")
		args = append(args, f.AccountID)
	}
	if f.ActivityID != "" {
		clauses = append(clauses, "activity_id=?")
		args = append(args, f.ActivityID)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	query := `SELECT id,account_id,amount,category,activity_id,note,ts FROM ledger_entries WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var activityID, note sql.NullString
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &e.Category, &activityID, &note, &e.TS); err != nil {
			return nil, err
		}
		if activityID.Valid {
			e.ActivityID = &activityID.String
		}
		if note.Valid {
			e.Note = note.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) UpdateActivityEscrowTx(ctx context.Context, tx *sql.Tx, activityID string, escrow int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE activities SET escrow_balance=? WHERE id=?`, escrow, activityID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

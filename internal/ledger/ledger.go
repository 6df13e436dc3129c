package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"peerflow/internal/domain"
	"peerflow/internal/events"
	"peerflow/internal/repo"
)

// Ledger moves tokens between accounts. Every movement is an append-only
// entry pair (debit + credit) written in one transaction together with the
// cached balance updates, so the sum of entries always equals the cached
// balance and paired transfers conserve the total supply. Only Credit mints.
type Ledger struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Ledger {
	return Ledger{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Ledger) ts() string {
	return l.now().UTC().Format(time.RFC3339)
}

// isBusy reports whether the driver rejected the statement because another
// writer holds the database. Callers surface this as a ConflictError so the
// caller can retry rather than treat it as a hard failure.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

func conflict(op string, err error) error {
	if isBusy(err) {
		return domain.ConflictError{Op: op, Err: err}
	}
	return err
}

// OpenAccount creates a wallet if it does not exist yet.
func (l Ledger) OpenAccount(ctx context.Context, id string, kind domain.AccountKind) (domain.WalletAccount, error) {
	if id == "" {
		return domain.WalletAccount{}, domain.Validationf("account id is required")
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WalletAccount{}, err
	}
	defer tx.Rollback()
	if err := l.Repo.EnsureAccountTx(ctx, tx, id, kind, l.ts()); err != nil {
		return domain.WalletAccount{}, conflict("open account", err)
	}
	a, err := l.Repo.GetAccountTx(ctx, tx, id)
	if err != nil {
		return domain.WalletAccount{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WalletAccount{}, conflict("open account", err)
	}
	return a, nil
}

// Credit mints tokens into an account. This is the only unpaired entry kind;
// everything else moves existing tokens.
func (l Ledger) Credit(ctx context.Context, accountID string, amount int64, note, actorID string) (domain.WalletAccount, error) {
	if amount <= 0 {
		return domain.WalletAccount{}, domain.Validationf("credit amount must be positive")
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WalletAccount{}, err
	}
	defer tx.Rollback()
	a, err := l.Repo.GetAccountTx(ctx, tx, accountID)
	if err != nil {
		return domain.WalletAccount{}, err
	}
	if err := l.applyTx(ctx, tx, a, amount, domain.EntryCredit, nil, note); err != nil {
		return domain.WalletAccount{}, err
	}
	if err := l.Events.Append(ctx, tx, "wallet.credited", "", "account", accountID, actorID, events.EventPayload{
		"amount": amount,
		"note":   note,
	}); err != nil {
		return domain.WalletAccount{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WalletAccount{}, conflict("credit", err)
	}
	a.Balance += amount
	return a, nil
}

// FundEscrowTx moves the funding amount from the funder's wallet into the
// activity's escrow account. The escrow account id is the activity id.
func (l Ledger) FundEscrowTx(ctx context.Context, tx *sql.Tx, fromAccountID, activityID string, amount int64) error {
	if amount < 0 {
		return domain.Validationf("funding amount must not be negative")
	}
	if err := l.Repo.EnsureAccountTx(ctx, tx, activityID, domain.AccountEscrow, l.ts()); err != nil {
		return conflict("fund escrow", err)
	}
	if amount == 0 {
		return nil
	}
	return l.transferTx(ctx, tx, fromAccountID, activityID, amount, domain.EntryFundEscrow, domain.EntryEscrowIn, &activityID, "escrow funding")
}

// PayFromEscrowTx moves tokens out of the activity escrow into a wallet.
// Category distinguishes reviewer payouts from the leftover sweep.
func (l Ledger) PayFromEscrowTx(ctx context.Context, tx *sql.Tx, activityID, toAccountID string, amount int64, category domain.EntryCategory, note string) error {
	if amount <= 0 {
		return domain.Validationf("escrow payment amount must be positive")
	}
	return l.transferTx(ctx, tx, activityID, toAccountID, amount, domain.EntryEscrowOut, category, &activityID, note)
}

// ChargeFeeTx deducts a fee from a wallet and credits it to the platform
// account in the same transaction.
func (l Ledger) ChargeFeeTx(ctx context.Context, tx *sql.Tx, fromAccountID, platformAccountID string, amount int64, activityID *string, note string) error {
	if amount <= 0 {
		return domain.Validationf("fee amount must be positive")
	}
	return l.transferTx(ctx, tx, fromAccountID, platformAccountID, amount, domain.EntryFee, domain.EntryFeeIn, activityID, note)
}

// ChargeFee is ChargeFeeTx in its own transaction.
func (l Ledger) ChargeFee(ctx context.Context, fromAccountID, platformAccountID string, amount int64, note, actorID string) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := l.ChargeFeeTx(ctx, tx, fromAccountID, platformAccountID, amount, nil, note); err != nil {
		return err
	}
	if err := l.Events.Append(ctx, tx, "wallet.fee_charged", "", "account", fromAccountID, actorID, events.EventPayload{
		"amount": amount,
		"note":   note,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return conflict("charge fee", err)
	}
	return nil
}

// transferTx writes the paired debit/credit entries. Accounts are loaded and
// re-checked inside the transaction so a stale read can never overdraw, and
// both rows are loaded in canonical order to keep concurrent transfers
// deadlock free.
func (l Ledger) transferTx(ctx context.Context, tx *sql.Tx, fromID, toID string, amount int64, debitCat, creditCat domain.EntryCategory, activityID *string, note string) error {
	if fromID == toID {
		return domain.Validationf("transfer endpoints must differ")
	}
	accounts := map[string]domain.WalletAccount{}
	for _, id := range lockOrder(fromID, toID) {
		a, err := l.Repo.GetAccountTx(ctx, tx, id)
		if err != nil {
			return err
		}
		accounts[id] = a
	}
	from := accounts[fromID]
	if from.Balance < amount {
		return domain.InsufficientBalanceError{AccountID: fromID, Requested: amount, Available: from.Balance}
	}
	if err := l.applyTx(ctx, tx, from, -amount, debitCat, activityID, note); err != nil {
		return err
	}
	return l.applyTx(ctx, tx, accounts[toID], amount, creditCat, activityID, note)
}

// applyTx appends one entry and moves the cached balance with it.
func (l Ledger) applyTx(ctx context.Context, tx *sql.Tx, a domain.WalletAccount, amount int64, category domain.EntryCategory, activityID *string, note string) error {
	if err := l.Repo.InsertLedgerEntryTx(ctx, tx, domain.LedgerEntry{
		AccountID:  a.ID,
		Amount:     amount,
		Category:   category,
		ActivityID: activityID,
		Note:       note,
		TS:         l.ts(),
	}); err != nil {
		return conflict("ledger entry", err)
	}
	if err := l.Repo.UpdateAccountBalanceTx(ctx, tx, a.ID, a.Balance+amount); err != nil {
		return conflict("balance update", err)
	}
	return nil
}

// lockOrder yields account ids in a canonical total order so concurrent
// transfers touching the same pair always load rows in the same sequence.
func lockOrder(ids ...string) []string {
	ordered := append([]string(nil), ids...)
	sort.Strings(ordered)
	return ordered
}

// Verify recomputes an account's balance from its entries and compares it to
// the cache. A mismatch means a write bypassed the ledger.
func (l Ledger) Verify(ctx context.Context, accountID string) error {
	a, err := l.Repo.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	sum, err := l.Repo.SumLedgerEntries(ctx, accountID)
	if err != nil {
		return err
	}
	if sum != a.Balance {
		return fmt.Errorf("account %s: cached balance %d does not match entry sum %d", accountID, a.Balance, sum)
	}
	return nil
}

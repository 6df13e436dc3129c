package ledger_test

import (
	"context"
	"errors"
	"testing"

	"peerflow/internal/db"
	"peerflow/internal/domain"
	"peerflow/internal/ledger"
	"peerflow/internal/migrate"
	"peerflow/internal/repo"
)

func newTestLedger(t *testing.T) (ledger.Ledger, context.Context) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return ledger.New(conn), context.Background()
}

func TestCreditIsTheOnlyMint(t *testing.T) {
	l, ctx := newTestLedger(t)
	if _, err := l.OpenAccount(ctx, "ana", domain.AccountUser); err != nil {
		t.Fatalf("open: %v", err)
	}
	a, err := l.Credit(ctx, "ana", 50, "grant", "tester")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if a.Balance != 50 {
		t.Fatalf("balance after credit: got %d, want 50", a.Balance)
	}
	if _, err := l.Credit(ctx, "ana", 0, "noop", "tester"); err == nil {
		t.Fatalf("expected zero credit rejection")
	}
	if _, err := l.Credit(ctx, "ana", -5, "steal", "tester"); err == nil {
		t.Fatalf("expected negative credit rejection")
	}
	if err := l.Verify(ctx, "ana"); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestEscrowRoundTripConservesTokens(t *testing.T) {
	l, ctx := newTestLedger(t)
	if _, err := l.OpenAccount(ctx, "ana", domain.AccountUser); err != nil {
		t.Fatalf("open ana: %v", err)
	}
	if _, err := l.OpenAccount(ctx, "bob", domain.AccountUser); err != nil {
		t.Fatalf("open bob: %v", err)
	}
	if _, err := l.Credit(ctx, "ana", 50, "seed", "tester"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.FundEscrowTx(ctx, tx, "ana", "act-1", 30); err != nil {
		tx.Rollback()
		t.Fatalf("fund escrow: %v", err)
	}
	if err := l.PayFromEscrowTx(ctx, tx, "act-1", "bob", 12, domain.EntryPayout, "rank 1 reward"); err != nil {
		tx.Rollback()
		t.Fatalf("pay from escrow: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	wants := map[string]int64{"ana": 20, "act-1": 18, "bob": 12}
	var total int64
	for id, want := range wants {
		a, err := l.Repo.GetAccount(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if a.Balance != want {
			t.Fatalf("account %s: got %d, want %d", id, a.Balance, want)
		}
		if err := l.Verify(ctx, id); err != nil {
			t.Fatalf("verify %s: %v", id, err)
		}
		total += a.Balance
	}
	if total != 50 {
		t.Fatalf("token supply changed: got %d, want 50", total)
	}
}

func TestOverdrawRejectedInsideTransaction(t *testing.T) {
	l, ctx := newTestLedger(t)
	if _, err := l.OpenAccount(ctx, "ana", domain.AccountUser); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := l.Credit(ctx, "ana", 100, "seed", "tester"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	fund := func(activityID string, amount int64) error {
		tx, err := l.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := l.FundEscrowTx(ctx, tx, "ana", activityID, amount); err != nil {
			return err
		}
		return tx.Commit()
	}

	// two competing fundings over the same wallet: the balance covers one
	if err := fund("act-1", 60); err != nil {
		t.Fatalf("first funding: %v", err)
	}
	err := fund("act-2", 60)
	var insufficient domain.InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if insufficient.Available != 40 || insufficient.Requested != 60 {
		t.Fatalf("unexpected detail: %+v", insufficient)
	}

	a, err := l.Repo.GetAccount(ctx, "ana")
	if err != nil {
		t.Fatalf("get ana: %v", err)
	}
	if a.Balance != 40 {
		t.Fatalf("no double spend allowed, balance %d", a.Balance)
	}
	// the failed funding must leave no entries behind
	entries, err := l.Repo.ListLedgerEntries(ctx, repo.LedgerFilters{AccountID: "ana"})
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	for _, entry := range entries {
		if entry.ActivityID != nil && *entry.ActivityID == "act-2" {
			t.Fatalf("rolled back funding left entry %+v", entry)
		}
	}
}

func TestConcurrentFundingSingleSpend(t *testing.T) {
	l, ctx := newTestLedger(t)
	if _, err := l.OpenAccount(ctx, "ana", domain.AccountUser); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := l.Credit(ctx, "ana", 100, "seed", "tester"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	// conflicts surface as ConflictError and the caller retries the whole
	// operation, each attempt in a fresh transaction
	fund := func(activityID string, amount int64) error {
		for attempt := 0; attempt < 50; attempt++ {
			tx, err := l.DB.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			err = l.FundEscrowTx(ctx, tx, "ana", activityID, amount)
			if err == nil {
				if err = tx.Commit(); err != nil {
					// a failed commit rolled back atomically
					continue
				}
				return nil
			}
			tx.Rollback()
			if domain.IsConflict(err) {
				continue
			}
			return err
		}
		return domain.ConflictError{Op: "fund " + activityID}
	}

	results := make(chan error, 2)
	for _, id := range []string{"act-1", "act-2"} {
		go func(id string) { results <- fund(id, 60) }(id)
	}

	var succeeded, rejected int
	for i := 0; i < 2; i++ {
		err := <-results
		var insufficient domain.InsufficientBalanceError
		switch {
		case err == nil:
			succeeded++
		case errors.As(err, &insufficient):
			rejected++
			if insufficient.Available != 40 || insufficient.Requested != 60 {
				t.Fatalf("unexpected detail: %+v", insufficient)
			}
		default:
			t.Fatalf("unexpected funding error: %v", err)
		}
	}
	if succeeded != 1 || rejected != 1 {
		t.Fatalf("want one success and one rejection, got %d/%d", succeeded, rejected)
	}

	a, err := l.Repo.GetAccount(ctx, "ana")
	if err != nil {
		t.Fatalf("get ana: %v", err)
	}
	if a.Balance != 40 {
		t.Fatalf("no double spend allowed, balance %d", a.Balance)
	}
	if err := l.Verify(ctx, "ana"); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestChargeFee(t *testing.T) {
	l, ctx := newTestLedger(t)
	if _, err := l.OpenAccount(ctx, "ana", domain.AccountUser); err != nil {
		t.Fatalf("open ana: %v", err)
	}
	if _, err := l.OpenAccount(ctx, "platform-reserve", domain.AccountPlatform); err != nil {
		t.Fatalf("open platform: %v", err)
	}
	if _, err := l.Credit(ctx, "ana", 10, "seed", "tester"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := l.ChargeFee(ctx, "ana", "platform-reserve", 3, "listing fee", "tester"); err != nil {
		t.Fatalf("charge fee: %v", err)
	}
	ana, _ := l.Repo.GetAccount(ctx, "ana")
	platform, _ := l.Repo.GetAccount(ctx, "platform-reserve")
	if ana.Balance != 7 || platform.Balance != 3 {
		t.Fatalf("unexpected balances: ana %d platform %d", ana.Balance, platform.Balance)
	}
	if err := l.ChargeFee(ctx, "ana", "platform-reserve", 100, "too much", "tester"); err == nil {
		t.Fatalf("expected overdraw rejection")
	}
}

func TestVerifyDetectsBypassedWrites(t *testing.T) {
	l, ctx := newTestLedger(t)
	if _, err := l.OpenAccount(ctx, "ana", domain.AccountUser); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := l.Credit(ctx, "ana", 25, "seed", "tester"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := l.DB.ExecContext(ctx, `UPDATE accounts SET balance = 999 WHERE id = 'ana'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := l.Verify(ctx, "ana"); err == nil {
		t.Fatalf("expected cache/entry mismatch")
	}
}

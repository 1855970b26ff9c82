package entitlement

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/algozhq/algoz-server/cmd/config"
	"github.com/algozhq/algoz-server/cmd/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}

	// A single connection keeps the in-memory database shared and
	// serializes concurrent transactions the way the row lock does on
	// Postgres.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&models.Account{},
		&models.BrokerConnection{},
		&models.Subscription{},
		&models.CreditTransaction{},
	); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}

	return db
}

func newTestLedger(t *testing.T, db *gorm.DB) *Ledger {
	return NewLedger(db, config.Default())
}

func createAccount(t *testing.T, db *gorm.DB, balance int64) *models.Account {
	account := &models.Account{
		Username:     "trader",
		Email:        "trader@example.com",
		PasswordHash: "x",
		ClientCode:   100001,
		Balance:      balance,
	}
	if err := db.Create(account).Error; err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	// Seed the ledger so the reconciliation invariant holds from the start.
	if balance > 0 {
		txn := &models.CreditTransaction{
			UserID:      account.ID,
			Amount:      balance,
			Type:        models.TransactionPurchase,
			Description: "Sign-up bonus",
			Reference:   "seed-" + account.Username,
		}
		if err := db.Create(txn).Error; err != nil {
			t.Fatalf("failed to seed transaction: %v", err)
		}
	}
	return account
}

func createConnection(t *testing.T, db *gorm.DB, userID uint, name string) *models.BrokerConnection {
	conn := &models.BrokerConnection{
		UserID:   userID,
		AppName:  name,
		Broker:   "zerodha",
		IsActive: true,
	}
	if err := db.Create(conn).Error; err != nil {
		t.Fatalf("failed to create connection: %v", err)
	}
	return conn
}

func assertReconciles(t *testing.T, ledger *Ledger, userID uint) {
	t.Helper()
	sum, balance, err := ledger.Reconcile(userID)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if sum != balance {
		t.Errorf("ledger sum %d does not match balance %d", sum, balance)
	}
}

func countDeductions(t *testing.T, db *gorm.DB, userID uint) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&models.CreditTransaction{}).
		Where("user_id = ? AND type = ?", userID, models.TransactionDeduction).
		Count(&count).Error; err != nil {
		t.Fatalf("counting deductions: %v", err)
	}
	return count
}

func TestEnableChargesAndOpensWindow(t *testing.T) {
	db := setupTestDB(t)
	ledger := newTestLedger(t, db)
	account := createAccount(t, db, 100000)
	conn := createConnection(t, db, account.ID, "kite-main")

	now := time.Date(2025, 3, 10, 14, 30, 0, 0, ledger.cfg.Location())
	ledger.now = func() time.Time { return now }

	sub, charged, err := ledger.Enable(account.ID, models.FeatureScalping, conn.ID)
	if err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if !charged {
		t.Error("expected a charge on first enable")
	}

	var reloaded models.Account
	db.First(&reloaded, account.ID)
	if reloaded.Balance != 97500 {
		t.Errorf("expected balance 97500, got %d", reloaded.Balance)
	}

	if n := countDeductions(t, db, account.ID); n != 1 {
		t.Errorf("expected 1 deduction, got %d", n)
	}

	loc := ledger.cfg.Location()
	end := now.AddDate(0, 0, 29)
	wantExpiry := time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 999000000, loc)
	if !sub.ExpiryDate.Equal(wantExpiry) {
		t.Errorf("expected expiry %v, got %v", wantExpiry, sub.ExpiryDate)
	}
	if !sub.StartDate.Equal(now) {
		t.Errorf("expected start %v, got %v", now, sub.StartDate)
	}

	assertReconciles(t, ledger, account.ID)
}

func TestEnableTwiceChargesOnce(t *testing.T) {
	db := setupTestDB(t)
	ledger := newTestLedger(t, db)
	account := createAccount(t, db, 100000)
	conn := createConnection(t, db, account.ID, "kite-main")

	if _, _, err := ledger.Enable(account.ID, models.FeatureTradingView, conn.ID); err != nil {
		t.Fatalf("first Enable failed: %v", err)
	}
	_, charged, err := ledger.Enable(account.ID, models.FeatureTradingView, conn.ID)
	if err != nil {
		t.Fatalf("second Enable failed: %v", err)
	}
	if charged {
		t.Error("second enable while covered must not charge")
	}

	if n := countDeductions(t, db, account.ID); n != 1 {
		t.Errorf("expected 1 deduction, got %d", n)
	}

	var reloaded models.Account
	db.First(&reloaded, account.ID)
	if reloaded.Balance != 100000-1200 {
		t.Errorf("expected balance %d, got %d", 100000-1200, reloaded.Balance)
	}
}

func TestEnableInsufficientBalanceMutatesNothing(t *testing.T) {
	db := setupTestDB(t)
	ledger := newTestLedger(t, db)
	account := createAccount(t, db, 1000)
	conn := createConnection(t, db, account.ID, "kite-main")

	_, _, err := ledger.Enable(account.ID, models.FeatureScalping, conn.ID)
	if !errors.Is(err, models.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	var reloaded models.Account
	db.First(&reloaded, account.ID)
	if reloaded.Balance != 1000 {
		t.Errorf("balance changed on failed enable: %d", reloaded.Balance)
	}

	var subCount int64
	db.Model(&models.Subscription{}).Count(&subCount)
	if subCount != 0 {
		t.Errorf("subscription created on failed enable")
	}
	if n := countDeductions(t, db, account.ID); n != 0 {
		t.Errorf("deduction recorded on failed enable")
	}
	assertReconciles(t, ledger, account.ID)
}

func TestExpiryBoundary(t *testing.T) {
	db := setupTestDB(t)
	ledger := newTestLedger(t, db)
	account := createAccount(t, db, 100000)
	conn := createConnection(t, db, account.ID, "kite-main")

	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, ledger.cfg.Location())
	ledger.now = func() time.Time { return t0 }

	sub, _, err := ledger.Enable(account.ID, models.FeatureScalping, conn.ID)
	if err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	expiry := sub.ExpiryDate

	cases := []struct {
		name   string
		at     time.Time
		active bool
	}{
		{"one second before expiry", expiry.Add(-time.Second), true},
		{"at expiry", expiry, false},
		{"one second after expiry", expiry.Add(time.Second), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ledger.now = func() time.Time { return tc.at }
			states, err := ledger.State(account.ID, models.FeatureScalping)
			if err != nil {
				t.Fatalf("State failed: %v", err)
			}
			if len(states) != 1 {
				t.Fatalf("expected 1 state, got %d", len(states))
			}
			if states[0].Active != tc.active {
				t.Errorf("at %v expected active=%v, got %v", tc.at, tc.active, states[0].Active)
			}
		})
	}
}

func TestDisableKeepsPaidWindow(t *testing.T) {
	db := setupTestDB(t)
	ledger := newTestLedger(t, db)
	account := createAccount(t, db, 100000)
	conn := createConnection(t, db, account.ID, "kite-main")

	if _, _, err := ledger.Enable(account.ID, models.FeatureTradingView, conn.ID); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if err := ledger.Disable(account.ID, models.FeatureTradingView, conn.ID); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}

	states, err := ledger.State(account.ID, models.FeatureTradingView)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if states[0].Active {
		t.Error("disabled subscription must report inactive")
	}

	// Re-enabling before the stored expiry is free.
	_, charged, err := ledger.Enable(account.ID, models.FeatureTradingView, conn.ID)
	if err != nil {
		t.Fatalf("re-Enable failed: %v", err)
	}
	if charged {
		t.Error("re-enable before expiry must not charge")
	}
	if n := countDeductions(t, db, account.ID); n != 1 {
		t.Errorf("expected 1 deduction total, got %d", n)
	}
	assertReconciles(t, ledger, account.ID)
}

func TestEnableAfterLapseChargesAgain(t *testing.T) {
	db := setupTestDB(t)
	ledger := newTestLedger(t, db)
	account := createAccount(t, db, 100000)
	conn := createConnection(t, db, account.ID, "kite-main")

	t0 := time.Date(2025, 1, 5, 10, 0, 0, 0, ledger.cfg.Location())
	ledger.now = func() time.Time { return t0 }
	sub, _, err := ledger.Enable(account.ID, models.FeatureScalping, conn.ID)
	if err != nil {
		t.Fatalf("Enable failed: %v", err)
	}

	ledger.now = func() time.Time { return sub.ExpiryDate.Add(time.Hour) }
	_, charged, err := ledger.Enable(account.ID, models.FeatureScalping, conn.ID)
	if err != nil {
		t.Fatalf("renewal Enable failed: %v", err)
	}
	if !charged {
		t.Error("enable after lapse must charge again")
	}
	if n := countDeductions(t, db, account.ID); n != 2 {
		t.Errorf("expected 2 deductions, got %d", n)
	}
	assertReconciles(t, ledger, account.ID)
}

func TestConcurrentEnableExactBalance(t *testing.T) {
	db := setupTestDB(t)
	ledger := newTestLedger(t, db)
	account := createAccount(t, db, 2500)
	conn := createConnection(t, db, account.ID, "kite-main")

	type result struct {
		charged bool
		err     error
	}

	var wg sync.WaitGroup
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, charged, err := ledger.Enable(account.ID, models.FeatureScalping, conn.ID)
			results <- result{charged: charged, err: err}
		}()
	}
	wg.Wait()
	close(results)

	// Exactly one caller may charge. The loser either fails cleanly or,
	// if it serialized after the winner's commit, rides the idempotent
	// already-covered branch for free. It must never charge a second time.
	var charges int
	for res := range results {
		if res.err != nil {
			if errors.Is(res.err, models.ErrInsufficientBalance) || errors.Is(res.err, models.ErrConflict) {
				continue
			}
			t.Fatalf("unexpected error: %v", res.err)
		}
		if res.charged {
			charges++
		}
	}

	if charges != 1 {
		t.Fatalf("expected exactly one charge, got %d", charges)
	}

	var reloaded models.Account
	db.First(&reloaded, account.ID)
	if reloaded.Balance != 0 {
		t.Errorf("expected balance 0, got %d", reloaded.Balance)
	}
	if reloaded.Balance < 0 {
		t.Error("balance went negative")
	}
	if n := countDeductions(t, db, account.ID); n != 1 {
		t.Errorf("expected exactly 1 deduction, got %d", n)
	}
	assertReconciles(t, ledger, account.ID)
}

func TestCopyTradingBatchChargesOnlyNewConnections(t *testing.T) {
	db := setupTestDB(t)
	ledger := newTestLedger(t, db)
	account := createAccount(t, db, 100000)
	connA := createConnection(t, db, account.ID, "acct-a")
	connB := createConnection(t, db, account.ID, "acct-b")

	t0 := time.Date(2025, 4, 1, 9, 0, 0, 0, ledger.cfg.Location())
	ledger.now = func() time.Time { return t0 }

	if _, charged, err := ledger.EnableBatch(account.ID, []uint{connA.ID}); err != nil || charged != 1000 {
		t.Fatalf("seeding batch enable: charged=%d err=%v", charged, err)
	}

	// 19 days later connection A still has 10 days left; only B is new.
	t1 := t0.AddDate(0, 0, 19)
	ledger.now = func() time.Time { return t1 }

	subs, charged, err := ledger.EnableBatch(account.ID, []uint{connA.ID, connB.ID})
	if err != nil {
		t.Fatalf("EnableBatch failed: %v", err)
	}
	if charged != 1000 {
		t.Errorf("expected charge 1000 for the new connection only, got %d", charged)
	}
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(subs))
	}
	if !subs[0].ExpiryDate.Equal(subs[1].ExpiryDate) {
		t.Errorf("batch members must share the new expiry: %v vs %v", subs[0].ExpiryDate, subs[1].ExpiryDate)
	}

	loc := ledger.cfg.Location()
	end := t1.AddDate(0, 0, 29)
	wantExpiry := time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 999000000, loc)
	if !subs[0].ExpiryDate.Equal(wantExpiry) {
		t.Errorf("expected shared expiry %v, got %v", wantExpiry, subs[0].ExpiryDate)
	}

	var reloaded models.Account
	db.First(&reloaded, account.ID)
	if reloaded.Balance != 98000 {
		t.Errorf("expected balance 98000, got %d", reloaded.Balance)
	}
	assertReconciles(t, ledger, account.ID)
}

func TestCopyTradingBatchAllCoveredIsFree(t *testing.T) {
	db := setupTestDB(t)
	ledger := newTestLedger(t, db)
	account := createAccount(t, db, 100000)
	connA := createConnection(t, db, account.ID, "acct-a")

	if _, _, err := ledger.EnableBatch(account.ID, []uint{connA.ID}); err != nil {
		t.Fatalf("seeding batch enable: %v", err)
	}
	if err := ledger.DisableBatch(account.ID); err != nil {
		t.Fatalf("DisableBatch failed: %v", err)
	}

	subs, charged, err := ledger.EnableBatch(account.ID, []uint{connA.ID})
	if err != nil {
		t.Fatalf("re-enable failed: %v", err)
	}
	if charged != 0 {
		t.Errorf("expected no charge, got %d", charged)
	}
	if !subs[0].Enabled {
		t.Error("subscription should be re-enabled")
	}
	if n := countDeductions(t, db, account.ID); n != 1 {
		t.Errorf("expected 1 deduction total, got %d", n)
	}
}

func TestEnableUnknownConnection(t *testing.T) {
	db := setupTestDB(t)
	ledger := newTestLedger(t, db)
	account := createAccount(t, db, 100000)

	_, _, err := ledger.Enable(account.ID, models.FeatureScalping, 999)
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnableUnknownFeature(t *testing.T) {
	db := setupTestDB(t)
	ledger := newTestLedger(t, db)
	account := createAccount(t, db, 100000)
	conn := createConnection(t, db, account.ID, "kite-main")

	_, _, err := ledger.Enable(account.ID, "arbitrage", conn.ID)
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestDeletedConnectionReadsInactive(t *testing.T) {
	db := setupTestDB(t)
	ledger := newTestLedger(t, db)
	account := createAccount(t, db, 100000)
	conn := createConnection(t, db, account.ID, "kite-main")

	if _, _, err := ledger.Enable(account.ID, models.FeatureTradingView, conn.ID); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}

	if err := db.Unscoped().Delete(&models.BrokerConnection{}, conn.ID).Error; err != nil {
		t.Fatalf("deleting connection: %v", err)
	}

	states, err := ledger.State(account.ID, models.FeatureTradingView)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if states[0].Active {
		t.Error("orphaned subscription must read inactive")
	}
	if !states[0].Orphaned {
		t.Error("orphaned subscription must be flagged")
	}
}

func TestStateMixedLiveAndDeletedConnections(t *testing.T) {
	db := setupTestDB(t)
	ledger := newTestLedger(t, db)
	account := createAccount(t, db, 100000)
	connA := createConnection(t, db, account.ID, "kite-a")
	connB := createConnection(t, db, account.ID, "kite-b")
	connC := createConnection(t, db, account.ID, "kite-c")

	if _, _, err := ledger.EnableBatch(account.ID, []uint{connA.ID, connB.ID, connC.ID}); err != nil {
		t.Fatalf("EnableBatch failed: %v", err)
	}

	if err := db.Unscoped().Delete(&models.BrokerConnection{}, connB.ID).Error; err != nil {
		t.Fatalf("deleting connection: %v", err)
	}

	states, err := ledger.State(account.ID, models.FeatureCopyTrading)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("expected 3 states, got %d", len(states))
	}
	for _, state := range states {
		if state.ConnectionID == connB.ID {
			if state.Active || !state.Orphaned {
				t.Errorf("deleted connection must read inactive and orphaned: %+v", state)
			}
		} else {
			if !state.Active || state.Orphaned {
				t.Errorf("live connection must read active: %+v", state)
			}
		}
	}
}

func TestAdminAdjustBalance(t *testing.T) {
	db := setupTestDB(t)
	ledger := newTestLedger(t, db)
	account := createAccount(t, db, 500)

	txn, err := ledger.AdjustBalance(account.ID, 1000, "add", "goodwill credit")
	if err != nil {
		t.Fatalf("AdjustBalance add failed: %v", err)
	}
	if txn.Type != models.TransactionAdminAdjustment || txn.Amount != 1000 {
		t.Errorf("unexpected transaction %+v", txn)
	}

	var reloaded models.Account
	db.First(&reloaded, account.ID)
	if reloaded.Balance != 1500 {
		t.Errorf("expected balance 1500, got %d", reloaded.Balance)
	}

	// Deduction beyond the balance must fail and mutate nothing.
	if _, err := ledger.AdjustBalance(account.ID, 2000, "deduct", "clawback"); !errors.Is(err, models.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	db.First(&reloaded, account.ID)
	if reloaded.Balance != 1500 {
		t.Errorf("failed deduction changed balance: %d", reloaded.Balance)
	}

	if _, err := ledger.AdjustBalance(account.ID, 700, "deduct", "clawback"); err != nil {
		t.Fatalf("AdjustBalance deduct failed: %v", err)
	}
	db.First(&reloaded, account.ID)
	if reloaded.Balance != 800 {
		t.Errorf("expected balance 800, got %d", reloaded.Balance)
	}

	assertReconciles(t, ledger, account.ID)
}

func TestAdjustBalanceValidation(t *testing.T) {
	db := setupTestDB(t)
	ledger := newTestLedger(t, db)
	account := createAccount(t, db, 500)

	if _, err := ledger.AdjustBalance(account.ID, 0, "add", ""); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("zero amount: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := ledger.AdjustBalance(account.ID, 100, "transfer", ""); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("bad direction: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := ledger.AdjustBalance(9999, 100, "add", ""); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("unknown account: expected ErrNotFound, got %v", err)
	}
}

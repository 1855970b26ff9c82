package entitlement

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/algozhq/algoz-server/cmd/config"
	"github.com/algozhq/algoz-server/cmd/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Ledger gates feature usage behind paid entitlement windows and owns every
// mutation of an account's Z Coins balance. All read-modify-write sequences
// on the balance run as conditional single-statement updates inside a DB
// transaction, so two racing callers can never both charge for the same
// window and the balance can never go negative.
type Ledger struct {
	db  *gorm.DB
	cfg *config.Config

	// now is swappable for boundary tests.
	now func() time.Time
}

func NewLedger(db *gorm.DB, cfg *config.Config) *Ledger {
	return &Ledger{db: db, cfg: cfg, now: time.Now}
}

// SubscriptionState is a lazily evaluated view over one subscription.
type SubscriptionState struct {
	models.Subscription
	Active   bool `json:"active"`
	Orphaned bool `json:"orphaned"`
}

// windowEnd computes the expiry for a window opened at now: WindowDays
// calendar days out, normalized to the end of that day in the reference
// timezone.
func (l *Ledger) windowEnd(now time.Time) time.Time {
	loc := l.cfg.Location()
	end := now.In(loc).AddDate(0, 0, l.cfg.Entitlement.WindowDays)
	return time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 999000000, loc)
}

// Enable activates a feature for one broker connection. Returns the
// subscription and whether a charge was made. Re-enabling a pair whose paid
// window has not lapsed is free.
func (l *Ledger) Enable(userID uint, feature string, connectionID uint) (*models.Subscription, bool, error) {
	if !models.ValidFeature(feature) {
		return nil, false, models.ErrInvalidTransition
	}

	if err := l.ownedConnection(userID, connectionID); err != nil {
		return nil, false, err
	}

	now := l.now()
	cost := l.cfg.FeatureCost(feature)

	var sub models.Subscription
	var charged bool

	err := l.db.Transaction(func(tx *gorm.DB) error {
		found := true
		err := tx.Where("user_id = ? AND feature = ? AND connection_id = ?", userID, feature, connectionID).
			First(&sub).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			found = false
		} else if err != nil {
			return err
		}

		// Still inside a paid window: flip the display flag back on,
		// charge nothing.
		if found && sub.Covered(now) {
			if !sub.Enabled {
				if err := tx.Model(&models.Subscription{}).Where("id = ?", sub.ID).
					Update("enabled", true).Error; err != nil {
					return err
				}
				sub.Enabled = true
			}
			return nil
		}

		if err := debit(tx, userID, cost); err != nil {
			return err
		}

		txn := models.CreditTransaction{
			UserID:      userID,
			Amount:      cost,
			Type:        models.TransactionDeduction,
			Description: fmt.Sprintf("%s - Monthly Subscription", featureLabel(feature)),
			Reference:   uuid.NewString(),
		}
		if err := tx.Create(&txn).Error; err != nil {
			return err
		}

		expiry := l.windowEnd(now)
		if found {
			// Compare-and-swap on the old expiry so a racing renewal of
			// the same pair rolls the whole transaction back.
			res := tx.Model(&models.Subscription{}).
				Where("id = ? AND expiry_date = ?", sub.ID, sub.ExpiryDate).
				Updates(map[string]interface{}{
					"start_date":  now,
					"expiry_date": expiry,
					"enabled":     true,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return models.ErrConflict
			}
			sub.StartDate = now
			sub.ExpiryDate = expiry
			sub.Enabled = true
		} else {
			sub = models.Subscription{
				UserID:       userID,
				Feature:      feature,
				ConnectionID: connectionID,
				StartDate:    now,
				ExpiryDate:   expiry,
				Enabled:      true,
			}
			if err := tx.Create(&sub).Error; err != nil {
				if isDuplicateKey(err) {
					return models.ErrConflict
				}
				return err
			}
		}

		charged = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &sub, charged, nil
}

// EnableBatch activates copy trading for a set of broker connections,
// charging only for connections not already covered by an unexpired window.
// When any charge is made, every listed connection ends up on the same new
// expiry; when all are covered, the display flags come back on unchanged.
func (l *Ledger) EnableBatch(userID uint, connectionIDs []uint) ([]models.Subscription, int64, error) {
	ids := dedupe(connectionIDs)
	if len(ids) == 0 {
		return nil, 0, models.ErrInvalidTransition
	}

	for _, id := range ids {
		if err := l.ownedConnection(userID, id); err != nil {
			return nil, 0, err
		}
	}

	now := l.now()
	perCost := l.cfg.Pricing.CopyTradingPerAccount

	var out []models.Subscription
	var chargedAmount int64

	err := l.db.Transaction(func(tx *gorm.DB) error {
		var existing []models.Subscription
		if err := tx.Where("user_id = ? AND feature = ? AND connection_id IN ?",
			userID, models.FeatureCopyTrading, ids).Find(&existing).Error; err != nil {
			return err
		}

		byConn := make(map[uint]*models.Subscription, len(existing))
		for i := range existing {
			byConn[existing[i].ConnectionID] = &existing[i]
		}

		var newConns []uint
		for _, id := range ids {
			if sub, ok := byConn[id]; !ok || !sub.Covered(now) {
				newConns = append(newConns, id)
			}
		}

		// Every selected connection already paid for: just re-enable.
		if len(newConns) == 0 {
			for _, id := range ids {
				sub := byConn[id]
				if err := tx.Model(&models.Subscription{}).Where("id = ?", sub.ID).
					Update("enabled", true).Error; err != nil {
					return err
				}
				sub.Enabled = true
				out = append(out, *sub)
			}
			return nil
		}

		chargedAmount = int64(len(newConns)) * perCost
		if err := debit(tx, userID, chargedAmount); err != nil {
			return err
		}

		txn := models.CreditTransaction{
			UserID:      userID,
			Amount:      chargedAmount,
			Type:        models.TransactionDeduction,
			Description: fmt.Sprintf("Copy Trading - Monthly Subscription (%d accounts)", len(newConns)),
			Reference:   uuid.NewString(),
		}
		if err := tx.Create(&txn).Error; err != nil {
			return err
		}

		expiry := l.windowEnd(now)
		for _, id := range ids {
			if sub, ok := byConn[id]; ok {
				res := tx.Model(&models.Subscription{}).
					Where("id = ? AND expiry_date = ?", sub.ID, sub.ExpiryDate).
					Updates(map[string]interface{}{
						"expiry_date": expiry,
						"enabled":     true,
					})
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 0 {
					return models.ErrConflict
				}
				sub.ExpiryDate = expiry
				sub.Enabled = true
				out = append(out, *sub)
			} else {
				created := models.Subscription{
					UserID:       userID,
					Feature:      models.FeatureCopyTrading,
					ConnectionID: id,
					StartDate:    now,
					ExpiryDate:   expiry,
					Enabled:      true,
				}
				if err := tx.Create(&created).Error; err != nil {
					if isDuplicateKey(err) {
						return models.ErrConflict
					}
					return err
				}
				out = append(out, created)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out, chargedAmount, nil
}

// Disable turns a subscription off for display. The paid window and its
// expiry survive, so re-enabling before expiry is free.
func (l *Ledger) Disable(userID uint, feature string, connectionID uint) error {
	if !models.ValidFeature(feature) {
		return models.ErrInvalidTransition
	}
	res := l.db.Model(&models.Subscription{}).
		Where("user_id = ? AND feature = ? AND connection_id = ?", userID, feature, connectionID).
		Update("enabled", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DisableBatch turns every copy-trading subscription for the account off
// without refunding any remaining window.
func (l *Ledger) DisableBatch(userID uint) error {
	return l.db.Model(&models.Subscription{}).
		Where("user_id = ? AND feature = ?", userID, models.FeatureCopyTrading).
		Update("enabled", false).Error
}

// State returns the lazily evaluated subscription states for one feature.
// Expiry is observed here, never by a background job, and subscriptions
// whose connection has been deleted report inactive.
func (l *Ledger) State(userID uint, feature string) ([]SubscriptionState, error) {
	if !models.ValidFeature(feature) {
		return nil, models.ErrInvalidTransition
	}

	var subs []models.Subscription
	if err := l.db.Where("user_id = ? AND feature = ?", userID, feature).
		Order("connection_id").Find(&subs).Error; err != nil {
		return nil, err
	}

	// One lookup covers every connection on the page.
	connectionIDs := make([]uint, 0, len(subs))
	for _, sub := range subs {
		connectionIDs = append(connectionIDs, sub.ConnectionID)
	}
	existing := make(map[uint]bool, len(connectionIDs))
	if len(connectionIDs) > 0 {
		var ids []uint
		if err := l.db.Model(&models.BrokerConnection{}).
			Where("id IN ?", connectionIDs).Pluck("id", &ids).Error; err != nil {
			return nil, err
		}
		for _, id := range ids {
			existing[id] = true
		}
	}

	now := l.now()
	states := make([]SubscriptionState, 0, len(subs))
	for _, sub := range subs {
		orphaned := !existing[sub.ConnectionID]
		states = append(states, SubscriptionState{
			Subscription: sub,
			Active:       !orphaned && sub.ActiveAt(now),
			Orphaned:     orphaned,
		})
	}
	return states, nil
}

// AdjustBalance applies an administrator balance adjustment. Deductions are
// conditional and fail with ErrInsufficientBalance rather than taking the
// balance negative.
func (l *Ledger) AdjustBalance(userID uint, amount int64, direction, description string) (*models.CreditTransaction, error) {
	if amount <= 0 || (direction != "add" && direction != "deduct") {
		return nil, models.ErrInvalidTransition
	}
	if description == "" {
		description = fmt.Sprintf("Admin %sed Z Coins", direction)
	}

	signed := amount
	if direction == "deduct" {
		signed = -amount
	}

	txn := models.CreditTransaction{
		UserID:      userID,
		Amount:      signed,
		Type:        models.TransactionAdminAdjustment,
		Description: description,
		Reference:   uuid.NewString(),
	}

	err := l.db.Transaction(func(tx *gorm.DB) error {
		if direction == "add" {
			if err := credit(tx, userID, amount); err != nil {
				return err
			}
		} else {
			if err := debit(tx, userID, amount); err != nil {
				return err
			}
		}
		return tx.Create(&txn).Error
	})
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// Purchase credits a wallet top-up and records the matching purchase entry.
func (l *Ledger) Purchase(userID uint, amount int64, description string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, models.ErrInvalidTransition
	}
	if description == "" {
		description = "Z Coins purchase"
	}

	txn := models.CreditTransaction{
		UserID:      userID,
		Amount:      amount,
		Type:        models.TransactionPurchase,
		Description: description,
		Reference:   uuid.NewString(),
	}

	err := l.db.Transaction(func(tx *gorm.DB) error {
		if err := credit(tx, userID, amount); err != nil {
			return err
		}
		return tx.Create(&txn).Error
	})
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// Reconcile returns the signed ledger sum and the stored balance for an
// account. The two must always match.
func (l *Ledger) Reconcile(userID uint) (int64, int64, error) {
	var account models.Account
	if err := l.db.First(&account, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, 0, models.ErrNotFound
		}
		return 0, 0, err
	}

	var txns []models.CreditTransaction
	if err := l.db.Where("user_id = ?", userID).Find(&txns).Error; err != nil {
		return 0, 0, err
	}

	var sum int64
	for i := range txns {
		sum += txns[i].Signed()
	}
	return sum, account.Balance, nil
}

func (l *Ledger) ownedConnection(userID, connectionID uint) error {
	var conn models.BrokerConnection
	err := l.db.Where("id = ? AND user_id = ?", connectionID, userID).First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ErrNotFound
	}
	return err
}

// debit subtracts amount from the balance only when the balance covers it.
// The condition lives in the UPDATE itself, so concurrent debits serialize
// on the row and the loser of a race sees no rows affected.
func debit(tx *gorm.DB, userID uint, amount int64) error {
	res := tx.Model(&models.Account{}).
		Where("id = ? AND balance >= ?", userID, amount).
		UpdateColumn("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := tx.Model(&models.Account{}).Where("id = ?", userID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return models.ErrNotFound
		}
		return models.ErrInsufficientBalance
	}
	return nil
}

func credit(tx *gorm.DB, userID uint, amount int64) error {
	res := tx.Model(&models.Account{}).
		Where("id = ?", userID).
		UpdateColumn("balance", gorm.Expr("balance + ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

func featureLabel(feature string) string {
	switch feature {
	case models.FeatureTradingView:
		return "TradingView Integration"
	case models.FeatureScalping:
		return "Scalping Tool"
	case models.FeatureCopyTrading:
		return "Copy Trading"
	}
	return feature
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "duplicate key")
}

func dedupe(ids []uint) []uint {
	seen := make(map[uint]bool, len(ids))
	var out []uint
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

package models

import (
	"time"

	"gorm.io/gorm"
)

// Gated features.
const (
	FeatureTradingView = "tradingview"
	FeatureScalping    = "scalping"
	FeatureCopyTrading = "copytrading"
)

// ValidFeature reports whether name is one of the gated features.
func ValidFeature(name string) bool {
	switch name {
	case FeatureTradingView, FeatureScalping, FeatureCopyTrading:
		return true
	}
	return false
}

// Subscription is a paid entitlement window for one (feature, connection)
// pair. Enabled is a display flag only: disabling keeps the paid window, and
// the subscription lapses naturally once ExpiryDate passes.
type Subscription struct {
	gorm.Model
	UserID       uint      `gorm:"column:user_id;index;not null;uniqueIndex:idx_sub_pair" json:"user_id"`
	Feature      string    `gorm:"column:feature;size:30;not null;uniqueIndex:idx_sub_pair" json:"feature"`
	ConnectionID uint      `gorm:"column:connection_id;not null;uniqueIndex:idx_sub_pair" json:"connection_id"`
	StartDate    time.Time `gorm:"column:start_date;index" json:"start_date"`
	ExpiryDate   time.Time `gorm:"column:expiry_date;index" json:"expiry_date"`
	Enabled      bool      `gorm:"column:enabled;default:true" json:"enabled"`

	User Account `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// Covered reports whether the paid window still covers the given instant.
func (s *Subscription) Covered(now time.Time) bool {
	return now.Before(s.ExpiryDate)
}

// ActiveAt reports the lazily evaluated state: enabled for display and the
// paid window not yet lapsed.
func (s *Subscription) ActiveAt(now time.Time) bool {
	return s.Enabled && s.Covered(now)
}

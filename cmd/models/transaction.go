package models

import (
	"gorm.io/gorm"
)

// Credit transaction types.
const (
	TransactionPurchase        = "purchase"
	TransactionDeduction       = "deduction"
	TransactionAdminAdjustment = "admin_adjustment"
)

// CreditTransaction is an append-only Z Coins ledger entry. Amount is a
// positive magnitude for purchase and deduction rows; admin_adjustment rows
// store a signed amount (positive add, negative deduct). The signed sum of
// all rows for an account equals that account's balance.
type CreditTransaction struct {
	gorm.Model
	UserID      uint   `gorm:"column:user_id;index;not null" json:"user_id"`
	Amount      int64  `gorm:"column:amount;not null" json:"amount"`
	Type        string `gorm:"column:type;size:30;not null" json:"type"`
	Description string `gorm:"column:description;type:text" json:"description"`
	Reference   string `gorm:"column:reference;size:64;uniqueIndex;not null" json:"reference"`

	User Account `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// Signed returns the transaction's contribution to the account balance.
func (t *CreditTransaction) Signed() int64 {
	switch t.Type {
	case TransactionDeduction:
		return -t.Amount
	default:
		return t.Amount
	}
}

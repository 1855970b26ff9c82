package models

import (
	"time"

	"gorm.io/gorm"
)

type Account struct {
	gorm.Model
	Username     string `gorm:"column:username;size:255;uniqueIndex;not null" json:"username"`
	Email        string `gorm:"column:email;size:255;uniqueIndex;not null" json:"email"`
	Phone        string `gorm:"column:phone;size:20" json:"phone,omitempty"`
	PasswordHash string `gorm:"column:password_hash;size:255;not null" json:"-"`
	ClientCode   int64  `gorm:"column:client_code;uniqueIndex;not null" json:"client_code"`
	IsAdmin      bool   `gorm:"column:is_admin;default:false" json:"is_admin"`

	// Balance is the current Z Coins balance. It is only ever mutated
	// through conditional updates so it can never go negative.
	Balance int64 `gorm:"column:balance;not null;default:0" json:"balance"`

	Refresh               string    `gorm:"column:refresh_token;size:255" json:"-"`
	RefreshTokenExpiredAt time.Time `gorm:"column:refresh_token_expired_at" json:"-"`
}

package models

import (
	"gorm.io/gorm"
)

// WebhookEndpoint is the per-account inbound endpoint. The token is issued
// once at sign-up and never changes afterwards.
type WebhookEndpoint struct {
	gorm.Model
	UserID uint   `gorm:"column:user_id;uniqueIndex;not null" json:"user_id"`
	Token  string `gorm:"column:token;size:64;uniqueIndex;not null" json:"token"`

	User Account `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

package models

import (
	"gorm.io/gorm"
)

// BrokerConnection is a named API credential set binding an account to a
// broker. Subscriptions reference connections by id; deleting a connection
// leaves those subscriptions orphaned and they read as inactive.
type BrokerConnection struct {
	gorm.Model
	UserID    uint   `gorm:"column:user_id;index;not null" json:"user_id"`
	AppName   string `gorm:"column:app_name;size:255;not null" json:"app_name"`
	Broker    string `gorm:"column:broker;size:100;not null" json:"broker"`
	APIKey    string `gorm:"column:api_key;size:255" json:"api_key,omitempty"`
	SecretKey string `gorm:"column:secret_key;size:255" json:"-"`
	IsActive  bool   `gorm:"column:is_active;default:true" json:"is_active"`

	User Account `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"user,omitempty"`
}

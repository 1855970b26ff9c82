package models

import (
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// Signal delivery statuses.
const (
	SignalStatusPending = "pending"
	SignalStatusSuccess = "success"
	SignalStatusFailed  = "failed"
)

// Failure reason codes recorded on ingestion.
const (
	FailReasonMalformedPayload = "malformed_payload"
	FailReasonExecution        = "execution_failed"
)

// SignalRecord is an append-only log entry for one inbound webhook delivery.
// The raw payload is stored verbatim even when it does not parse; the parsed
// columns are populated on a best-effort basis. Once a record leaves
// pending its status never changes again.
type SignalRecord struct {
	gorm.Model
	UserID     uint   `gorm:"column:user_id;index;not null" json:"user_id"`
	RawPayload string `gorm:"column:raw_payload;type:text;not null" json:"raw_payload"`
	Status     string `gorm:"column:status;size:20;not null;default:pending" json:"status"`
	FailReason string `gorm:"column:fail_reason;size:50" json:"fail_reason,omitempty"`

	Symbol   string  `gorm:"column:symbol;size:50" json:"symbol,omitempty"`
	Action   string  `gorm:"column:action;size:20" json:"action,omitempty"`
	Price    float64 `gorm:"column:price" json:"price,omitempty"`
	Quantity float64 `gorm:"column:quantity" json:"quantity,omitempty"`

	TakeProfits pq.Float64Array `gorm:"type:float[];column:take_profits" json:"take_profits,omitempty"`

	User Account `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

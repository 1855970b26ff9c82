package models

import "errors"

// Domain errors shared by the webhook registry, signal log and entitlement
// ledger. Handlers map these to HTTP statuses at the edge.
var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrConflict            = errors.New("concurrent update conflict")
)

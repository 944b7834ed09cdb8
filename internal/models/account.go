package models

import "time"

// KYCStatus is the verification state of an account holder
type KYCStatus string

const (
	KYCPending  KYCStatus = "PENDING"
	KYCVerified KYCStatus = "VERIFIED"
)

// Account holds a balance in minor currency units
type Account struct {
	ID        string    `json:"id" db:"id"`
	Balance   int64     `json:"balance" db:"balance"` // in cents
	KYCStatus KYCStatus `json:"kyc_status" db:"kyc_status"`
	Version   int64     `json:"version" db:"version"` // bumped on every balance write
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsVerified reports whether the holder passed KYC
func (a *Account) IsVerified() bool {
	return a != nil && a.KYCStatus == KYCVerified
}

// Package domain contains the bill run entity and its lifecycle vocabulary.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// Status is the bill run's top-level lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusReviewing  Status = "reviewing"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
	StatusSending    Status = "sending"
	StatusSent       Status = "sent"
	StatusCancelled  Status = "cancelled"
)

// Active reports whether the status counts against the one-active-run-per-
// (region, year, batch type) constraint. Cancelled and errored runs do not.
func (s Status) Active() bool {
	return s != StatusCancelled && s != StatusError
}

// Terminal reports whether the run can no longer change state.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusCancelled
}

// BatchType distinguishes what a run bills for.
type BatchType string

const (
	BatchTypeAnnual        BatchType = "annual"
	BatchTypeSupplementary BatchType = "supplementary"
	BatchTypeTwoPartTariff BatchType = "two_part_tariff"
)

// Valid reports whether the batch type is one the engine knows.
func (b BatchType) Valid() bool {
	switch b {
	case BatchTypeAnnual, BatchTypeSupplementary, BatchTypeTwoPartTariff:
		return true
	}
	return false
}

// BillRun is one execution of the engine for a region, financial year range,
// scheme and batch type. Counts and totals are populated once the charging
// module has produced transactions.
type BillRun struct {
	ID                      snowflake.ID `gorm:"primaryKey"`
	RegionID                uuid.UUID    `gorm:"type:uuid;not null;index"`
	Scheme                  string       `gorm:"type:text;not null"`
	BatchType               BatchType    `gorm:"type:text;not null"`
	FromFinancialYearEnding int          `gorm:"not null"`
	ToFinancialYearEnding   int          `gorm:"not null"`
	Status                  Status       `gorm:"type:text;not null;default:'queued'"`
	Source                  string       `gorm:"type:text;not null;default:'tariff-engine'"`
	ErrorMessage            string       `gorm:"type:text"`

	InvoiceCount int   `gorm:"not null;default:0"`
	CreditCount  int   `gorm:"not null;default:0"`
	NetTotal     int64 `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillRun) TableName() string { return "bill_runs" }

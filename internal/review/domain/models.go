// Package domain contains the review-time shadow copies of the charging
// entities. Rows are created fresh for every bill-run attempt against a
// licence, owned exclusively by that run, deleted on cancel or licence
// removal, and immutable once the run is sent.
package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Status is the per-entity review state.
type Status string

const (
	// StatusReady means computed with no blocking issue.
	StatusReady Status = "ready"
	// StatusReview means at least one issue needs a human decision.
	StatusReview Status = "review"
	// StatusError means processing the licence itself failed.
	StatusError Status = "error"
)

// ReviewLicence is the root review row for one (bill run, licence) pair.
type ReviewLicence struct {
	ID            snowflake.ID   `gorm:"primaryKey"`
	BillRunID     snowflake.ID   `gorm:"not null;uniqueIndex:idx_review_licences_run_licence"`
	LicenceID     uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_review_licences_run_licence"`
	LicenceRef    string         `gorm:"type:text;not null"`
	LicenceHolder string         `gorm:"type:text;not null"`
	Status        Status         `gorm:"type:text;not null;default:'ready'"`
	Progress      bool           `gorm:"not null;default:false"`
	Issues        datatypes.JSON ``
	Message       string         `gorm:"type:text"`
	CreatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`

	ChargeVersions []ReviewChargeVersion `gorm:"foreignKey:ReviewLicenceID"`
	Returns        []ReviewReturn        `gorm:"foreignKey:ReviewLicenceID"`
}

// TableName sets the database table name.
func (ReviewLicence) TableName() string { return "review_licences" }

// ReviewChargeVersion shadows one charge version under review, carrying the
// charge period computed for the run's financial year.
type ReviewChargeVersion struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	ReviewLicenceID   snowflake.ID `gorm:"not null;index"`
	ChargeVersionID   uuid.UUID    `gorm:"type:uuid;not null"`
	ChargePeriodStart time.Time    `gorm:"not null"`
	ChargePeriodEnd   time.Time    `gorm:"not null"`
	Status            Status       `gorm:"type:text;not null;default:'ready'"`

	References []ReviewChargeReference `gorm:"foreignKey:ReviewChargeVersionID"`
}

// TableName sets the database table name.
func (ReviewChargeVersion) TableName() string { return "review_charge_versions" }

// ReviewChargeReference carries both the values computed by the engine and
// the amended values a reviewer may override. Amended columns start equal to
// the originals.
type ReviewChargeReference struct {
	ID                      snowflake.ID    `gorm:"primaryKey"`
	ReviewChargeVersionID   snowflake.ID    `gorm:"not null;index"`
	ChargeReferenceID       uuid.UUID       `gorm:"type:uuid;not null"`
	ChargeCategory          string          `gorm:"type:text;not null"`
	Aggregate               decimal.Decimal `gorm:"type:numeric;not null;default:1"`
	AmendedAggregate        decimal.Decimal `gorm:"type:numeric;not null;default:1"`
	AuthorisedVolume        decimal.Decimal `gorm:"type:numeric;not null"`
	AmendedAuthorisedVolume decimal.Decimal `gorm:"type:numeric;not null"`
	Status                  Status          `gorm:"type:text;not null;default:'ready'"`
	Issues                  datatypes.JSON  ``

	Elements []ReviewChargeElement `gorm:"foreignKey:ReviewChargeReferenceID"`
}

// TableName sets the database table name.
func (ReviewChargeReference) TableName() string { return "review_charge_references" }

// ReviewChargeElement shadows a charge element with its computed allocation.
type ReviewChargeElement struct {
	ID                      snowflake.ID    `gorm:"primaryKey"`
	ReviewChargeReferenceID snowflake.ID    `gorm:"not null;index"`
	ChargeElementID         uuid.UUID       `gorm:"type:uuid;not null"`
	PurposeID               string          `gorm:"type:text;not null"`
	AuthorisedQuantity      decimal.Decimal `gorm:"type:numeric;not null"`
	Allocated               decimal.Decimal `gorm:"type:numeric;not null"`
	AmendedAllocated        decimal.Decimal `gorm:"type:numeric;not null"`
	Status                  Status          `gorm:"type:text;not null;default:'ready'"`
	Issues                  datatypes.JSON  ``
}

// TableName sets the database table name.
func (ReviewChargeElement) TableName() string { return "review_charge_elements" }

// ReviewReturn is one (review licence, return log) pair. A nil
// ReviewChargeElementID means the matcher found no element for the return.
type ReviewReturn struct {
	ID                       snowflake.ID    `gorm:"primaryKey"`
	ReviewLicenceID          snowflake.ID    `gorm:"not null;index"`
	ReviewChargeElementID    *snowflake.ID   `gorm:"index"`
	ReturnLogID              string          `gorm:"type:text;not null"`
	StartDate                time.Time       `gorm:"not null"`
	EndDate                  time.Time       `gorm:"not null"`
	ReturnStatus             string          `gorm:"type:text;not null"`
	Quantity                 decimal.Decimal `gorm:"type:numeric;not null"`
	Allocated                decimal.Decimal `gorm:"type:numeric;not null"`
	Unallocated              decimal.Decimal `gorm:"type:numeric;not null"`
	UnderQuery               bool            `gorm:"not null;default:false"`
	AbstractionOutsidePeriod bool            `gorm:"not null;default:false"`
	Issues                   datatypes.JSON  ``
}

// TableName sets the database table name.
func (ReviewReturn) TableName() string { return "review_returns" }

// Matched reports whether the return was paired with a charge element.
func (r ReviewReturn) Matched() bool { return r.ReviewChargeElementID != nil }

// MarshalIssues encodes an ordered issue list for storage. Empty lists are
// stored as NULL so "no issues" and "empty list" read the same.
func MarshalIssues(labels []string) datatypes.JSON {
	if len(labels) == 0 {
		return nil
	}
	raw, _ := json.Marshal(labels)
	return datatypes.JSON(raw)
}

// UnmarshalIssues decodes a stored issue list; invalid or empty JSON yields nil.
func UnmarshalIssues(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var labels []string
	if err := json.Unmarshal(raw, &labels); err != nil {
		return nil
	}
	return labels
}

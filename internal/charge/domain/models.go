// Package domain contains the charging entities and return submissions the
// engine reconciles. The rows are loaded from the register already nested
// (charge version -> reference -> element, return log -> lines) so the engine
// never has to re-assemble flattened join output.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/wrls/tariff-engine/internal/units"
)

// ChargeVersion is a time-bounded charging arrangement for a licence.
type ChargeVersion struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	LicenceID uuid.UUID  `gorm:"type:uuid;not null;index"`
	Scheme    string     `gorm:"type:text;not null"`
	StartDate time.Time  `gorm:"not null"`
	EndDate   *time.Time ``
	Status    string     `gorm:"type:text;not null;default:'current'"`

	ChargeReferences []ChargeReference `gorm:"foreignKey:ChargeVersionID"`
}

// TableName sets the database table name.
func (ChargeVersion) TableName() string { return "charge_versions" }

// ChargePeriod clamps the charge version's validity to the given financial
// year. The second return value is false when the version does not apply to
// the year at all, in which case the licence is skipped for that year.
func (v ChargeVersion) ChargePeriod(financialYearEnding int) (units.DateRange, bool) {
	year := units.FinancialYearRange(financialYearEnding)
	validity := units.DateRange{Start: v.StartDate, End: year.End}
	if v.EndDate != nil && v.EndDate.Before(year.End) {
		validity.End = *v.EndDate
	}
	if !validity.Valid() {
		return units.DateRange{}, false
	}
	return validity.Intersect(year)
}

// ChargeReference is an authorised charge category and volume within a
// charge version.
type ChargeReference struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey"`
	ChargeVersionID  uuid.UUID       `gorm:"type:uuid;not null;index"`
	ChargeCategory   string          `gorm:"type:text;not null"`
	AuthorisedVolume decimal.Decimal `gorm:"type:numeric;not null"`
	Aggregate        decimal.Decimal `gorm:"type:numeric;not null;default:1"`
	ChargeAdjustment decimal.Decimal `gorm:"type:numeric;not null;default:1"`

	ChargeElements []ChargeElement `gorm:"foreignKey:ChargeReferenceID"`
}

// TableName sets the database table name.
func (ChargeReference) TableName() string { return "charge_references" }

// ChargeElement is the smallest authorised slice of abstraction: one purpose
// and one abstraction period with an annual quantity. AllocatedReturnVolume
// and MatchedReturns are working state owned by the allocation engine for the
// run in progress; they are persisted onto review rows, never written back to
// the register.
type ChargeElement struct {
	ID                         uuid.UUID       `gorm:"type:uuid;primaryKey"`
	ChargeReferenceID          uuid.UUID       `gorm:"type:uuid;not null;index"`
	PurposeID                  string          `gorm:"type:text;not null"`
	AbstractionPeriodStartDay  int             `gorm:"not null"`
	AbstractionPeriodStartMon  int             `gorm:"column:abstraction_period_start_month;not null"`
	AbstractionPeriodEndDay    int             `gorm:"not null"`
	AbstractionPeriodEndMon    int             `gorm:"column:abstraction_period_end_month;not null"`
	AuthorisedAnnualQuantity   decimal.Decimal `gorm:"type:numeric;not null"`
	AllocatedReturnVolume      decimal.Decimal `gorm:"-"`
	MatchedReturns             int             `gorm:"-"`
}

// TableName sets the database table name.
func (ChargeElement) TableName() string { return "charge_elements" }

// AbstractionPeriod returns the element's recurring day/month window.
func (e ChargeElement) AbstractionPeriod() units.AbstractionPeriod {
	return units.AbstractionPeriod{
		StartDay:   e.AbstractionPeriodStartDay,
		StartMonth: e.AbstractionPeriodStartMon,
		EndDay:     e.AbstractionPeriodEndDay,
		EndMonth:   e.AbstractionPeriodEndMon,
	}
}

// Exhausted reports whether the element can receive no further allocation.
// An element with no authorised quantity is treated as already exhausted.
func (e ChargeElement) Exhausted() bool {
	return e.AuthorisedAnnualQuantity.LessThanOrEqual(decimal.Zero) ||
		e.AllocatedReturnVolume.GreaterThanOrEqual(e.AuthorisedAnnualQuantity)
}

// Return log statuses as used by the returns service.
const (
	ReturnStatusDue       = "due"
	ReturnStatusReceived  = "received"
	ReturnStatusCompleted = "completed"
	ReturnStatusVoid      = "void"
)

// ReturnLog is a licence holder's declared abstraction for a period. The
// NALD day/month metadata mirrors the charge element fields and is what the
// matcher compares. Allocation working state (Allocated, Unallocated,
// OutsidePeriod) lives here for the duration of a run.
type ReturnLog struct {
	ID         string    `gorm:"type:text;primaryKey"`
	LicenceRef string    `gorm:"type:text;not null;index"`
	StartDate  time.Time `gorm:"not null"`
	EndDate    time.Time `gorm:"not null"`
	Status     string    `gorm:"type:text;not null"`
	UnderQuery bool      `gorm:"not null;default:false"`

	PurposeCode               string `gorm:"type:text;not null"`
	AbstractionPeriodStartDay int    `gorm:"not null"`
	AbstractionPeriodStartMon int    `gorm:"column:abstraction_period_start_month;not null"`
	AbstractionPeriodEndDay   int    `gorm:"not null"`
	AbstractionPeriodEndMon   int    `gorm:"column:abstraction_period_end_month;not null"`

	Lines []ReturnLine `gorm:"foreignKey:ReturnLogID"`

	Allocated     decimal.Decimal `gorm:"-"`
	Unallocated   decimal.Decimal `gorm:"-"`
	OutsidePeriod bool            `gorm:"-"`
}

// TableName sets the database table name.
func (ReturnLog) TableName() string { return "return_logs" }

// AbstractionPeriod returns the return's declared day/month window.
func (r ReturnLog) AbstractionPeriod() units.AbstractionPeriod {
	return units.AbstractionPeriod{
		StartDay:   r.AbstractionPeriodStartDay,
		StartMonth: r.AbstractionPeriodStartMon,
		EndDay:     r.AbstractionPeriodEndDay,
		EndMonth:   r.AbstractionPeriodEndMon,
	}
}

// Quantity totals the declared lines in cubic metres.
func (r ReturnLog) Quantity() decimal.Decimal {
	total := decimal.Zero
	for _, line := range r.Lines {
		total = total.Add(line.Quantity)
	}
	return total
}

// Validate checks the metadata the matcher depends on. NALD imports can leave
// the period columns empty; such a return cannot be matched and the licence is
// recorded as a processing error rather than silently mis-allocated.
func (r ReturnLog) Validate() error {
	if r.PurposeCode == "" {
		return ErrMissingPurpose
	}
	if !r.AbstractionPeriod().Valid() {
		return ErrMissingAbstractionPeriod
	}
	return nil
}

// ReturnLine is one dated volume entry within a return submission.
type ReturnLine struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey"`
	ReturnLogID string          `gorm:"type:text;not null;index"`
	StartDate   time.Time       `gorm:"not null"`
	EndDate     time.Time       `gorm:"not null"`
	Quantity    decimal.Decimal `gorm:"type:numeric;not null"`
}

// TableName sets the database table name.
func (ReturnLine) TableName() string { return "return_lines" }

// Range returns the line's dates as a DateRange.
func (l ReturnLine) Range() units.DateRange {
	return units.DateRange{Start: l.StartDate, End: l.EndDate}
}

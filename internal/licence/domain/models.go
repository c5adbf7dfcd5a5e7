// Package domain contains the licensing-register entities the engine reads.
// Licences are owned by the register; the engine only consumes them and
// appends supplementary-year markers.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// Licence is an abstraction authorisation as held in the register.
type Licence struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	LicenceRef string     `gorm:"type:text;not null;uniqueIndex"`
	Holder     string     `gorm:"type:text;not null"`
	RegionID   uuid.UUID  `gorm:"type:uuid;not null;index"`
	StartDate  time.Time  `gorm:"not null"`
	ExpiryDate *time.Time ``

	// Scheme inclusion flags maintained by the register.
	IncludeInSrocBilling       bool `gorm:"not null;default:false"`
	IncludeInPresrocBilling    bool `gorm:"not null;default:false"`
	IncludeInTwoPartTariff     bool `gorm:"not null;default:false"`
	IncludeInSupplementaryYear bool `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Licence) TableName() string { return "licences" }

// ValidityRange returns the licence's effective range; a licence with no
// expiry is open ended.
func (l Licence) ValidityRange() (time.Time, *time.Time) {
	return l.StartDate, l.ExpiryDate
}

// LicenceSupplementaryYear marks a licence as needing reprocessing by the
// next bill run for a financial year. Rows are append/consume only: created
// when charge or return data changes, linked to a bill run once that run has
// picked the licence up, and released (bill run unset) if the run is
// cancelled or the licence removed.
type LicenceSupplementaryYear struct {
	ID                  snowflake.ID  `gorm:"primaryKey"`
	LicenceID           uuid.UUID     `gorm:"type:uuid;not null;index:idx_supp_year_licence"`
	FinancialYearEnding int           `gorm:"not null;index:idx_supp_year_licence"`
	TwoPartTariff       bool          `gorm:"not null;default:false"`
	BillRunID           *snowflake.ID `gorm:"index"`
	CreatedAt           time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LicenceSupplementaryYear) TableName() string { return "licence_supplementary_years" }

// Pending reports whether the marker is still waiting for a run to consume it.
func (y LicenceSupplementaryYear) Pending() bool { return y.BillRunID == nil }

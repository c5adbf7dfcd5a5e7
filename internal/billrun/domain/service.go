package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	chargedomain "github.com/wrls/tariff-engine/internal/charge/domain"
	licencedomain "github.com/wrls/tariff-engine/internal/licence/domain"
)

// CreateInput is the operator's request for a new bill run.
type CreateInput struct {
	RegionID            uuid.UUID
	Scheme              string
	BatchType           BatchType
	FinancialYearEnding int
}

// FlaggedLicence is one licence a run should process, optionally carrying the
// supplementary-year marker that flagged it.
type FlaggedLicence struct {
	LicenceID           uuid.UUID
	LicenceRef          string
	Holder              string
	SupplementaryYearID *snowflake.ID
}

// LicenceData is everything the allocation pipeline needs for one licence,
// loaded nested from the register.
type LicenceData struct {
	Licence        licencedomain.Licence
	ChargeVersions []chargedomain.ChargeVersion
	Returns        []*chargedomain.ReturnLog
}

// Fetcher reads register data on behalf of a run. The engine never writes
// through it; register rows stay owned by the licensing service.
type Fetcher interface {
	// FlaggedLicences lists the licences a run for the given region, year and
	// batch type must process, in licence reference order.
	FlaggedLicences(ctx context.Context, regionID uuid.UUID, financialYearEnding int, batchType BatchType) ([]FlaggedLicence, error)

	// LicenceData loads one licence with its current charge versions for the
	// scheme (nested references and elements) and the non-void return logs
	// overlapping the financial year (nested lines).
	LicenceData(ctx context.Context, licenceID uuid.UUID, scheme string, financialYearEnding int) (*LicenceData, error)
}

// Service drives the bill run lifecycle.
type Service interface {
	// Create reserves a new queued run, enforcing at most one active run per
	// (region, year ending, batch type).
	Create(ctx context.Context, input CreateInput) (*BillRun, error)

	Get(ctx context.Context, id snowflake.ID) (*BillRun, error)
	List(ctx context.Context, regionID *uuid.UUID) ([]BillRun, error)

	// Process runs the two-part tariff pipeline over every flagged licence
	// and leaves the run in reviewing or ready.
	Process(ctx context.Context, id snowflake.ID) error

	// Cancel stops an unsent run, removes its review rows and releases its
	// supplementary-year markers.
	Cancel(ctx context.Context, id snowflake.ID) error

	// RemoveLicence drops one licence from an unsent run and releases its
	// marker so a later run picks it up again.
	RemoveLicence(ctx context.Context, id snowflake.ID, licenceID uuid.UUID) error

	// GenerateBills sends the run's amended charge values to the charging
	// module once every licence review is ready.
	GenerateBills(ctx context.Context, id snowflake.ID) error

	// FlagSupplementaryYear appends a reprocessing marker for a licence and
	// financial year unless an identical pending marker already exists.
	FlagSupplementaryYear(ctx context.Context, licenceID uuid.UUID, financialYearEnding int, twoPartTariff bool) error
}

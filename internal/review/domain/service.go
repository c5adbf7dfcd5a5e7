package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReturnRow is a flattened (review return x matched element) row as produced
// by the persistence collaborator's join. A return matched against several
// elements appears once per element.
type ReturnRow struct {
	ReviewReturnID        snowflake.ID
	ReviewChargeElementID *snowflake.ID
	ChargeVersionID       *uuid.UUID
	ChargePeriodStart     *time.Time
	ChargePeriodEnd       *time.Time
	LicenceRef            string
	ReturnLogID           string
	ReturnStatus          string
	Quantity              decimal.Decimal
	Allocated             decimal.Decimal
	Issues                []string
}

// ChargePeriod is one distinct charge version period in play for a licence.
type ChargePeriod struct {
	StartDate time.Time
	EndDate   time.Time
}

// PreparedReview is the deduplicated, partitioned summary the review screens
// are built from.
type PreparedReview struct {
	MatchedReturns   []ReturnRow
	UnmatchedReturns []ReturnRow
	ChargePeriods    []ChargePeriod
	LicenceRef       string
}

// AmendChargeReferenceInput carries a reviewer's override for a charge
// reference. Nil fields are left unchanged.
type AmendChargeReferenceInput struct {
	AmendedAggregate        *decimal.Decimal
	AmendedAuthorisedVolume *decimal.Decimal
}

// AmendChargeElementInput carries a reviewer's override for a charge element.
type AmendChargeElementInput struct {
	AmendedAllocated *decimal.Decimal
}

// LicenceStatus is the per-licence summary a bill run aggregates over.
type LicenceStatus struct {
	ReviewLicenceID snowflake.ID
	LicenceID       uuid.UUID
	LicenceRef      string
	Status          Status
}

// Service owns persistence and amendment of review state. The allocation,
// matching and issue detection that feed it are pure packages; everything
// that touches the database for Review* rows goes through here.
type Service interface {
	// SaveLicenceResult inserts a complete review aggregate for a licence,
	// replacing any previous rows the same run wrote for it.
	SaveLicenceResult(ctx context.Context, licence *ReviewLicence) error

	// RecordLicenceError downgrades (or creates) the licence's review row as
	// errored with the failure message, without touching other licences.
	RecordLicenceError(ctx context.Context, billRunID snowflake.ID, licenceID uuid.UUID, licenceRef string, message string) error

	FetchLicence(ctx context.Context, billRunID snowflake.ID, licenceID uuid.UUID) (*ReviewLicence, error)
	FetchLicenceReview(ctx context.Context, billRunID snowflake.ID, licenceID uuid.UUID) (*PreparedReview, error)
	ListLicenceStatuses(ctx context.Context, billRunID snowflake.ID) ([]LicenceStatus, error)

	AmendChargeReference(ctx context.Context, id snowflake.ID, input AmendChargeReferenceInput) (*ReviewChargeReference, error)
	AmendChargeElement(ctx context.Context, id snowflake.ID, input AmendChargeElementInput) (*ReviewChargeElement, error)
	SetProgress(ctx context.Context, reviewLicenceID snowflake.ID, progress bool) error

	DeleteForBillRun(ctx context.Context, billRunID snowflake.ID) error
	DeleteForLicence(ctx context.Context, billRunID snowflake.ID, licenceID uuid.UUID) error
}

var (
	ErrReviewLicenceNotFound = errors.New("review_licence_not_found")
	ErrReviewEntityNotFound  = errors.New("review_entity_not_found")
	ErrNoReviewReturns       = errors.New("no_review_returns")
	ErrBillRunImmutable      = errors.New("bill_run_immutable")
)

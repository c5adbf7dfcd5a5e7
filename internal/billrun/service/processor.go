package service

import (
	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/wrls/tariff-engine/internal/allocate"
	billrundomain "github.com/wrls/tariff-engine/internal/billrun/domain"
	chargedomain "github.com/wrls/tariff-engine/internal/charge/domain"
	"github.com/wrls/tariff-engine/internal/issues"
	"github.com/wrls/tariff-engine/internal/match"
	reviewdomain "github.com/wrls/tariff-engine/internal/review/domain"
	reviewservice "github.com/wrls/tariff-engine/internal/review/service"
	"github.com/wrls/tariff-engine/internal/units"
)

// versionInPlay is a charge version clamped to the run's financial year,
// with the returns claimed by each of its references.
type versionInPlay struct {
	version *chargedomain.ChargeVersion
	period  units.DateRange
	claimed map[uuid.UUID][]*chargedomain.ReturnLog
}

// buildReviewLicence runs the matching, allocation and issue-detection
// pipeline over one licence's register data and assembles the review
// aggregate the run persists. It mutates the working fields on the charge
// elements and returns it was given; callers load fresh data per licence.
func buildReviewLicence(genID *snowflake.Node, billRunID snowflake.ID, flagged billrundomain.FlaggedLicence, data *billrundomain.LicenceData, financialYearEnding int) (*reviewdomain.ReviewLicence, error) {
	for _, ret := range data.Returns {
		if err := ret.Validate(); err != nil {
			return nil, &billrundomain.LicenceProcessingError{LicenceRef: flagged.LicenceRef, Err: err}
		}
	}

	inPlay := versionsInPlay(data, financialYearEnding)

	var (
		references  []*chargedomain.ChargeReference
		allocations = make(map[string][]allocate.Allocation)
	)
	for _, vip := range inPlay {
		for i := range vip.version.ChargeReferences {
			reference := &vip.version.ChargeReferences[i]
			references = append(references, reference)
			for _, pair := range allocate.Allocate(reference, vip.claimed[reference.ID]) {
				allocations[pair.ReturnLogID] = append(allocations[pair.ReturnLogID], pair)
			}
		}
	}

	flagOutsidePeriod(inPlay, allocations)

	detected := issues.Detect(references, data.Returns)

	licence := &reviewdomain.ReviewLicence{
		ID:            genID.Generate(),
		BillRunID:     billRunID,
		LicenceID:     flagged.LicenceID,
		LicenceRef:    flagged.LicenceRef,
		LicenceHolder: flagged.Holder,
		Status:        reviewdomain.StatusReady,
		Issues:        reviewdomain.MarshalIssues(detected.Licence),
	}

	// Element register IDs to review row IDs, for linking returns afterwards.
	reviewElementIDs := make(map[uuid.UUID]snowflake.ID)

	for _, vip := range inPlay {
		reviewVersion := reviewdomain.ReviewChargeVersion{
			ID:                genID.Generate(),
			ReviewLicenceID:   licence.ID,
			ChargeVersionID:   vip.version.ID,
			ChargePeriodStart: vip.period.Start,
			ChargePeriodEnd:   vip.period.End,
			Status:            reviewdomain.StatusReady,
		}
		for i := range vip.version.ChargeReferences {
			reference := &vip.version.ChargeReferences[i]
			reviewReference := reviewdomain.ReviewChargeReference{
				ID:                      genID.Generate(),
				ReviewChargeVersionID:   reviewVersion.ID,
				ChargeReferenceID:       reference.ID,
				ChargeCategory:          reference.ChargeCategory,
				Aggregate:               reference.Aggregate,
				AmendedAggregate:        reference.Aggregate,
				AuthorisedVolume:        reference.AuthorisedVolume,
				AmendedAuthorisedVolume: reference.AuthorisedVolume,
				Status:                  reviewdomain.StatusReady,
			}
			for j := range reference.ChargeElements {
				element := &reference.ChargeElements[j]
				reviewElement := reviewdomain.ReviewChargeElement{
					ID:                      genID.Generate(),
					ReviewChargeReferenceID: reviewReference.ID,
					ChargeElementID:         element.ID,
					PurposeID:               element.PurposeID,
					AuthorisedQuantity:      element.AuthorisedAnnualQuantity,
					Allocated:               element.AllocatedReturnVolume,
					AmendedAllocated:        element.AllocatedReturnVolume,
					Status:                  reviewdomain.StatusReady,
					Issues:                  reviewdomain.MarshalIssues(detected.Elements[element.ID]),
				}
				reviewElementIDs[element.ID] = reviewElement.ID
				reviewReference.Elements = append(reviewReference.Elements, reviewElement)
			}
			reviewVersion.References = append(reviewVersion.References, reviewReference)
		}
		licence.ChargeVersions = append(licence.ChargeVersions, reviewVersion)
	}

	for _, ret := range data.Returns {
		labels := detected.Returns[ret.ID]
		pairs := allocations[ret.ID]
		if len(pairs) == 0 {
			row := newReviewReturn(genID, licence.ID, nil, ret, ret.Allocated, labels)
			// Allocation never saw this return, so the whole declared
			// quantity is still outstanding.
			row.Unallocated = ret.Quantity()
			licence.Returns = append(licence.Returns, row)
			continue
		}
		for _, pair := range pairs {
			elementID := reviewElementIDs[pair.ChargeElementID]
			row := newReviewReturn(genID, licence.ID, &elementID, ret, units.MegalitresToCubicMetres(pair.Amount), labels)
			licence.Returns = append(licence.Returns, row)
		}
	}

	reviewservice.RecomputeStatuses(licence)
	return licence, nil
}

func newReviewReturn(genID *snowflake.Node, licenceID snowflake.ID, elementID *snowflake.ID, ret *chargedomain.ReturnLog, allocated decimal.Decimal, labels []string) reviewdomain.ReviewReturn {
	return reviewdomain.ReviewReturn{
		ID:                       genID.Generate(),
		ReviewLicenceID:          licenceID,
		ReviewChargeElementID:    elementID,
		ReturnLogID:              ret.ID,
		StartDate:                ret.StartDate,
		EndDate:                  ret.EndDate,
		ReturnStatus:             ret.Status,
		Quantity:                 ret.Quantity(),
		Allocated:                allocated,
		Unallocated:              ret.Unallocated,
		UnderQuery:               ret.UnderQuery,
		AbstractionOutsidePeriod: ret.OutsidePeriod,
		Issues:                   reviewdomain.MarshalIssues(labels),
	}
}

// versionsInPlay clamps each charge version to the financial year and lets
// references claim returns. A return goes to the first reference, in version
// then reference order, holding an element it matches; claims do not repeat
// across references so a return's volume is never counted twice.
func versionsInPlay(data *billrundomain.LicenceData, financialYearEnding int) []versionInPlay {
	var inPlay []versionInPlay
	claimedReturns := make(map[string]bool)

	for i := range data.ChargeVersions {
		version := &data.ChargeVersions[i]
		period, ok := version.ChargePeriod(financialYearEnding)
		if !ok {
			continue
		}

		vip := versionInPlay{
			version: version,
			period:  period,
			claimed: make(map[uuid.UUID][]*chargedomain.ReturnLog),
		}
		for j := range version.ChargeReferences {
			reference := &version.ChargeReferences[j]
			for _, ret := range data.Returns {
				if claimedReturns[ret.ID] {
					continue
				}
				if referenceMatches(reference, ret) {
					claimedReturns[ret.ID] = true
					vip.claimed[reference.ID] = append(vip.claimed[reference.ID], ret)
				}
			}
		}
		inPlay = append(inPlay, vip)
	}
	return inPlay
}

func referenceMatches(reference *chargedomain.ChargeReference, ret *chargedomain.ReturnLog) bool {
	for i := range reference.ChargeElements {
		if match.Matches(ret, &reference.ChargeElements[i]) {
			return true
		}
	}
	return false
}

// flagOutsidePeriod marks a return whose submitted lines include volume
// wholly outside every abstraction window of an element it matched, clamped
// to the version's charge period.
func flagOutsidePeriod(inPlay []versionInPlay, allocations map[string][]allocate.Allocation) {
	windows := make(map[uuid.UUID][]units.DateRange)
	for _, vip := range inPlay {
		for i := range vip.version.ChargeReferences {
			reference := &vip.version.ChargeReferences[i]
			for j := range reference.ChargeElements {
				element := &reference.ChargeElements[j]
				windows[element.ID] = element.AbstractionPeriod().RangesFor(vip.period)
			}
		}
	}

	for _, vip := range inPlay {
		for _, claimed := range vip.claimed {
			for _, ret := range claimed {
				for _, pair := range allocations[ret.ID] {
					ranges, ok := windows[pair.ChargeElementID]
					if !ok {
						continue
					}
					if hasLineOutside(ret, ranges) {
						ret.OutsidePeriod = true
					}
				}
			}
		}
	}
}

func hasLineOutside(ret *chargedomain.ReturnLog, windows []units.DateRange) bool {
	for _, line := range ret.Lines {
		if !line.Quantity.IsPositive() {
			continue
		}
		inside := false
		for _, w := range windows {
			if w.Overlaps(line.Range()) {
				inside = true
				break
			}
		}
		if !inside {
			return true
		}
	}
	return false
}

package service

import (
	"github.com/google/uuid"
	"github.com/wrls/tariff-engine/internal/review/domain"
)

// Prepare turns the flattened join rows for one licence into the summary the
// review screens need: rows deduplicated per review return, partitioned into
// matched and unmatched, with the distinct charge periods in play.
//
// The join legitimately repeats a return once per matched element; only the
// first occurrence per review return id is kept, in input order. Callers
// guard against an empty licence: there is no valid empty-input summary
// because the licence reference is read from the first row.
func Prepare(rows []domain.ReturnRow) (*domain.PreparedReview, error) {
	if len(rows) == 0 {
		return nil, domain.ErrNoReviewReturns
	}

	seen := make(map[int64]bool, len(rows))
	prepared := &domain.PreparedReview{LicenceRef: rows[0].LicenceRef}

	seenVersions := make(map[uuid.UUID]bool)
	for _, row := range rows {
		if seen[int64(row.ReviewReturnID)] {
			continue
		}
		seen[int64(row.ReviewReturnID)] = true

		if row.ReviewChargeElementID == nil {
			prepared.UnmatchedReturns = append(prepared.UnmatchedReturns, row)
			continue
		}
		prepared.MatchedReturns = append(prepared.MatchedReturns, row)

		// Charge periods only exist for matched returns; unmatched rows
		// have no charge version to derive one from.
		if row.ChargeVersionID == nil || seenVersions[*row.ChargeVersionID] {
			continue
		}
		seenVersions[*row.ChargeVersionID] = true
		if row.ChargePeriodStart != nil && row.ChargePeriodEnd != nil {
			prepared.ChargePeriods = append(prepared.ChargePeriods, domain.ChargePeriod{
				StartDate: *row.ChargePeriodStart,
				EndDate:   *row.ChargePeriodEnd,
			})
		}
	}

	return prepared, nil
}

// Package allocate distributes declared return volumes across the charge
// elements of a charge reference, tracking the unallocated remainder per
// return.
//
// Ordering is part of the contract: the first element reached gets first
// claim on a return's remaining volume, so callers must pass both slices in
// the order they want claims resolved (creation order from the register).
// The function itself never re-sorts.
package allocate

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	chargedomain "github.com/wrls/tariff-engine/internal/charge/domain"
	"github.com/wrls/tariff-engine/internal/match"
	"github.com/wrls/tariff-engine/internal/units"
)

// Allocation records one (return, element) match and the megalitres moved by
// it. A match with no room left still produces a zero-amount record so the
// pairing survives into the review rows.
type Allocation struct {
	ReturnLogID     string
	ChargeElementID uuid.UUID
	Amount          decimal.Decimal
}

// Allocate walks every return against every element of the reference,
// converting declared cubic metres to megalitres, filling matching elements
// up to their authorised annual quantity, and writing the leftover back to
// each return as unallocated cubic metres. Elements and returns are mutated
// in place; the returned allocations preserve visit order.
func Allocate(reference *chargedomain.ChargeReference, returns []*chargedomain.ReturnLog) []Allocation {
	var allocations []Allocation
	for _, ret := range returns {
		declared := ret.Quantity()
		remaining := units.CubicMetresToMegalitres(declared)

		for i := range reference.ChargeElements {
			element := &reference.ChargeElements[i]
			if element.Exhausted() {
				continue
			}
			if !match.Matches(ret, element) {
				continue
			}

			element.MatchedReturns++

			transfer := remaining
			room := element.AuthorisedAnnualQuantity.Sub(element.AllocatedReturnVolume)
			if room.LessThan(transfer) {
				transfer = room
			}

			element.AllocatedReturnVolume = element.AllocatedReturnVolume.Add(transfer)
			remaining = remaining.Sub(transfer)

			allocations = append(allocations, Allocation{
				ReturnLogID:     ret.ID,
				ChargeElementID: element.ID,
				Amount:          transfer,
			})
		}

		ret.Unallocated = units.MegalitresToCubicMetres(remaining)
		ret.Allocated = declared.Sub(ret.Unallocated)
	}
	return allocations
}

// OverAbstracted reports whether the return declared more than its matched
// elements could absorb.
func OverAbstracted(ret *chargedomain.ReturnLog) bool {
	return ret.Unallocated.GreaterThan(decimal.Zero)
}

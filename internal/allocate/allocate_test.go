package allocate

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	chargedomain "github.com/wrls/tariff-engine/internal/charge/domain"
)

func ml(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newElement(purpose string, authorisedML int64) chargedomain.ChargeElement {
	return chargedomain.ChargeElement{
		ID:                        uuid.New(),
		PurposeID:                 purpose,
		AbstractionPeriodStartDay: 1, AbstractionPeriodStartMon: 4,
		AbstractionPeriodEndDay: 31, AbstractionPeriodEndMon: 3,
		AuthorisedAnnualQuantity: ml(authorisedML),
	}
}

func newReturn(id, purpose string, cubicMetres int64) *chargedomain.ReturnLog {
	return &chargedomain.ReturnLog{
		ID:                        id,
		PurposeCode:               purpose,
		AbstractionPeriodStartDay: 1, AbstractionPeriodStartMon: 4,
		AbstractionPeriodEndDay: 31, AbstractionPeriodEndMon: 3,
		Lines: []chargedomain.ReturnLine{{
			ID:        uuid.New(),
			StartDate: time.Date(2023, time.April, 1, 0, 0, 0, 0, time.UTC),
			EndDate:   time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC),
			Quantity:  decimal.NewFromInt(cubicMetres),
		}},
	}
}

// A 1 ML return fully fits an element with 2 ML authorised.
func TestAllocateFullyMatchedReturn(t *testing.T) {
	reference := &chargedomain.ChargeReference{
		ChargeElements: []chargedomain.ChargeElement{newElement("420", 2)},
	}
	ret := newReturn("v1:1", "420", 1_000_000)

	Allocate(reference, []*chargedomain.ReturnLog{ret})

	assert.True(t, reference.ChargeElements[0].AllocatedReturnVolume.Equal(ml(1)))
	assert.True(t, ret.Unallocated.IsZero())
	assert.True(t, ret.Allocated.Equal(decimal.NewFromInt(1_000_000)))
	assert.Equal(t, 1, reference.ChargeElements[0].MatchedReturns)
	assert.False(t, OverAbstracted(ret))
}

// A 3 ML return against a 2 ML element leaves 1 ML unallocated, converted
// back to cubic metres; the element stays matched but is exhausted.
func TestAllocateOverAbstraction(t *testing.T) {
	reference := &chargedomain.ChargeReference{
		ChargeElements: []chargedomain.ChargeElement{newElement("420", 2)},
	}
	ret := newReturn("v1:2", "420", 3_000_000)

	Allocate(reference, []*chargedomain.ReturnLog{ret})

	element := reference.ChargeElements[0]
	assert.True(t, element.AllocatedReturnVolume.Equal(ml(2)))
	assert.True(t, element.Exhausted())
	assert.Equal(t, 1, element.MatchedReturns)
	assert.True(t, ret.Unallocated.Equal(decimal.NewFromInt(1_000_000)))
	assert.True(t, OverAbstracted(ret))
}

func TestAllocateSpillsAcrossElementsInOrder(t *testing.T) {
	reference := &chargedomain.ChargeReference{
		ChargeElements: []chargedomain.ChargeElement{
			newElement("420", 2),
			newElement("420", 5),
		},
	}
	ret := newReturn("v1:3", "420", 4_000_000)

	Allocate(reference, []*chargedomain.ReturnLog{ret})

	// First element reached gets first claim.
	assert.True(t, reference.ChargeElements[0].AllocatedReturnVolume.Equal(ml(2)))
	assert.True(t, reference.ChargeElements[1].AllocatedReturnVolume.Equal(ml(2)))
	assert.True(t, ret.Unallocated.IsZero())
}

func TestAllocateSkipsExhaustedAndUnmatchedElements(t *testing.T) {
	zeroAuthorised := newElement("420", 0)
	otherPurpose := newElement("400", 10)
	reference := &chargedomain.ChargeReference{
		ChargeElements: []chargedomain.ChargeElement{zeroAuthorised, otherPurpose},
	}
	ret := newReturn("v1:4", "420", 1_000_000)

	Allocate(reference, []*chargedomain.ReturnLog{ret})

	assert.Equal(t, 0, reference.ChargeElements[0].MatchedReturns)
	assert.Equal(t, 0, reference.ChargeElements[1].MatchedReturns)
	assert.True(t, reference.ChargeElements[0].AllocatedReturnVolume.IsZero())
	assert.True(t, ret.Unallocated.Equal(decimal.NewFromInt(1_000_000)))
}

func TestAllocateZeroVolumeReturn(t *testing.T) {
	reference := &chargedomain.ChargeReference{
		ChargeElements: []chargedomain.ChargeElement{newElement("420", 2)},
	}
	ret := newReturn("v1:5", "420", 0)

	Allocate(reference, []*chargedomain.ReturnLog{ret})

	assert.True(t, ret.Unallocated.IsZero())
	assert.True(t, reference.ChargeElements[0].AllocatedReturnVolume.IsZero())
	// The match itself is still recorded so the element is not reported as
	// unmatched.
	assert.Equal(t, 1, reference.ChargeElements[0].MatchedReturns)
}

func TestAllocateRecordsPairs(t *testing.T) {
	first := newElement("420", 2)
	second := newElement("420", 5)
	reference := &chargedomain.ChargeReference{
		ChargeElements: []chargedomain.ChargeElement{first, second},
	}
	ret := newReturn("v1:10", "420", 2_000_000)

	allocations := Allocate(reference, []*chargedomain.ReturnLog{ret})

	// The first element absorbs everything; the second still records a
	// zero-amount pair for the review rows.
	require.Len(t, allocations, 2)
	assert.Equal(t, "v1:10", allocations[0].ReturnLogID)
	assert.Equal(t, first.ID, allocations[0].ChargeElementID)
	assert.True(t, allocations[0].Amount.Equal(ml(2)))
	assert.Equal(t, second.ID, allocations[1].ChargeElementID)
	assert.True(t, allocations[1].Amount.IsZero())
}

// sum(allocated deltas) + unallocated == declared, for every return.
func TestAllocateConservation(t *testing.T) {
	reference := &chargedomain.ChargeReference{
		ChargeElements: []chargedomain.ChargeElement{
			newElement("420", 1),
			newElement("420", 2),
			newElement("420", 3),
		},
	}
	returns := []*chargedomain.ReturnLog{
		newReturn("v1:6", "420", 2_500_000),
		newReturn("v1:7", "420", 4_750_123),
	}

	Allocate(reference, returns)

	totalAllocated := decimal.Zero
	for _, element := range reference.ChargeElements {
		assert.True(t, element.AllocatedReturnVolume.LessThanOrEqual(element.AuthorisedAnnualQuantity),
			"allocation cap breached on element %s", element.ID)
		totalAllocated = totalAllocated.Add(element.AllocatedReturnVolume)
	}

	declared := decimal.Zero
	unallocated := decimal.Zero
	for _, ret := range returns {
		declared = declared.Add(ret.Quantity())
		unallocated = unallocated.Add(ret.Unallocated)
		assert.True(t, ret.Allocated.Add(ret.Unallocated).Equal(ret.Quantity()))
	}
	assert.True(t, totalAllocated.Equal(declared.Sub(unallocated).Shift(-3)))
}

func TestAllocateDeterminism(t *testing.T) {
	build := func() (*chargedomain.ChargeReference, []*chargedomain.ReturnLog) {
		reference := &chargedomain.ChargeReference{
			ChargeElements: []chargedomain.ChargeElement{
				newElement("420", 2),
				newElement("420", 1),
			},
		}
		return reference, []*chargedomain.ReturnLog{
			newReturn("v1:8", "420", 2_250_000),
			newReturn("v1:9", "420", 1_000_000),
		}
	}

	refA, retA := build()
	refB, retB := build()
	Allocate(refA, retA)
	Allocate(refB, retB)

	require.Len(t, refB.ChargeElements, len(refA.ChargeElements))
	for i := range refA.ChargeElements {
		assert.True(t, refA.ChargeElements[i].AllocatedReturnVolume.Equal(refB.ChargeElements[i].AllocatedReturnVolume))
	}
	for i := range retA {
		assert.True(t, retA[i].Unallocated.Equal(retB[i].Unallocated))
	}
}

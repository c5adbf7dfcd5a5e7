// Package issues assigns the human-readable labels the review screens show
// against returns, charge elements and the licence as a whole.
//
// Detection is a pure function over the post-allocation working model: it
// returns fresh issue collections rather than appending to lists held on the
// entities, so re-running detection after an amendment can never double-count
// a label.
package issues

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	chargedomain "github.com/wrls/tariff-engine/internal/charge/domain"
)

// Issue labels shown to reviewers. The wording is load-bearing: the review
// UI and the billing team's triage guidance both key off these strings.
const (
	OverAbstraction          = "Over abstraction"
	AbstractionOutsidePeriod = "Abstraction outside period"
	CheckingQuery            = "Checking query"
	NoReturnsReceived        = "No returns received"
	UnableToMatchReturn      = "Unable to match return"
	Aggregate                = "Aggregate"
	MultipleIssues           = "Multiple Issues"
)

// Result holds the labels detected for one licence. Slices preserve
// detection order; a nil slice means no issues for that entity.
type Result struct {
	Returns  map[string][]string
	Elements map[uuid.UUID][]string
	Licence  []string
}

// HasBlocking reports whether anything at all was flagged.
func (r Result) HasBlocking() bool {
	return len(r.Licence) > 0
}

// Detect evaluates every rule independently per entity, then rolls the
// distinct labels up to the licence. A single entity can carry several
// labels at once.
func Detect(references []*chargedomain.ChargeReference, returns []*chargedomain.ReturnLog) Result {
	result := Result{
		Returns:  make(map[string][]string, len(returns)),
		Elements: make(map[uuid.UUID][]string),
	}

	seen := make(map[string]bool)
	var distinct []string
	record := func(label string) {
		if !seen[label] {
			seen[label] = true
			distinct = append(distinct, label)
		}
	}

	for _, ret := range returns {
		var labels []string
		if ret.Unallocated.GreaterThan(decimal.Zero) {
			labels = append(labels, OverAbstraction)
		}
		if ret.OutsidePeriod {
			labels = append(labels, AbstractionOutsidePeriod)
		}
		if ret.UnderQuery {
			labels = append(labels, CheckingQuery)
		}
		if ret.Status == chargedomain.ReturnStatusDue {
			labels = append(labels, NoReturnsReceived)
		}
		if len(labels) > 0 {
			result.Returns[ret.ID] = labels
			for _, label := range labels {
				record(label)
			}
		}
	}

	// The register stores the factor NOT NULL with a default of 1, so any
	// value other than 1, zero included, is a real adjustment.
	one := decimal.NewFromInt(1)
	for _, reference := range references {
		aggregateIssue := !reference.Aggregate.Equal(one)
		for i := range reference.ChargeElements {
			element := &reference.ChargeElements[i]
			var labels []string
			if element.MatchedReturns == 0 {
				labels = append(labels, UnableToMatchReturn)
			}
			if aggregateIssue {
				labels = append(labels, Aggregate)
			}
			if len(labels) > 0 {
				result.Elements[element.ID] = labels
				for _, label := range labels {
					record(label)
				}
			}
		}
	}

	// Licence roll-up: the de-duplicated union in first-seen order, with
	// "Multiple Issues" appended when more than one distinct label exists.
	result.Licence = distinct
	if len(distinct) > 1 {
		result.Licence = append(result.Licence, MultipleIssues)
	}
	return result
}

// Package match pairs return submissions against charge elements.
//
// Matching is deliberately strict: the purpose code and all four abstraction
// period fields must be exactly equal. There is no overlap tolerance; a
// return whose declared period differs from the element's by a single day is
// reported as "Unable to match return" rather than partially allocated. That
// mirrors how the tariff rules are applied in practice and is a documented
// limitation, not something to loosen here.
package match

import (
	"strings"

	chargedomain "github.com/wrls/tariff-engine/internal/charge/domain"
)

// Matches reports whether the return's metadata pairs it with the element.
func Matches(ret *chargedomain.ReturnLog, element *chargedomain.ChargeElement) bool {
	if !purposeEqual(ret.PurposeCode, element.PurposeID) {
		return false
	}
	return ret.AbstractionPeriod() == element.AbstractionPeriod()
}

// purposeEqual compares the legacy NALD purpose codes. The register stores
// them with inconsistent padding and case, so both sides are normalised
// before the exact comparison.
func purposeEqual(a, b string) bool {
	return normalise(a) != "" && normalise(a) == normalise(b)
}

func normalise(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

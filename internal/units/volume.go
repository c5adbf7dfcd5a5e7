// Package units holds the pure volume and date arithmetic shared by the
// matching, allocation and review packages. All volumes are decimal: the
// register stores declared returns in cubic metres while charge elements are
// authorised in megalitres, and repeated conversion between the two must not
// drift.
package units

import "github.com/shopspring/decimal"

// CubicMetresToMegalitres converts a declared return volume (m3) into the
// megalitre quantities charge elements are authorised in. The conversion is a
// pure base-ten shift so it is exact for any decimal input.
func CubicMetresToMegalitres(cubicMetres decimal.Decimal) decimal.Decimal {
	return cubicMetres.Shift(-3)
}

// MegalitresToCubicMetres converts back for storage against the return log.
func MegalitresToCubicMetres(megalitres decimal.Decimal) decimal.Decimal {
	return megalitres.Shift(3)
}

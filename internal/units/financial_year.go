package units

import "time"

// UK water charging runs on April-to-March financial years. A financial year
// is identified by the calendar year it ends in, e.g. FY 2024 runs
// 2023-04-01 to 2024-03-31.

// FinancialYearEnding returns the identifier of the financial year containing t.
func FinancialYearEnding(t time.Time) int {
	if t.Month() >= time.April {
		return t.Year() + 1
	}
	return t.Year()
}

// FinancialYearStart returns the first day of the financial year ending in the
// given calendar year.
func FinancialYearStart(ending int) time.Time {
	return time.Date(ending-1, time.April, 1, 0, 0, 0, 0, time.UTC)
}

// FinancialYearEnd returns the last day of the financial year ending in the
// given calendar year.
func FinancialYearEnd(ending int) time.Time {
	return time.Date(ending, time.March, 31, 0, 0, 0, 0, time.UTC)
}

// FinancialYearRange returns both bounds of the financial year.
func FinancialYearRange(ending int) DateRange {
	return DateRange{Start: FinancialYearStart(ending), End: FinancialYearEnd(ending)}
}

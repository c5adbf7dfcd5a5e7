package service

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	billrundomain "github.com/wrls/tariff-engine/internal/billrun/domain"
	chargedomain "github.com/wrls/tariff-engine/internal/charge/domain"
	"github.com/wrls/tariff-engine/internal/issues"
	reviewdomain "github.com/wrls/tariff-engine/internal/review/domain"
)

func testNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// allYearElement authorises the given megalitres for spray irrigation across
// the whole financial year.
func allYearElement(authorisedML int64) chargedomain.ChargeElement {
	return chargedomain.ChargeElement{
		ID:                        uuid.New(),
		PurposeID:                 "400",
		AbstractionPeriodStartDay: 1, AbstractionPeriodStartMon: 4,
		AbstractionPeriodEndDay: 31, AbstractionPeriodEndMon: 3,
		AuthorisedAnnualQuantity: decimal.NewFromInt(authorisedML),
	}
}

func completedReturn(id string, licenceRef string, cubicMetres int64) *chargedomain.ReturnLog {
	return &chargedomain.ReturnLog{
		ID:         id,
		LicenceRef: licenceRef,
		StartDate:  date(2024, time.April, 1),
		EndDate:    date(2025, time.March, 31),
		Status:     chargedomain.ReturnStatusCompleted,
		PurposeCode: "400",
		AbstractionPeriodStartDay: 1, AbstractionPeriodStartMon: 4,
		AbstractionPeriodEndDay: 31, AbstractionPeriodEndMon: 3,
		Lines: []chargedomain.ReturnLine{
			{
				ID:          uuid.New(),
				ReturnLogID: id,
				StartDate:   date(2024, time.June, 1),
				EndDate:     date(2024, time.June, 30),
				Quantity:    decimal.NewFromInt(cubicMetres),
			},
		},
	}
}

func testLicenceData(returns ...*chargedomain.ReturnLog) *billrundomain.LicenceData {
	version := chargedomain.ChargeVersion{
		ID:        uuid.New(),
		Scheme:    "sroc",
		StartDate: date(2022, time.April, 1),
		Status:    "current",
		ChargeReferences: []chargedomain.ChargeReference{
			{
				ID:               uuid.New(),
				ChargeCategory:   "4.5.12",
				AuthorisedVolume: decimal.NewFromInt(10),
				Aggregate:        decimal.NewFromInt(1),
				ChargeAdjustment: decimal.NewFromInt(1),
				ChargeElements:   []chargedomain.ChargeElement{allYearElement(10)},
			},
		},
	}
	return &billrundomain.LicenceData{
		ChargeVersions: []chargedomain.ChargeVersion{version},
		Returns:        returns,
	}
}

func TestBuildReviewLicenceCleanAllocation(t *testing.T) {
	node := testNode(t)
	flagged := billrundomain.FlaggedLicence{
		LicenceID:  uuid.New(),
		LicenceRef: "01/123",
		Holder:     "Test Holder Ltd",
	}
	// 2 ML declared against 10 ML authorised.
	data := testLicenceData(completedReturn("v1:01/123:2024", "01/123", 2_000_000))

	licence, err := buildReviewLicence(node, node.Generate(), flagged, data, 2025)
	require.NoError(t, err)

	require.Equal(t, reviewdomain.StatusReady, licence.Status)
	require.Empty(t, reviewdomain.UnmarshalIssues(licence.Issues))

	require.Len(t, licence.ChargeVersions, 1)
	version := licence.ChargeVersions[0]
	require.Equal(t, date(2024, time.April, 1), version.ChargePeriodStart)
	require.Equal(t, date(2025, time.March, 31), version.ChargePeriodEnd)

	require.Len(t, version.References, 1)
	require.Len(t, version.References[0].Elements, 1)
	element := version.References[0].Elements[0]
	require.True(t, element.Allocated.Equal(decimal.NewFromInt(2)))
	require.True(t, element.AmendedAllocated.Equal(element.Allocated))

	require.Len(t, licence.Returns, 1)
	row := licence.Returns[0]
	require.True(t, row.Matched())
	require.Equal(t, element.ID, *row.ReviewChargeElementID)
	require.True(t, row.Allocated.Equal(decimal.NewFromInt(2_000_000)))
	require.True(t, row.Unallocated.IsZero())
}

func TestBuildReviewLicenceOverAbstraction(t *testing.T) {
	node := testNode(t)
	flagged := billrundomain.FlaggedLicence{LicenceID: uuid.New(), LicenceRef: "01/123"}
	// 12 ML declared against 10 ML authorised.
	data := testLicenceData(completedReturn("v1:01/123:2024", "01/123", 12_000_000))

	licence, err := buildReviewLicence(node, node.Generate(), flagged, data, 2025)
	require.NoError(t, err)

	require.Equal(t, reviewdomain.StatusReview, licence.Status)
	require.Contains(t, reviewdomain.UnmarshalIssues(licence.Issues), issues.OverAbstraction)

	row := licence.Returns[0]
	require.True(t, row.Unallocated.Equal(decimal.NewFromInt(2_000_000)))
	require.Contains(t, reviewdomain.UnmarshalIssues(row.Issues), issues.OverAbstraction)
}

func TestBuildReviewLicenceUnmatchedReturn(t *testing.T) {
	node := testNode(t)
	flagged := billrundomain.FlaggedLicence{LicenceID: uuid.New(), LicenceRef: "01/123"}
	ret := completedReturn("v1:01/123:2024", "01/123", 2_000_000)
	ret.PurposeCode = "420"
	data := testLicenceData(ret)

	licence, err := buildReviewLicence(node, node.Generate(), flagged, data, 2025)
	require.NoError(t, err)

	require.Equal(t, reviewdomain.StatusReview, licence.Status)

	// The return gets a single unmatched row; the element records nothing.
	require.Len(t, licence.Returns, 1)
	row := licence.Returns[0]
	require.False(t, row.Matched())

	// Nothing was allocated, so the full declared quantity is outstanding,
	// but only the match failure is reported against the return.
	require.True(t, row.Allocated.IsZero())
	require.True(t, row.Unallocated.Equal(row.Quantity))
	require.True(t, row.Unallocated.Equal(decimal.NewFromInt(2_000_000)))
	require.NotContains(t, reviewdomain.UnmarshalIssues(row.Issues), issues.OverAbstraction)

	element := licence.ChargeVersions[0].References[0].Elements[0]
	require.True(t, element.Allocated.IsZero())
	require.Contains(t, reviewdomain.UnmarshalIssues(element.Issues), issues.UnableToMatchReturn)
}

func TestBuildReviewLicenceInvalidReturnMetadata(t *testing.T) {
	node := testNode(t)
	flagged := billrundomain.FlaggedLicence{LicenceID: uuid.New(), LicenceRef: "01/123"}
	ret := completedReturn("v1:01/123:2024", "01/123", 2_000_000)
	ret.PurposeCode = ""
	data := testLicenceData(ret)

	_, err := buildReviewLicence(node, node.Generate(), flagged, data, 2025)

	var procErr *billrundomain.LicenceProcessingError
	require.ErrorAs(t, err, &procErr)
	require.Equal(t, "01/123", procErr.LicenceRef)
	require.ErrorIs(t, err, chargedomain.ErrMissingPurpose)
}

func TestBuildReviewLicenceOutsidePeriodLine(t *testing.T) {
	node := testNode(t)
	flagged := billrundomain.FlaggedLicence{LicenceID: uuid.New(), LicenceRef: "01/123"}

	ret := completedReturn("v1:01/123:2024", "01/123", 1_000_000)
	data := testLicenceData(ret)
	// Summer-only element; the June line above falls inside it, a second
	// winter line does not.
	element := &data.ChargeVersions[0].ChargeReferences[0].ChargeElements[0]
	element.AbstractionPeriodStartDay = 1
	element.AbstractionPeriodStartMon = 4
	element.AbstractionPeriodEndDay = 31
	element.AbstractionPeriodEndMon = 8
	ret.AbstractionPeriodEndDay = 31
	ret.AbstractionPeriodEndMon = 8
	ret.Lines = append(ret.Lines, chargedomain.ReturnLine{
		ID:          uuid.New(),
		ReturnLogID: ret.ID,
		StartDate:   date(2024, time.December, 1),
		EndDate:     date(2024, time.December, 31),
		Quantity:    decimal.NewFromInt(500_000),
	})

	licence, err := buildReviewLicence(node, node.Generate(), flagged, data, 2025)
	require.NoError(t, err)

	require.Equal(t, reviewdomain.StatusReview, licence.Status)
	row := licence.Returns[0]
	require.True(t, row.AbstractionOutsidePeriod)
	require.Contains(t, reviewdomain.UnmarshalIssues(row.Issues), issues.AbstractionOutsidePeriod)
}

func TestBuildReviewLicenceSkipsVersionOutsideYear(t *testing.T) {
	node := testNode(t)
	flagged := billrundomain.FlaggedLicence{LicenceID: uuid.New(), LicenceRef: "01/123"}
	data := testLicenceData(completedReturn("v1:01/123:2024", "01/123", 2_000_000))
	end := date(2023, time.March, 31)
	data.ChargeVersions[0].EndDate = &end

	licence, err := buildReviewLicence(node, node.Generate(), flagged, data, 2025)
	require.NoError(t, err)

	require.Empty(t, licence.ChargeVersions)
	require.Len(t, licence.Returns, 1)
	require.False(t, licence.Returns[0].Matched())
}

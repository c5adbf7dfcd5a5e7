package service

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	billrundomain "github.com/wrls/tariff-engine/internal/billrun/domain"
	chargedomain "github.com/wrls/tariff-engine/internal/charge/domain"
	licencedomain "github.com/wrls/tariff-engine/internal/licence/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestFetcher(t *testing.T) (billrundomain.Fetcher, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&licencedomain.Licence{},
		&licencedomain.LicenceSupplementaryYear{},
		&chargedomain.ChargeVersion{},
		&chargedomain.ChargeReference{},
		&chargedomain.ChargeElement{},
		&chargedomain.ReturnLog{},
		&chargedomain.ReturnLine{},
	))

	fetcher := NewFetcher(FetcherParam{DB: db, Log: zap.NewNop()})
	return fetcher, db
}

func insertLicence(t *testing.T, db *gorm.DB, regionID uuid.UUID, ref string, sroc bool) uuid.UUID {
	t.Helper()
	licence := licencedomain.Licence{
		ID:                   uuid.New(),
		LicenceRef:           ref,
		Holder:               "Holder of " + ref,
		RegionID:             regionID,
		StartDate:            date(2020, time.April, 1),
		IncludeInSrocBilling: sroc,
	}
	require.NoError(t, db.Create(&licence).Error)
	return licence.ID
}

func TestFlaggedLicencesAnnual(t *testing.T) {
	fetcher, db := newTestFetcher(t)
	regionID := uuid.New()

	insertLicence(t, db, regionID, "02/456", true)
	insertLicence(t, db, regionID, "01/123", true)
	insertLicence(t, db, regionID, "03/789", false)
	insertLicence(t, db, uuid.New(), "04/999", true)

	flagged, err := fetcher.FlaggedLicences(context.Background(), regionID, 2025, billrundomain.BatchTypeAnnual)
	require.NoError(t, err)
	require.Len(t, flagged, 2)
	require.Equal(t, "01/123", flagged[0].LicenceRef)
	require.Equal(t, "02/456", flagged[1].LicenceRef)
	require.Nil(t, flagged[0].SupplementaryYearID)
}

func TestFlaggedLicencesMarked(t *testing.T) {
	fetcher, db := newTestFetcher(t)
	regionID := uuid.New()
	node := testNode(t)

	marked := insertLicence(t, db, regionID, "01/123", true)
	wrongYear := insertLicence(t, db, regionID, "02/456", true)
	consumed := insertLicence(t, db, regionID, "03/789", true)
	annualOnly := insertLicence(t, db, regionID, "04/999", true)

	consumedBy := node.Generate()
	markers := []licencedomain.LicenceSupplementaryYear{
		{ID: node.Generate(), LicenceID: marked, FinancialYearEnding: 2025, TwoPartTariff: true},
		{ID: node.Generate(), LicenceID: wrongYear, FinancialYearEnding: 2024, TwoPartTariff: true},
		{ID: node.Generate(), LicenceID: consumed, FinancialYearEnding: 2025, TwoPartTariff: true, BillRunID: &consumedBy},
		{ID: node.Generate(), LicenceID: annualOnly, FinancialYearEnding: 2025, TwoPartTariff: false},
	}
	require.NoError(t, db.Create(&markers).Error)

	flagged, err := fetcher.FlaggedLicences(context.Background(), regionID, 2025, billrundomain.BatchTypeTwoPartTariff)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	require.Equal(t, "01/123", flagged[0].LicenceRef)
	require.NotNil(t, flagged[0].SupplementaryYearID)
	require.Equal(t, markers[0].ID, *flagged[0].SupplementaryYearID)
}

func TestLicenceDataFiltersVersionsAndReturns(t *testing.T) {
	fetcher, db := newTestFetcher(t)
	regionID := uuid.New()
	licenceID := insertLicence(t, db, regionID, "01/123", true)

	current := chargedomain.ChargeVersion{
		ID:        uuid.New(),
		LicenceID: licenceID,
		Scheme:    "sroc",
		StartDate: date(2022, time.April, 1),
		Status:    "current",
		ChargeReferences: []chargedomain.ChargeReference{{
			ID:               uuid.New(),
			ChargeCategory:   "4.5.12",
			AuthorisedVolume: decimal.NewFromInt(10),
			Aggregate:        decimal.NewFromInt(1),
			ChargeAdjustment: decimal.NewFromInt(1),
			ChargeElements: []chargedomain.ChargeElement{{
				ID:                        uuid.New(),
				PurposeID:                 "400",
				AbstractionPeriodStartDay: 1, AbstractionPeriodStartMon: 4,
				AbstractionPeriodEndDay: 31, AbstractionPeriodEndMon: 3,
				AuthorisedAnnualQuantity: decimal.NewFromInt(10),
			}},
		}},
	}
	superseded := chargedomain.ChargeVersion{
		ID:        uuid.New(),
		LicenceID: licenceID,
		Scheme:    "sroc",
		StartDate: date(2020, time.April, 1),
		Status:    "superseded",
	}
	presroc := chargedomain.ChargeVersion{
		ID:        uuid.New(),
		LicenceID: licenceID,
		Scheme:    "presroc",
		StartDate: date(2022, time.April, 1),
		Status:    "current",
	}
	require.NoError(t, db.Create(&current).Error)
	require.NoError(t, db.Create(&superseded).Error)
	require.NoError(t, db.Create(&presroc).Error)

	inYear := completedReturn("v1:01/123:2024", "01/123", 2_000_000)
	void := completedReturn("v2:01/123:2024", "01/123", 1_000_000)
	void.Status = chargedomain.ReturnStatusVoid
	priorYear := completedReturn("v1:01/123:2020", "01/123", 1_000_000)
	priorYear.StartDate = date(2020, time.April, 1)
	priorYear.EndDate = date(2021, time.March, 31)
	for i := range priorYear.Lines {
		priorYear.Lines[i].StartDate = date(2020, time.June, 1)
		priorYear.Lines[i].EndDate = date(2020, time.June, 30)
	}
	otherLicence := completedReturn("v1:02/456:2024", "02/456", 1_000_000)
	for _, ret := range []*chargedomain.ReturnLog{inYear, void, priorYear, otherLicence} {
		require.NoError(t, db.Create(ret).Error)
	}

	data, err := fetcher.LicenceData(context.Background(), licenceID, "sroc", 2025)
	require.NoError(t, err)

	require.Equal(t, "01/123", data.Licence.LicenceRef)
	require.Len(t, data.ChargeVersions, 1)
	require.Equal(t, current.ID, data.ChargeVersions[0].ID)
	require.Len(t, data.ChargeVersions[0].ChargeReferences, 1)
	require.Len(t, data.ChargeVersions[0].ChargeReferences[0].ChargeElements, 1)

	require.Len(t, data.Returns, 1)
	require.Equal(t, "v1:01/123:2024", data.Returns[0].ID)
	require.Len(t, data.Returns[0].Lines, 1)
}

func TestLicenceDataUnknownLicence(t *testing.T) {
	fetcher, _ := newTestFetcher(t)

	_, err := fetcher.LicenceData(context.Background(), uuid.New(), "sroc", 2025)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

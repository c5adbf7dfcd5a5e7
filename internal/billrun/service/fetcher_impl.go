package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	billrundomain "github.com/wrls/tariff-engine/internal/billrun/domain"
	chargedomain "github.com/wrls/tariff-engine/internal/charge/domain"
	licencedomain "github.com/wrls/tariff-engine/internal/licence/domain"
	"github.com/wrls/tariff-engine/internal/units"
	"github.com/wrls/tariff-engine/pkg/db/option"
	"github.com/wrls/tariff-engine/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Fetcher reads register rows for the processing pipeline.
type Fetcher struct {
	db  *gorm.DB
	log *zap.Logger

	licences repository.Repository[licencedomain.Licence]
	versions repository.Repository[chargedomain.ChargeVersion]
}

type FetcherParam struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

func NewFetcher(p FetcherParam) billrundomain.Fetcher {
	return &Fetcher{
		db:       p.DB,
		log:      p.Log.Named("billrun.fetcher"),
		licences: repository.ProvideStore[licencedomain.Licence](p.DB),
		versions: repository.ProvideStore[chargedomain.ChargeVersion](p.DB),
	}
}

func (f *Fetcher) FlaggedLicences(ctx context.Context, regionID uuid.UUID, financialYearEnding int, batchType billrundomain.BatchType) ([]billrundomain.FlaggedLicence, error) {
	if batchType == billrundomain.BatchTypeAnnual {
		return f.annualLicences(ctx, regionID)
	}
	return f.markedLicences(ctx, regionID, financialYearEnding, batchType == billrundomain.BatchTypeTwoPartTariff)
}

func (f *Fetcher) annualLicences(ctx context.Context, regionID uuid.UUID) ([]billrundomain.FlaggedLicence, error) {
	var flagged []billrundomain.FlaggedLicence
	err := f.db.WithContext(ctx).Raw(`
		SELECT l.id AS licence_id, l.licence_ref, l.holder
		FROM licences l
		WHERE l.region_id = ? AND l.include_in_sroc_billing
		ORDER BY l.licence_ref`,
		regionID,
	).Scan(&flagged).Error
	if err != nil {
		return nil, fmt.Errorf("list annual licences: %w", err)
	}
	return flagged, nil
}

func (f *Fetcher) markedLicences(ctx context.Context, regionID uuid.UUID, financialYearEnding int, twoPartTariff bool) ([]billrundomain.FlaggedLicence, error) {
	var flagged []billrundomain.FlaggedLicence
	err := f.db.WithContext(ctx).Raw(`
		SELECT y.id AS supplementary_year_id, l.id AS licence_id, l.licence_ref, l.holder
		FROM licence_supplementary_years y
		JOIN licences l ON l.id = y.licence_id
		WHERE l.region_id = ?
		  AND y.financial_year_ending = ?
		  AND y.two_part_tariff = ?
		  AND y.bill_run_id IS NULL
		ORDER BY l.licence_ref`,
		regionID, financialYearEnding, twoPartTariff,
	).Scan(&flagged).Error
	if err != nil {
		return nil, fmt.Errorf("list marked licences: %w", err)
	}
	return flagged, nil
}

func (f *Fetcher) LicenceData(ctx context.Context, licenceID uuid.UUID, scheme string, financialYearEnding int) (*billrundomain.LicenceData, error) {
	licence, err := f.licences.FindOne(ctx, &licencedomain.Licence{ID: licenceID})
	if err != nil {
		return nil, fmt.Errorf("load licence %s: %w", licenceID, err)
	}
	if licence == nil {
		return nil, fmt.Errorf("load licence %s: %w", licenceID, gorm.ErrRecordNotFound)
	}

	data := &billrundomain.LicenceData{Licence: *licence}

	versions, err := f.versions.Find(ctx,
		&chargedomain.ChargeVersion{LicenceID: licenceID, Scheme: scheme, Status: "current"},
		option.WithPreload("ChargeReferences", orderByID),
		option.WithPreload("ChargeReferences.ChargeElements", orderByID),
		option.WithOrder("start_date, id"),
	)
	if err != nil {
		return nil, fmt.Errorf("load charge versions for %s: %w", licence.LicenceRef, err)
	}
	data.ChargeVersions = make([]chargedomain.ChargeVersion, 0, len(versions))
	for _, version := range versions {
		data.ChargeVersions = append(data.ChargeVersions, *version)
	}

	year := units.FinancialYearRange(financialYearEnding)
	err = f.db.WithContext(ctx).
		Preload("Lines", func(tx *gorm.DB) *gorm.DB { return tx.Order("start_date") }).
		Where("licence_ref = ? AND status <> ?", licence.LicenceRef, chargedomain.ReturnStatusVoid).
		Where("start_date <= ? AND end_date >= ?", year.End, year.Start).
		Order("start_date, id").
		Find(&data.Returns).Error
	if err != nil {
		return nil, fmt.Errorf("load returns for %s: %w", licence.LicenceRef, err)
	}

	return data, nil
}

func orderByID(tx *gorm.DB) *gorm.DB { return tx.Order("id") }

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	billrundomain "github.com/wrls/tariff-engine/internal/billrun/domain"
	"github.com/wrls/tariff-engine/internal/charging"
	"github.com/wrls/tariff-engine/internal/clock"
	"github.com/wrls/tariff-engine/internal/config"
	licencedomain "github.com/wrls/tariff-engine/internal/licence/domain"
	"github.com/wrls/tariff-engine/internal/observability/metrics"
	reviewdomain "github.com/wrls/tariff-engine/internal/review/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clk      clock.Clock
	fetcher  billrundomain.Fetcher
	reviews  reviewdomain.Service
	charging charging.Client
	engine   *config.EngineConfigHolder
	metrics  *metrics.EngineMetrics

	mu      sync.Mutex
	cancels map[snowflake.ID]context.CancelFunc
}

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Fetcher  billrundomain.Fetcher
	Reviews  reviewdomain.Service
	Charging charging.Client
	Engine   *config.EngineConfigHolder
	Metrics  *metrics.EngineMetrics
}

func NewService(p ServiceParam) billrundomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("billrun.service"),
		genID:    p.GenID,
		clk:      p.Clock,
		fetcher:  p.Fetcher,
		reviews:  p.Reviews,
		charging: p.Charging,
		engine:   p.Engine,
		metrics:  p.Metrics,
		cancels:  make(map[snowflake.ID]context.CancelFunc),
	}
}

func (s *Service) Create(ctx context.Context, input billrundomain.CreateInput) (*billrundomain.BillRun, error) {
	if !input.BatchType.Valid() {
		return nil, billrundomain.ErrInvalidBatchType
	}
	if input.RegionID == uuid.Nil {
		return nil, billrundomain.ErrInvalidRegion
	}

	run := &billrundomain.BillRun{
		ID:                      s.genID.Generate(),
		RegionID:                input.RegionID,
		Scheme:                  input.Scheme,
		BatchType:               input.BatchType,
		FromFinancialYearEnding: input.FinancialYearEnding,
		ToFinancialYearEnding:   input.FinancialYearEnding,
		Status:                  billrundomain.StatusQueued,
		Source:                  "tariff-engine",
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The uniqueness check and the insert share a transaction so two
		// simultaneous creates cannot both pass the check.
		var count int64
		err := tx.Model(&billrundomain.BillRun{}).
			Where("region_id = ? AND to_financial_year_ending = ? AND batch_type = ?",
				input.RegionID, input.FinancialYearEnding, input.BatchType).
			Where("status NOT IN ?", []billrundomain.Status{billrundomain.StatusCancelled, billrundomain.StatusError}).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return billrundomain.ErrActiveRunExists
		}
		return tx.Create(run).Error
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("bill run created",
		zap.String("bill_run_id", run.ID.String()),
		zap.String("batch_type", string(run.BatchType)),
		zap.Int("financial_year_ending", run.ToFinancialYearEnding),
	)
	return run, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*billrundomain.BillRun, error) {
	var run billrundomain.BillRun
	err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, billrundomain.ErrBillRunNotFound
		}
		return nil, err
	}
	return &run, nil
}

func (s *Service) List(ctx context.Context, regionID *uuid.UUID) ([]billrundomain.BillRun, error) {
	query := s.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if regionID != nil {
		query = query.Where("region_id = ?", *regionID)
	}
	var runs []billrundomain.BillRun
	if err := query.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *Service) Process(ctx context.Context, id snowflake.ID) error {
	run, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	// Guarded flip doubles as the claim: two schedulers racing for the same
	// queued run can only both succeed if the update matched twice.
	claim := s.db.WithContext(ctx).Model(&billrundomain.BillRun{}).
		Where("id = ? AND status = ?", id, billrundomain.StatusQueued).
		Update("status", billrundomain.StatusProcessing)
	if claim.Error != nil {
		return claim.Error
	}
	if claim.RowsAffected == 0 {
		return billrundomain.ErrRunNotProcessable
	}
	s.metrics.IncBillRunStarted(string(run.BatchType))

	runCtx, cancel := context.WithCancel(ctx)
	s.registerCancel(id, cancel)
	defer s.unregisterCancel(id)

	flagged, err := s.fetcher.FlaggedLicences(runCtx, run.RegionID, run.ToFinancialYearEnding, run.BatchType)
	if err != nil {
		return s.markError(ctx, id, fmt.Errorf("list licences: %w", err))
	}

	s.log.Info("processing bill run",
		zap.String("bill_run_id", id.String()),
		zap.Int("licences", len(flagged)),
	)

	var group errgroup.Group
	group.SetLimit(s.engine.Get().Workers)
	for _, candidate := range flagged {
		if runCtx.Err() != nil {
			break
		}
		group.Go(func() error {
			s.processLicence(runCtx, run, candidate)
			return nil
		})
	}
	_ = group.Wait()

	if runCtx.Err() != nil {
		// Cancel owns the final state of a cancelled run.
		return nil
	}

	status, err := s.resolveRunStatus(ctx, id)
	if err != nil {
		return s.markError(ctx, id, err)
	}
	finished, err := s.finishRun(ctx, id, status, flagged)
	if err != nil {
		return s.markError(ctx, id, err)
	}
	if !finished {
		// A Cancel slipped in after the worker pool drained; its rollback
		// stands and the markers stay released.
		s.log.Info("bill run cancelled during processing",
			zap.String("bill_run_id", id.String()),
		)
		return nil
	}
	s.metrics.IncBillRunFinished(string(status))

	s.log.Info("bill run processed",
		zap.String("bill_run_id", id.String()),
		zap.String("status", string(status)),
	)
	return nil
}

// processLicence runs the pipeline for one licence. Failures are recorded on
// the licence's review row and never fail the run.
func (s *Service) processLicence(ctx context.Context, run *billrundomain.BillRun, flagged billrundomain.FlaggedLicence) {
	started := s.clk.Now()

	err := func() error {
		data, err := s.fetcher.LicenceData(ctx, flagged.LicenceID, run.Scheme, run.ToFinancialYearEnding)
		if err != nil {
			return err
		}
		licence, err := buildReviewLicence(s.genID, run.ID, flagged, data, run.ToFinancialYearEnding)
		if err != nil {
			return err
		}
		return s.reviews.SaveLicenceResult(ctx, licence)
	}()

	s.metrics.ObserveLicenceDuration(s.clk.Now().Sub(started))

	if err != nil {
		s.metrics.IncLicenceProcessed("error")
		s.log.Warn("licence processing failed",
			zap.String("bill_run_id", run.ID.String()),
			zap.String("licence_ref", flagged.LicenceRef),
			zap.Error(err),
		)
		if recordErr := s.reviews.RecordLicenceError(ctx, run.ID, flagged.LicenceID, flagged.LicenceRef, err.Error()); recordErr != nil {
			s.log.Error("recording licence error failed",
				zap.String("licence_ref", flagged.LicenceRef),
				zap.Error(recordErr),
			)
		}
		return
	}
	s.metrics.IncLicenceProcessed("ok")
}

func (s *Service) Cancel(ctx context.Context, id snowflake.ID) error {
	run, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	switch run.Status {
	case billrundomain.StatusSent:
		return billrundomain.ErrRunAlreadySent
	case billrundomain.StatusCancelled:
		return nil
	}

	s.fireCancel(id)

	if err := s.reviews.DeleteForBillRun(ctx, id); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := releaseMarkers(tx, id, nil); err != nil {
			return err
		}
		return tx.Model(&billrundomain.BillRun{}).
			Where("id = ?", id).
			Update("status", billrundomain.StatusCancelled).Error
	})
}

func (s *Service) RemoveLicence(ctx context.Context, id snowflake.ID, licenceID uuid.UUID) error {
	run, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.Status == billrundomain.StatusSent {
		return billrundomain.ErrRunAlreadySent
	}

	if err := s.reviews.DeleteForLicence(ctx, id, licenceID); err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return releaseMarkers(tx, id, &licenceID)
	})
	if err != nil {
		return err
	}

	// Dropping the last blocked licence can make the run ready.
	if run.Status == billrundomain.StatusReviewing {
		status, err := s.resolveRunStatus(ctx, id)
		if err != nil {
			return err
		}
		if status != run.Status {
			return s.setStatus(ctx, id, status)
		}
	}
	return nil
}

// chargeLineRow is the scan target for the amended charge values fed to the
// charging module.
type chargeLineRow struct {
	ChargeReferenceID uuid.UUID
	ChargeCategory    string
	AuthorisedVolume  decimal.Decimal
	Aggregate         decimal.Decimal
	AllocatedVolume   decimal.Decimal
}

func (s *Service) GenerateBills(ctx context.Context, id snowflake.ID) error {
	run, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.Status != billrundomain.StatusReady && run.Status != billrundomain.StatusReviewing {
		return billrundomain.ErrRunNotGeneratable
	}

	statuses, err := s.reviews.ListLicenceStatuses(ctx, id)
	if err != nil {
		return err
	}
	var blocking []string
	for _, st := range statuses {
		if st.Status != reviewdomain.StatusReady {
			blocking = append(blocking, st.LicenceRef)
		}
	}
	if len(blocking) > 0 {
		return &billrundomain.BlockingIssuesError{LicenceRefs: blocking}
	}

	if err := s.setStatus(ctx, id, billrundomain.StatusSending); err != nil {
		return err
	}

	lines, err := s.chargeLines(ctx, id)
	if err != nil {
		return s.markError(ctx, id, err)
	}

	summary, err := s.charging.GenerateTransactions(ctx, charging.GenerateRequest{
		BillRunID:           id.String(),
		RegionID:            run.RegionID,
		Scheme:              run.Scheme,
		FinancialYearEnding: run.ToFinancialYearEnding,
		Lines:               lines,
	})
	if err != nil {
		upstream := &billrundomain.UpstreamChargingError{Err: err}
		if markErr := s.markError(ctx, id, upstream); markErr != nil {
			return markErr
		}
		return upstream
	}

	err = s.db.WithContext(ctx).Model(&billrundomain.BillRun{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        billrundomain.StatusSent,
			"invoice_count": summary.InvoiceCount,
			"credit_count":  summary.CreditCount,
			"net_total":     summary.NetTotal,
		}).Error
	if err != nil {
		return err
	}
	s.metrics.IncBillRunFinished(string(billrundomain.StatusSent))

	s.log.Info("bill run sent",
		zap.String("bill_run_id", id.String()),
		zap.Int("invoices", summary.InvoiceCount),
		zap.Int("credits", summary.CreditCount),
	)
	return nil
}

func (s *Service) chargeLines(ctx context.Context, id snowflake.ID) ([]charging.ChargeLine, error) {
	var rows []chargeLineRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT r.charge_reference_id,
		       r.charge_category,
		       r.amended_authorised_volume AS authorised_volume,
		       r.amended_aggregate AS aggregate,
		       COALESCE(SUM(e.amended_allocated), 0) AS allocated_volume
		FROM review_charge_references r
		JOIN review_charge_versions v ON v.id = r.review_charge_version_id
		JOIN review_licences rl ON rl.id = v.review_licence_id
		LEFT JOIN review_charge_elements e ON e.review_charge_reference_id = r.id
		WHERE rl.bill_run_id = ?
		GROUP BY r.id, r.charge_reference_id, r.charge_category,
		         r.amended_authorised_volume, r.amended_aggregate
		ORDER BY r.id`,
		id,
	).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("collect charge lines: %w", err)
	}

	lines := make([]charging.ChargeLine, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, charging.ChargeLine{
			ChargeReferenceID: row.ChargeReferenceID,
			ChargeCategory:    row.ChargeCategory,
			AuthorisedVolume:  row.AuthorisedVolume,
			AllocatedVolume:   row.AllocatedVolume,
			Aggregate:         row.Aggregate,
		})
	}
	return lines, nil
}

func (s *Service) FlagSupplementaryYear(ctx context.Context, licenceID uuid.UUID, financialYearEnding int, twoPartTariff bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&licencedomain.LicenceSupplementaryYear{}).
			Where("licence_id = ? AND financial_year_ending = ? AND two_part_tariff = ? AND bill_run_id IS NULL",
				licenceID, financialYearEnding, twoPartTariff).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			// An identical pending marker already queues the licence.
			return nil
		}
		return tx.Create(&licencedomain.LicenceSupplementaryYear{
			ID:                  s.genID.Generate(),
			LicenceID:           licenceID,
			FinancialYearEnding: financialYearEnding,
			TwoPartTariff:       twoPartTariff,
		}).Error
	})
}

// finishRun moves a run from processing to its resolved status and consumes
// the supplementary-year markers in the same transaction. The status guard
// mirrors the queued claim: a Cancel that already took the run leaves no
// processing row to match, and then nothing is consumed either. Reports
// whether the transition happened.
func (s *Service) finishRun(ctx context.Context, id snowflake.ID, status billrundomain.Status, flagged []billrundomain.FlaggedLicence) (bool, error) {
	finished := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&billrundomain.BillRun{}).
			Where("id = ? AND status = ?", id, billrundomain.StatusProcessing).
			Update("status", status)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		finished = true
		return consumeMarkers(tx, id, flagged)
	})
	return finished, err
}

// consumeMarkers ties the supplementary-year rows that flagged the run's
// licences to the run, so a second supplementary run cannot pick them up.
func consumeMarkers(tx *gorm.DB, id snowflake.ID, flagged []billrundomain.FlaggedLicence) error {
	var markerIDs []snowflake.ID
	for _, f := range flagged {
		if f.SupplementaryYearID != nil {
			markerIDs = append(markerIDs, *f.SupplementaryYearID)
		}
	}
	if len(markerIDs) == 0 {
		return nil
	}
	err := tx.Exec("UPDATE licence_supplementary_years SET bill_run_id = ? WHERE id IN ?", id, markerIDs).Error
	if err != nil {
		return fmt.Errorf("consume supplementary years: %w", err)
	}
	return nil
}

// releaseMarkers puts supplementary-year rows back in the pending pool. With
// a licence ID only that licence's markers are released.
func releaseMarkers(tx *gorm.DB, billRunID snowflake.ID, licenceID *uuid.UUID) error {
	query := "UPDATE licence_supplementary_years SET bill_run_id = NULL WHERE bill_run_id = ?"
	args := []any{billRunID}
	if licenceID != nil {
		query += " AND licence_id = ?"
		args = append(args, *licenceID)
	}
	return tx.Exec(query, args...).Error
}

func (s *Service) resolveRunStatus(ctx context.Context, id snowflake.ID) (billrundomain.Status, error) {
	statuses, err := s.reviews.ListLicenceStatuses(ctx, id)
	if err != nil {
		return "", err
	}
	for _, st := range statuses {
		if st.Status != reviewdomain.StatusReady {
			return billrundomain.StatusReviewing, nil
		}
	}
	return billrundomain.StatusReady, nil
}

func (s *Service) setStatus(ctx context.Context, id snowflake.ID, status billrundomain.Status) error {
	result := s.db.WithContext(ctx).Model(&billrundomain.BillRun{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return billrundomain.ErrBillRunNotFound
	}
	return nil
}

func (s *Service) markError(ctx context.Context, id snowflake.ID, cause error) error {
	s.metrics.IncBillRunFinished(string(billrundomain.StatusError))
	s.log.Error("bill run failed",
		zap.String("bill_run_id", id.String()),
		zap.Error(cause),
	)
	return s.db.WithContext(ctx).Model(&billrundomain.BillRun{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        billrundomain.StatusError,
			"error_message": cause.Error(),
		}).Error
}

func (s *Service) registerCancel(id snowflake.ID, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[id] = cancel
}

func (s *Service) unregisterCancel(id snowflake.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, id)
}

func (s *Service) fireCancel(id snowflake.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
	}
}

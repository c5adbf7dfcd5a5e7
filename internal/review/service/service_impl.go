package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	billrundomain "github.com/wrls/tariff-engine/internal/billrun/domain"
	reviewdomain "github.com/wrls/tariff-engine/internal/review/domain"
	"github.com/wrls/tariff-engine/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

func NewService(p ServiceParam) reviewdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("review.service"),
		genID: p.GenID,
	}
}

func (s *Service) SaveLicenceResult(ctx context.Context, licence *reviewdomain.ReviewLicence) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Replace, not append: a retried run must not leave two sets of rows.
		if err := deleteLicenceRows(tx, licence.BillRunID, &licence.LicenceID); err != nil {
			return err
		}
		if err := tx.Create(licence).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return fmt.Errorf("concurrent review write for licence %s: %w", licence.LicenceRef, err)
			}
			return err
		}
		return nil
	})
}

func (s *Service) RecordLicenceError(ctx context.Context, billRunID snowflake.ID, licenceID uuid.UUID, licenceRef string, message string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteLicenceRows(tx, billRunID, &licenceID); err != nil {
			return err
		}
		return tx.Create(&reviewdomain.ReviewLicence{
			ID:         s.genID.Generate(),
			BillRunID:  billRunID,
			LicenceID:  licenceID,
			LicenceRef: licenceRef,
			Status:     reviewdomain.StatusError,
			Message:    message,
		}).Error
	})
}

func (s *Service) FetchLicence(ctx context.Context, billRunID snowflake.ID, licenceID uuid.UUID) (*reviewdomain.ReviewLicence, error) {
	var licence reviewdomain.ReviewLicence
	err := s.db.WithContext(ctx).
		Preload("ChargeVersions", orderByID).
		Preload("ChargeVersions.References", orderByID).
		Preload("ChargeVersions.References.Elements", orderByID).
		Preload("Returns", orderByID).
		Where("bill_run_id = ? AND licence_id = ?", billRunID, licenceID).
		First(&licence).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, reviewdomain.ErrReviewLicenceNotFound
		}
		return nil, err
	}
	return &licence, nil
}

func orderByID(db *gorm.DB) *gorm.DB { return db.Order("id") }

type returnRowScan struct {
	ReviewReturnID        snowflake.ID
	ReviewChargeElementID *snowflake.ID
	ChargeVersionID       *uuid.UUID
	ChargePeriodStart     *time.Time
	ChargePeriodEnd       *time.Time
	LicenceRef            string
	ReturnLogID           string
	ReturnStatus          string
	Quantity              decimal.Decimal
	Allocated             decimal.Decimal
	Issues                datatypes.JSON
}

func (s *Service) FetchLicenceReview(ctx context.Context, billRunID snowflake.ID, licenceID uuid.UUID) (*reviewdomain.PreparedReview, error) {
	var scans []returnRowScan
	err := s.db.WithContext(ctx).Raw(`
		SELECT rr.id AS review_return_id,
		       rr.review_charge_element_id,
		       rcv.charge_version_id,
		       rcv.charge_period_start,
		       rcv.charge_period_end,
		       rl.licence_ref,
		       rr.return_log_id,
		       rr.return_status,
		       rr.quantity,
		       rr.allocated,
		       rr.issues
		FROM review_returns rr
		JOIN review_licences rl ON rl.id = rr.review_licence_id
		LEFT JOIN review_charge_elements rce ON rce.id = rr.review_charge_element_id
		LEFT JOIN review_charge_references rcr ON rcr.id = rce.review_charge_reference_id
		LEFT JOIN review_charge_versions rcv ON rcv.id = rcr.review_charge_version_id
		WHERE rl.bill_run_id = ? AND rl.licence_id = ?
		ORDER BY rr.id`,
		billRunID, licenceID,
	).Scan(&scans).Error
	if err != nil {
		return nil, err
	}

	rows := make([]reviewdomain.ReturnRow, 0, len(scans))
	for _, scan := range scans {
		rows = append(rows, reviewdomain.ReturnRow{
			ReviewReturnID:        scan.ReviewReturnID,
			ReviewChargeElementID: scan.ReviewChargeElementID,
			ChargeVersionID:       scan.ChargeVersionID,
			ChargePeriodStart:     scan.ChargePeriodStart,
			ChargePeriodEnd:       scan.ChargePeriodEnd,
			LicenceRef:            scan.LicenceRef,
			ReturnLogID:           scan.ReturnLogID,
			ReturnStatus:          scan.ReturnStatus,
			Quantity:              scan.Quantity,
			Allocated:             scan.Allocated,
			Issues:                reviewdomain.UnmarshalIssues(scan.Issues),
		})
	}
	return Prepare(rows)
}

func (s *Service) ListLicenceStatuses(ctx context.Context, billRunID snowflake.ID) ([]reviewdomain.LicenceStatus, error) {
	var statuses []reviewdomain.LicenceStatus
	err := s.db.WithContext(ctx).Raw(`
		SELECT id AS review_licence_id, licence_id, licence_ref, status
		FROM review_licences
		WHERE bill_run_id = ?
		ORDER BY licence_ref`,
		billRunID,
	).Scan(&statuses).Error
	if err != nil {
		return nil, err
	}
	return statuses, nil
}

func (s *Service) AmendChargeReference(ctx context.Context, id snowflake.ID, input reviewdomain.AmendChargeReferenceInput) (*reviewdomain.ReviewChargeReference, error) {
	var amended *reviewdomain.ReviewChargeReference
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var reference reviewdomain.ReviewChargeReference
		if err := tx.First(&reference, "id = ?", id).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return reviewdomain.ErrReviewEntityNotFound
			}
			return err
		}

		var version reviewdomain.ReviewChargeVersion
		if err := tx.First(&version, "id = ?", reference.ReviewChargeVersionID).Error; err != nil {
			return err
		}
		if err := guardRunMutable(tx, version.ReviewLicenceID); err != nil {
			return err
		}

		if input.AmendedAggregate != nil {
			reference.AmendedAggregate = *input.AmendedAggregate
		}
		if input.AmendedAuthorisedVolume != nil {
			reference.AmendedAuthorisedVolume = *input.AmendedAuthorisedVolume
		}
		if err := tx.Save(&reference).Error; err != nil {
			return err
		}
		if err := s.refreshLicence(tx, version.ReviewLicenceID); err != nil {
			return err
		}

		amended = &reference
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("charge reference amended", zap.Int64("review_charge_reference_id", int64(id)))
	return amended, nil
}

func (s *Service) AmendChargeElement(ctx context.Context, id snowflake.ID, input reviewdomain.AmendChargeElementInput) (*reviewdomain.ReviewChargeElement, error) {
	var amended *reviewdomain.ReviewChargeElement
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var element reviewdomain.ReviewChargeElement
		if err := tx.First(&element, "id = ?", id).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return reviewdomain.ErrReviewEntityNotFound
			}
			return err
		}

		var reference reviewdomain.ReviewChargeReference
		if err := tx.First(&reference, "id = ?", element.ReviewChargeReferenceID).Error; err != nil {
			return err
		}
		var version reviewdomain.ReviewChargeVersion
		if err := tx.First(&version, "id = ?", reference.ReviewChargeVersionID).Error; err != nil {
			return err
		}
		if err := guardRunMutable(tx, version.ReviewLicenceID); err != nil {
			return err
		}

		if input.AmendedAllocated != nil {
			element.AmendedAllocated = *input.AmendedAllocated
		}
		if err := tx.Save(&element).Error; err != nil {
			return err
		}
		if err := s.refreshLicence(tx, version.ReviewLicenceID); err != nil {
			return err
		}

		amended = &element
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("charge element amended", zap.Int64("review_charge_element_id", int64(id)))
	return amended, nil
}

func (s *Service) SetProgress(ctx context.Context, reviewLicenceID snowflake.ID, progress bool) error {
	result := s.db.WithContext(ctx).Model(&reviewdomain.ReviewLicence{}).
		Where("id = ?", reviewLicenceID).
		Update("progress", progress)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return reviewdomain.ErrReviewLicenceNotFound
	}
	return nil
}

func (s *Service) DeleteForBillRun(ctx context.Context, billRunID snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteLicenceRows(tx, billRunID, nil)
	})
}

func (s *Service) DeleteForLicence(ctx context.Context, billRunID snowflake.ID, licenceID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteLicenceRows(tx, billRunID, &licenceID)
	})
}

// refreshLicence reloads the full aggregate after an amendment, re-derives
// issues against the amended values and persists whatever changed.
func (s *Service) refreshLicence(tx *gorm.DB, reviewLicenceID snowflake.ID) error {
	var licence reviewdomain.ReviewLicence
	err := tx.
		Preload("ChargeVersions", orderByID).
		Preload("ChargeVersions.References", orderByID).
		Preload("ChargeVersions.References.Elements", orderByID).
		Preload("Returns", orderByID).
		First(&licence, "id = ?", reviewLicenceID).Error
	if err != nil {
		return err
	}

	RefreshIssues(&licence)

	for _, version := range licence.ChargeVersions {
		if err := tx.Model(&reviewdomain.ReviewChargeVersion{}).Where("id = ?", version.ID).
			Update("status", version.Status).Error; err != nil {
			return err
		}
		for _, reference := range version.References {
			if err := tx.Model(&reviewdomain.ReviewChargeReference{}).Where("id = ?", reference.ID).
				Updates(map[string]any{"status": reference.Status, "issues": reference.Issues}).Error; err != nil {
				return err
			}
			for _, element := range reference.Elements {
				if err := tx.Model(&reviewdomain.ReviewChargeElement{}).Where("id = ?", element.ID).
					Updates(map[string]any{"status": element.Status, "issues": element.Issues}).Error; err != nil {
					return err
				}
			}
		}
	}
	return tx.Model(&reviewdomain.ReviewLicence{}).Where("id = ?", licence.ID).
		Updates(map[string]any{"status": licence.Status, "issues": licence.Issues}).Error
}

// guardRunMutable rejects amendments once the owning run has been sent.
func guardRunMutable(tx *gorm.DB, reviewLicenceID snowflake.ID) error {
	var status string
	err := tx.Raw(`
		SELECT br.status
		FROM bill_runs br
		JOIN review_licences rl ON rl.bill_run_id = br.id
		WHERE rl.id = ?`,
		reviewLicenceID,
	).Scan(&status).Error
	if err != nil {
		return err
	}
	if status == "" {
		return reviewdomain.ErrReviewLicenceNotFound
	}
	if billrundomain.Status(status) == billrundomain.StatusSent {
		return reviewdomain.ErrBillRunImmutable
	}
	return nil
}

// deleteLicenceRows removes the review aggregate for a whole run, or for one
// licence when licenceID is non-nil. Children first so the deletes stay valid
// under foreign keys.
func deleteLicenceRows(tx *gorm.DB, billRunID snowflake.ID, licenceID *uuid.UUID) error {
	licenceFilter := "bill_run_id = ?"
	args := []any{billRunID}
	if licenceID != nil {
		licenceFilter += " AND licence_id = ?"
		args = append(args, *licenceID)
	}
	sub := "SELECT id FROM review_licences WHERE " + licenceFilter

	statements := []string{
		`DELETE FROM review_returns WHERE review_licence_id IN (` + sub + `)`,
		`DELETE FROM review_charge_elements WHERE review_charge_reference_id IN (
			SELECT id FROM review_charge_references WHERE review_charge_version_id IN (
				SELECT id FROM review_charge_versions WHERE review_licence_id IN (` + sub + `)))`,
		`DELETE FROM review_charge_references WHERE review_charge_version_id IN (
			SELECT id FROM review_charge_versions WHERE review_licence_id IN (` + sub + `))`,
		`DELETE FROM review_charge_versions WHERE review_licence_id IN (` + sub + `)`,
		`DELETE FROM review_licences WHERE ` + licenceFilter,
	}
	for _, stmt := range statements {
		if err := tx.Exec(stmt, args...).Error; err != nil {
			return fmt.Errorf("delete review rows: %w", err)
		}
	}
	return nil
}

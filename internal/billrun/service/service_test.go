package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	billrundomain "github.com/wrls/tariff-engine/internal/billrun/domain"
	"github.com/wrls/tariff-engine/internal/charging"
	"github.com/wrls/tariff-engine/internal/clock"
	"github.com/wrls/tariff-engine/internal/config"
	licencedomain "github.com/wrls/tariff-engine/internal/licence/domain"
	"github.com/wrls/tariff-engine/internal/observability/metrics"
	reviewdomain "github.com/wrls/tariff-engine/internal/review/domain"
	reviewservice "github.com/wrls/tariff-engine/internal/review/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubFetcher struct {
	flagged []billrundomain.FlaggedLicence
	data    map[uuid.UUID]*billrundomain.LicenceData

	// When set, LicenceData waits for the channel to close before answering,
	// which lets a test hold a run mid-flight.
	gate chan struct{}
}

func (f *stubFetcher) FlaggedLicences(context.Context, uuid.UUID, int, billrundomain.BatchType) ([]billrundomain.FlaggedLicence, error) {
	return f.flagged, nil
}

func (f *stubFetcher) LicenceData(_ context.Context, licenceID uuid.UUID, _ string, _ int) (*billrundomain.LicenceData, error) {
	if f.gate != nil {
		<-f.gate
	}
	return f.data[licenceID], nil
}

type stubCharging struct {
	requests []charging.GenerateRequest
	summary  charging.TransactionSummary
	err      error
}

func (c *stubCharging) GenerateTransactions(_ context.Context, req charging.GenerateRequest) (*charging.TransactionSummary, error) {
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	summary := c.summary
	return &summary, nil
}

type testHarness struct {
	svc      billrundomain.Service
	db       *gorm.DB
	fetcher  *stubFetcher
	charging *stubCharging
	reviews  reviewdomain.Service
	node     *snowflake.Node
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&licencedomain.Licence{},
		&licencedomain.LicenceSupplementaryYear{},
		&billrundomain.BillRun{},
		&reviewdomain.ReviewLicence{},
		&reviewdomain.ReviewChargeVersion{},
		&reviewdomain.ReviewChargeReference{},
		&reviewdomain.ReviewChargeElement{},
		&reviewdomain.ReviewReturn{},
	))

	node := testNode(t)
	reviews := reviewservice.NewService(reviewservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
	})

	fetcher := &stubFetcher{data: map[uuid.UUID]*billrundomain.LicenceData{}}
	chargingClient := &stubCharging{summary: charging.TransactionSummary{InvoiceCount: 3, CreditCount: 1, NetTotal: 154321}}

	svc := NewService(ServiceParam{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clock.NewFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)),
		Fetcher:  fetcher,
		Reviews:  reviews,
		Charging: chargingClient,
		Engine:   config.NewStaticEngineConfigHolder(config.EngineConfig{Workers: 1}),
		Metrics:  metrics.New(metrics.Config{ServiceName: "test", Environment: "test"}),
	})

	return &testHarness{svc: svc, db: db, fetcher: fetcher, charging: chargingClient, reviews: reviews, node: node}
}

func (h *testHarness) addLicence(t *testing.T, ref string, cubicMetres int64) billrundomain.FlaggedLicence {
	t.Helper()
	flagged := billrundomain.FlaggedLicence{
		LicenceID:  uuid.New(),
		LicenceRef: ref,
		Holder:     ref + " Holder",
	}
	h.fetcher.flagged = append(h.fetcher.flagged, flagged)
	h.fetcher.data[flagged.LicenceID] = testLicenceData(completedReturn("v1:"+ref+":2024", ref, cubicMetres))
	return flagged
}

func (h *testHarness) addMarker(t *testing.T, flagged *billrundomain.FlaggedLicence) snowflake.ID {
	t.Helper()
	marker := licencedomain.LicenceSupplementaryYear{
		ID:                  h.node.Generate(),
		LicenceID:           flagged.LicenceID,
		FinancialYearEnding: 2025,
		TwoPartTariff:       true,
	}
	require.NoError(t, h.db.Create(&marker).Error)
	flagged.SupplementaryYearID = &marker.ID

	for i := range h.fetcher.flagged {
		if h.fetcher.flagged[i].LicenceID == flagged.LicenceID {
			h.fetcher.flagged[i].SupplementaryYearID = &marker.ID
		}
	}
	return marker.ID
}

func (h *testHarness) createRun(t *testing.T) *billrundomain.BillRun {
	t.Helper()
	run, err := h.svc.Create(context.Background(), billrundomain.CreateInput{
		RegionID:            uuid.New(),
		Scheme:              "sroc",
		BatchType:           billrundomain.BatchTypeTwoPartTariff,
		FinancialYearEnding: 2025,
	})
	require.NoError(t, err)
	return run
}

func (h *testHarness) markerBillRun(t *testing.T, markerID snowflake.ID) *snowflake.ID {
	t.Helper()
	var marker licencedomain.LicenceSupplementaryYear
	require.NoError(t, h.db.First(&marker, "id = ?", markerID).Error)
	return marker.BillRunID
}

func TestCreateRejectsSecondActiveRun(t *testing.T) {
	h := newTestHarness(t)
	regionID := uuid.New()
	input := billrundomain.CreateInput{
		RegionID:            regionID,
		Scheme:              "sroc",
		BatchType:           billrundomain.BatchTypeTwoPartTariff,
		FinancialYearEnding: 2025,
	}

	first, err := h.svc.Create(context.Background(), input)
	require.NoError(t, err)

	_, err = h.svc.Create(context.Background(), input)
	require.ErrorIs(t, err, billrundomain.ErrActiveRunExists)

	// A cancelled run stops counting against the constraint.
	require.NoError(t, h.svc.Cancel(context.Background(), first.ID))
	_, err = h.svc.Create(context.Background(), input)
	require.NoError(t, err)
}

func TestProcessCleanRunEndsReady(t *testing.T) {
	h := newTestHarness(t)
	flagged := h.addLicence(t, "01/123", 2_000_000)
	markerID := h.addMarker(t, &flagged)
	run := h.createRun(t)

	require.NoError(t, h.svc.Process(context.Background(), run.ID))

	got, err := h.svc.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, billrundomain.StatusReady, got.Status)

	statuses, err := h.reviews.ListLicenceStatuses(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	require.Equal(t, reviewdomain.StatusReady, statuses[0].Status)

	// The marker is consumed by this run.
	billRunID := h.markerBillRun(t, markerID)
	require.NotNil(t, billRunID)
	require.Equal(t, run.ID, *billRunID)

	// A second run for the year finds nothing pending.
	require.ErrorIs(t, h.svc.Process(context.Background(), run.ID), billrundomain.ErrRunNotProcessable)
}

func TestCancelReleasesMarkersAndRemovesReviewRows(t *testing.T) {
	h := newTestHarness(t)
	flagged := h.addLicence(t, "01/123", 2_000_000)
	markerID := h.addMarker(t, &flagged)
	run := h.createRun(t)
	require.NoError(t, h.svc.Process(context.Background(), run.ID))

	require.NoError(t, h.svc.Cancel(context.Background(), run.ID))

	got, err := h.svc.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, billrundomain.StatusCancelled, got.Status)

	statuses, err := h.reviews.ListLicenceStatuses(context.Background(), run.ID)
	require.NoError(t, err)
	require.Empty(t, statuses)

	var returnCount int64
	require.NoError(t, h.db.Model(&reviewdomain.ReviewReturn{}).Count(&returnCount).Error)
	require.Zero(t, returnCount)

	// The marker is pending again, ready for the next run.
	require.Nil(t, h.markerBillRun(t, markerID))
}

func TestCancelDuringProcessingLeavesRunCancelled(t *testing.T) {
	h := newTestHarness(t)
	flagged := h.addLicence(t, "01/123", 2_000_000)
	markerID := h.addMarker(t, &flagged)
	run := h.createRun(t)

	gate := make(chan struct{})
	h.fetcher.gate = gate

	done := make(chan error, 1)
	go func() { done <- h.svc.Process(context.Background(), run.ID) }()

	require.Eventually(t, func() bool {
		got, err := h.svc.Get(context.Background(), run.ID)
		return err == nil && got.Status == billrundomain.StatusProcessing
	}, time.Second, 5*time.Millisecond)

	// Cancel lands while the worker is still inside the fetcher. Once the
	// gate opens Process must not undo what Cancel decided.
	require.NoError(t, h.svc.Cancel(context.Background(), run.ID))
	close(gate)
	require.NoError(t, <-done)

	got, err := h.svc.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, billrundomain.StatusCancelled, got.Status)

	// The marker stays released and no review rows survive.
	require.Nil(t, h.markerBillRun(t, markerID))
	statuses, err := h.reviews.ListLicenceStatuses(context.Background(), run.ID)
	require.NoError(t, err)
	require.Empty(t, statuses)
}

func TestFinishRunSkipsConsumptionWhenCancelledMeanwhile(t *testing.T) {
	h := newTestHarness(t)
	flagged := h.addLicence(t, "01/123", 2_000_000)
	markerID := h.addMarker(t, &flagged)
	run := h.createRun(t)

	// The run was claimed, but a Cancel got to it before the final status
	// write. The guarded transition has no processing row to match.
	require.NoError(t, h.db.Model(&billrundomain.BillRun{}).
		Where("id = ?", run.ID).
		Update("status", billrundomain.StatusCancelled).Error)

	impl := h.svc.(*Service)
	finished, err := impl.finishRun(context.Background(), run.ID, billrundomain.StatusReady, h.fetcher.flagged)
	require.NoError(t, err)
	require.False(t, finished)

	got, err := h.svc.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, billrundomain.StatusCancelled, got.Status)
	require.Nil(t, h.markerBillRun(t, markerID))
}

func TestCancelRejectsSentRun(t *testing.T) {
	h := newTestHarness(t)
	h.addLicence(t, "01/123", 2_000_000)
	run := h.createRun(t)
	require.NoError(t, h.svc.Process(context.Background(), run.ID))
	require.NoError(t, h.svc.GenerateBills(context.Background(), run.ID))

	require.ErrorIs(t, h.svc.Cancel(context.Background(), run.ID), billrundomain.ErrRunAlreadySent)
}

func TestGenerateBillsBlockedByReviewLicences(t *testing.T) {
	h := newTestHarness(t)
	h.addLicence(t, "01/123", 2_000_000)
	// Over abstraction: 12 ML declared against 10 ML authorised.
	blocked := h.addLicence(t, "02/456", 12_000_000)
	run := h.createRun(t)
	require.NoError(t, h.svc.Process(context.Background(), run.ID))

	got, err := h.svc.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, billrundomain.StatusReviewing, got.Status)

	err = h.svc.GenerateBills(context.Background(), run.ID)
	var blocking *billrundomain.BlockingIssuesError
	require.ErrorAs(t, err, &blocking)
	require.Equal(t, []string{"02/456"}, blocking.LicenceRefs)
	require.Empty(t, h.charging.requests)

	// Removing the blocked licence unblocks generation.
	require.NoError(t, h.svc.RemoveLicence(context.Background(), run.ID, blocked.LicenceID))
	require.NoError(t, h.svc.GenerateBills(context.Background(), run.ID))

	got, err = h.svc.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, billrundomain.StatusSent, got.Status)
	require.Equal(t, 3, got.InvoiceCount)
	require.Equal(t, 1, got.CreditCount)
	require.Equal(t, int64(154321), got.NetTotal)

	require.Len(t, h.charging.requests, 1)
	require.Len(t, h.charging.requests[0].Lines, 1)
}

func TestGenerateBillsUpstreamFailureErrorsRun(t *testing.T) {
	h := newTestHarness(t)
	h.addLicence(t, "01/123", 2_000_000)
	run := h.createRun(t)
	require.NoError(t, h.svc.Process(context.Background(), run.ID))

	h.charging.err = context.DeadlineExceeded
	err := h.svc.GenerateBills(context.Background(), run.ID)
	var upstream *billrundomain.UpstreamChargingError
	require.ErrorAs(t, err, &upstream)

	got, getErr := h.svc.Get(context.Background(), run.ID)
	require.NoError(t, getErr)
	require.Equal(t, billrundomain.StatusError, got.Status)
	require.NotEmpty(t, got.ErrorMessage)

	// Review state survives for inspection.
	statuses, listErr := h.reviews.ListLicenceStatuses(context.Background(), run.ID)
	require.NoError(t, listErr)
	require.Len(t, statuses, 1)
}

func TestFlagSupplementaryYearDeduplicates(t *testing.T) {
	h := newTestHarness(t)
	licenceID := uuid.New()

	require.NoError(t, h.svc.FlagSupplementaryYear(context.Background(), licenceID, 2025, true))
	require.NoError(t, h.svc.FlagSupplementaryYear(context.Background(), licenceID, 2025, true))

	var count int64
	require.NoError(t, h.db.Model(&licencedomain.LicenceSupplementaryYear{}).
		Where("licence_id = ?", licenceID).Count(&count).Error)
	require.Equal(t, int64(1), count)

	// A different year is a separate marker.
	require.NoError(t, h.svc.FlagSupplementaryYear(context.Background(), licenceID, 2026, true))
	require.NoError(t, h.db.Model(&licencedomain.LicenceSupplementaryYear{}).
		Where("licence_id = ?", licenceID).Count(&count).Error)
	require.Equal(t, int64(2), count)
}

// Package charging is the boundary with the external rules service that
// turns reviewer-approved charge values into monetary transactions. The
// engine only ever sends the amended values; a failure here moves the whole
// bill run to error and must not corrupt computed review state.
package charging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ChargeLine is one amended charge reference submitted for pricing.
type ChargeLine struct {
	ChargeReferenceID uuid.UUID       `json:"chargeReferenceId"`
	ChargeCategory    string          `json:"chargeCategory"`
	AuthorisedVolume  decimal.Decimal `json:"authorisedVolume"`
	AllocatedVolume   decimal.Decimal `json:"allocatedVolume"`
	Aggregate         decimal.Decimal `json:"aggregate"`
}

// GenerateRequest asks the rules service to price one bill run.
type GenerateRequest struct {
	BillRunID           string       `json:"billRunId"`
	RegionID            uuid.UUID    `json:"regionId"`
	Scheme              string       `json:"scheme"`
	FinancialYearEnding int          `json:"financialYearEnding"`
	Lines               []ChargeLine `json:"lines"`
}

// TransactionSummary is what the rules service reports back once billing
// completes.
type TransactionSummary struct {
	InvoiceCount int   `json:"invoiceCount"`
	CreditCount  int   `json:"creditCount"`
	NetTotal     int64 `json:"netTotal"`
}

// Client prices a ready bill run.
type Client interface {
	GenerateTransactions(ctx context.Context, req GenerateRequest) (*TransactionSummary, error)
}

// HTTPClient calls the charging module over HTTP.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

// NewHTTPClient builds a client against the configured rules-service URL.
func NewHTTPClient(baseURL string, log *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
		log:     log.Named("charging.client"),
	}
}

func (c *HTTPClient) GenerateTransactions(ctx context.Context, req GenerateRequest) (*TransactionSummary, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode charging request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v3/bill-runs", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("charging request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Error("charging module rejected bill run",
			zap.String("bill_run_id", req.BillRunID),
			zap.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("charging module returned %d: %s", resp.StatusCode, string(payload))
	}

	var summary TransactionSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return nil, fmt.Errorf("decode charging response: %w", err)
	}
	return &summary, nil
}

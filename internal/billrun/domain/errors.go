package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrActiveRunExists is the conflict raised when a second active run is
	// requested for the same (region, year ending, batch type). Not retryable.
	ErrActiveRunExists = errors.New("active_bill_run_exists")

	ErrBillRunNotFound   = errors.New("bill_run_not_found")
	ErrInvalidBatchType  = errors.New("invalid_batch_type")
	ErrInvalidRegion     = errors.New("invalid_region")
	ErrRunAlreadySent    = errors.New("bill_run_already_sent")
	ErrRunNotProcessable = errors.New("bill_run_not_processable")
	ErrRunNotGeneratable = errors.New("bill_run_not_generatable")
)

// LicenceProcessingError marks a failure confined to one licence. The run
// records it on the licence's review row and carries on with the rest.
type LicenceProcessingError struct {
	LicenceRef string
	Err        error
}

func (e *LicenceProcessingError) Error() string {
	return fmt.Sprintf("licence %s: %v", e.LicenceRef, e.Err)
}

func (e *LicenceProcessingError) Unwrap() error { return e.Err }

// BlockingIssuesError is raised by bill generation while any licence in the
// run still needs review; it names the offending licences.
type BlockingIssuesError struct {
	LicenceRefs []string
}

func (e *BlockingIssuesError) Error() string {
	return fmt.Sprintf("bill run has licences blocking generation: %s", strings.Join(e.LicenceRefs, ", "))
}

// UpstreamChargingError wraps a failure from the external charging module.
// It transitions the whole run to error and requires operator intervention.
type UpstreamChargingError struct {
	Err error
}

func (e *UpstreamChargingError) Error() string {
	return fmt.Sprintf("charging module failed: %v", e.Err)
}

func (e *UpstreamChargingError) Unwrap() error { return e.Err }

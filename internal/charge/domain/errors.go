package domain

import "errors"

var (
	ErrMissingPurpose           = errors.New("missing_purpose_code")
	ErrMissingAbstractionPeriod = errors.New("missing_abstraction_period")
)

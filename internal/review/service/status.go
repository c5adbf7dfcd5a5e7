package service

import (
	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/wrls/tariff-engine/internal/issues"
	"github.com/wrls/tariff-engine/internal/review/domain"
)

// RecomputeStatuses re-derives every review status in the aggregate from the
// issue lists currently held on it. Status is never driven manually at these
// levels: whenever issues are (re)detected the statuses must be recomputed,
// bottom up, so element status feeds reference, reference feeds version, and
// everything feeds the licence.
//
// A licence already marked errored by a processing failure keeps that status;
// error outranks anything derivable from issues.
func RecomputeStatuses(licence *domain.ReviewLicence) {
	allReady := true

	for vi := range licence.ChargeVersions {
		version := &licence.ChargeVersions[vi]
		versionReady := true

		for ri := range version.References {
			reference := &version.References[ri]
			referenceReady := len(domain.UnmarshalIssues(reference.Issues)) == 0

			for ei := range reference.Elements {
				element := &reference.Elements[ei]
				if len(domain.UnmarshalIssues(element.Issues)) == 0 {
					element.Status = domain.StatusReady
				} else {
					element.Status = domain.StatusReview
					referenceReady = false
				}
			}

			if referenceReady {
				reference.Status = domain.StatusReady
			} else {
				reference.Status = domain.StatusReview
				versionReady = false
			}
		}

		if versionReady {
			version.Status = domain.StatusReady
		} else {
			version.Status = domain.StatusReview
			allReady = false
		}
	}

	for i := range licence.Returns {
		ret := &licence.Returns[i]
		if !ret.Matched() || len(domain.UnmarshalIssues(ret.Issues)) > 0 {
			allReady = false
		}
	}

	if licence.Status == domain.StatusError {
		return
	}
	if allReady {
		licence.Status = domain.StatusReady
	} else {
		licence.Status = domain.StatusReview
	}
}

// RefreshIssues re-derives the issue lists that depend on amendable values,
// then recomputes statuses. An amendment never clears an issue directly; the
// issue goes away only when its underlying condition no longer holds here.
//
// Return-level issues are facts about the submission (under query, outside
// period, over abstraction at allocation time) and are left as detected.
// Element and licence level issues are re-derived against the amended values.
func RefreshIssues(licence *domain.ReviewLicence) {
	matched := make(map[snowflake.ID]bool)
	for _, ret := range licence.Returns {
		if ret.ReviewChargeElementID != nil {
			matched[*ret.ReviewChargeElementID] = true
		}
	}

	seen := make(map[string]bool)
	var distinct []string
	record := func(labels []string) {
		for _, label := range labels {
			if !seen[label] {
				seen[label] = true
				distinct = append(distinct, label)
			}
		}
	}

	for _, ret := range licence.Returns {
		record(domain.UnmarshalIssues(ret.Issues))
	}

	one := decimal.NewFromInt(1)
	for vi := range licence.ChargeVersions {
		version := &licence.ChargeVersions[vi]
		for ri := range version.References {
			reference := &version.References[ri]
			aggregateIssue := !reference.AmendedAggregate.Equal(one)

			for ei := range reference.Elements {
				element := &reference.Elements[ei]
				var labels []string
				if !matched[element.ID] {
					labels = append(labels, issues.UnableToMatchReturn)
				}
				if aggregateIssue {
					labels = append(labels, issues.Aggregate)
				}
				element.Issues = domain.MarshalIssues(labels)
				record(labels)
			}
		}
	}

	if len(distinct) > 1 {
		distinct = append(distinct, issues.MultipleIssues)
	}
	licence.Issues = domain.MarshalIssues(distinct)

	RecomputeStatuses(licence)
}

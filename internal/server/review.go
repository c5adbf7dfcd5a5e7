package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	reviewdomain "github.com/wrls/tariff-engine/internal/review/domain"
)

func (s *Server) ListReviewLicences(c *gin.Context) {
	id, ok := billRunID(c)
	if !ok {
		return
	}

	statuses, err := s.reviewSvc.ListLicenceStatuses(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": statuses})
}

func (s *Server) GetLicenceReview(c *gin.Context) {
	id, ok := billRunID(c)
	if !ok {
		return
	}
	licenceID, ok := licenceID(c)
	if !ok {
		return
	}

	licence, err := s.reviewSvc.FetchLicence(c.Request.Context(), id, licenceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	prepared, err := s.reviewSvc.FetchLicenceReview(c.Request.Context(), id, licenceID)
	if err != nil {
		// Errored licences have a review row but no returns.
		if !errors.Is(err, reviewdomain.ErrNoReviewReturns) {
			AbortWithError(c, err)
			return
		}
		prepared = nil
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"licence": licence,
		"review":  prepared,
	}})
}

type amendChargeReferenceRequest struct {
	AmendedAggregate        *decimal.Decimal `json:"amendedAggregate"`
	AmendedAuthorisedVolume *decimal.Decimal `json:"amendedAuthorisedVolume"`
}

func (s *Server) AmendChargeReference(c *gin.Context) {
	id, ok := reviewEntityID(c)
	if !ok {
		return
	}

	var req amendChargeReferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}
	if req.AmendedAggregate == nil && req.AmendedAuthorisedVolume == nil {
		AbortWithError(c, newValidationError("request", "no_amendment", "no amended values supplied"))
		return
	}
	if req.AmendedAggregate != nil && req.AmendedAggregate.LessThanOrEqual(decimal.Zero) {
		AbortWithError(c, newValidationError("amendedAggregate", "invalid_value", "amended aggregate must be positive"))
		return
	}
	if req.AmendedAuthorisedVolume != nil && req.AmendedAuthorisedVolume.IsNegative() {
		AbortWithError(c, newValidationError("amendedAuthorisedVolume", "invalid_value", "amended authorised volume must not be negative"))
		return
	}

	reference, err := s.reviewSvc.AmendChargeReference(c.Request.Context(), id, reviewdomain.AmendChargeReferenceInput{
		AmendedAggregate:        req.AmendedAggregate,
		AmendedAuthorisedVolume: req.AmendedAuthorisedVolume,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": reference})
}

type amendChargeElementRequest struct {
	AmendedAllocated *decimal.Decimal `json:"amendedAllocated"`
}

func (s *Server) AmendChargeElement(c *gin.Context) {
	id, ok := reviewEntityID(c)
	if !ok {
		return
	}

	var req amendChargeElementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}
	if req.AmendedAllocated == nil {
		AbortWithError(c, newValidationError("amendedAllocated", "no_amendment", "no amended value supplied"))
		return
	}
	if req.AmendedAllocated.IsNegative() {
		AbortWithError(c, newValidationError("amendedAllocated", "invalid_value", "amended allocation must not be negative"))
		return
	}

	element, err := s.reviewSvc.AmendChargeElement(c.Request.Context(), id, reviewdomain.AmendChargeElementInput{
		AmendedAllocated: req.AmendedAllocated,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": element})
}

type setProgressRequest struct {
	Progress bool `json:"progress"`
}

func (s *Server) SetReviewProgress(c *gin.Context) {
	id, ok := reviewEntityID(c)
	if !ok {
		return
	}

	var req setProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}

	if err := s.reviewSvc.SetProgress(c.Request.Context(), id, req.Progress); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func reviewEntityID(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return 0, false
	}
	return id, true
}

package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	billrundomain "github.com/wrls/tariff-engine/internal/billrun/domain"
)

type createBillRunRequest struct {
	RegionID            string `json:"regionId"`
	Scheme              string `json:"scheme"`
	BatchType           string `json:"batchType"`
	FinancialYearEnding int    `json:"financialYearEnding"`
}

func (s *Server) CreateBillRun(c *gin.Context) {
	var req createBillRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}

	regionID, err := uuid.Parse(strings.TrimSpace(req.RegionID))
	if err != nil {
		AbortWithError(c, newValidationError("regionId", "invalid_region", "invalid region id"))
		return
	}
	if req.FinancialYearEnding <= 0 {
		AbortWithError(c, newValidationError("financialYearEnding", "invalid_year", "invalid financial year ending"))
		return
	}

	scheme := strings.TrimSpace(req.Scheme)
	if scheme == "" {
		scheme = "sroc"
	}

	run, err := s.billRunSvc.Create(c.Request.Context(), billrundomain.CreateInput{
		RegionID:            regionID,
		Scheme:              scheme,
		BatchType:           billrundomain.BatchType(strings.TrimSpace(req.BatchType)),
		FinancialYearEnding: req.FinancialYearEnding,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": run})
}

func (s *Server) ListBillRuns(c *gin.Context) {
	var regionID *uuid.UUID
	if raw := strings.TrimSpace(c.Query("regionId")); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			AbortWithError(c, newValidationError("regionId", "invalid_region", "invalid region id"))
			return
		}
		regionID = &parsed
	}

	runs, err := s.billRunSvc.List(c.Request.Context(), regionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": runs})
}

func (s *Server) GetBillRun(c *gin.Context) {
	id, ok := billRunID(c)
	if !ok {
		return
	}

	run, err := s.billRunSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": run})
}

func (s *Server) ProcessBillRun(c *gin.Context) {
	id, ok := billRunID(c)
	if !ok {
		return
	}

	if err := s.billRunSvc.Process(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	run, err := s.billRunSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": run})
}

func (s *Server) CancelBillRun(c *gin.Context) {
	id, ok := billRunID(c)
	if !ok {
		return
	}

	if err := s.billRunSvc.Cancel(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"status": "cancelled"}})
}

func (s *Server) GenerateBillRun(c *gin.Context) {
	id, ok := billRunID(c)
	if !ok {
		return
	}

	if err := s.billRunSvc.GenerateBills(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	run, err := s.billRunSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": run})
}

func (s *Server) RemoveBillRunLicence(c *gin.Context) {
	id, ok := billRunID(c)
	if !ok {
		return
	}
	licenceID, ok := licenceID(c)
	if !ok {
		return
	}

	if err := s.billRunSvc.RemoveLicence(c.Request.Context(), id, licenceID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type flagSupplementaryYearRequest struct {
	FinancialYearEnding int  `json:"financialYearEnding"`
	TwoPartTariff       bool `json:"twoPartTariff"`
}

func (s *Server) FlagSupplementaryYear(c *gin.Context) {
	licenceID, ok := licenceID(c)
	if !ok {
		return
	}

	var req flagSupplementaryYearRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}
	if req.FinancialYearEnding <= 0 {
		AbortWithError(c, newValidationError("financialYearEnding", "invalid_year", "invalid financial year ending"))
		return
	}

	err := s.billRunSvc.FlagSupplementaryYear(c.Request.Context(), licenceID, req.FinancialYearEnding, req.TwoPartTariff)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func billRunID(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid bill run id"))
		return 0, false
	}
	return id, true
}

func licenceID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(c.Param("licenceId")))
	if err != nil {
		AbortWithError(c, newValidationError("licenceId", "invalid_id", "invalid licence id"))
		return uuid.Nil, false
	}
	return id, true
}

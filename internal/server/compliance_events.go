package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/esocialgw/internal/compliance/domain"
	"github.com/smallbiznis/esocialgw/pkg/db/pagination"
)

type createComplianceEventRequest struct {
	EventType     string          `json:"event_type"`
	CompanyID     string          `json:"company_id"`
	SubjectID     string          `json:"subject_id"`
	ReferenceDate string          `json:"reference_date"`
	Payload       json.RawMessage `json:"payload"`
}

type updatePayloadRequest struct {
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) CreateComplianceEvent(c *gin.Context) {
	var req createComplianceEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.eventSvc.Create(c.Request.Context(), domain.CreateEventRequest{
		EventType:     strings.TrimSpace(req.EventType),
		CompanyID:     strings.TrimSpace(req.CompanyID),
		SubjectID:     strings.TrimSpace(req.SubjectID),
		ReferenceDate: strings.TrimSpace(req.ReferenceDate),
		Payload:       req.Payload,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetComplianceEvent(c *gin.Context) {
	resp, err := s.eventSvc.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListComplianceEvents(c *gin.Context) {
	var query struct {
		pagination.Pagination
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.eventSvc.ListByCompany(c.Request.Context(), domain.ListEventsRequest{
		CompanyID: strings.TrimSpace(c.Param("company_id")),
		PageToken: strings.TrimSpace(query.PageToken),
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Events, "page_info": pagination.PageInfo{
		NextPageToken: resp.NextPageToken,
		HasMore:       resp.HasMore,
	}})
}

func (s *Server) UpdateComplianceEventPayload(c *gin.Context) {
	var req updatePayloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.eventSvc.UpdatePayload(c.Request.Context(), strings.TrimSpace(c.Param("id")), req.Payload)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// SubmitComplianceEvent runs the pipeline synchronously. Stage failures are
// answered with the recorded outcome next to the error so callers always see
// the message and the machine-readable kind.
func (s *Server) SubmitComplianceEvent(c *gin.Context) {
	result, err := s.eventSvc.Submit(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		var pipelineErr *domain.PipelineError
		if !errors.As(err, &pipelineErr) {
			AbortWithError(c, err)
			return
		}
		_ = c.Error(err)
		c.JSON(pipelineStatus(pipelineErr), gin.H{
			"data": result,
			"error": errorPayload{
				Type:    string(pipelineErr.Kind),
				Message: result.Message,
			},
		})
		return
	}

	status := http.StatusOK
	if result.Accepted && result.Status == domain.StatusAwaitingReceipt {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"data": result})
}

func (s *Server) RequeryComplianceEvent(c *gin.Context) {
	resp, err := s.eventSvc.Requery(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": resp})
}

func (s *Server) DownloadSignedXML(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	signed, err := s.eventSvc.SignedXML(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="esocial-`+id+`.xml"`)
	c.Data(http.StatusOK, "application/xml; charset=utf-8", signed)
}

func (s *Server) DownloadReceipt(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	receipt, err := s.eventSvc.ReceiptPDF(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="receipt-`+id+`.pdf"`)
	c.Data(http.StatusOK, "application/pdf", receipt)
}

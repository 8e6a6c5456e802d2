package http

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pharmalens/backend/internal/domain"
	"github.com/pharmalens/backend/internal/platform/logger"
	"github.com/pharmalens/backend/internal/usecase"
)

const (
	serviceName    = "pharmalens-backend"
	serviceVersion = "1.0.0"
)

// RecordService is the part of the sourcing service the handlers use
type RecordService interface {
	Search(ctx context.Context, q domain.Query) (*domain.SearchResult, error)
	Known(ctx context.Context, q domain.Query) ([]domain.MergedRecord, error)
}

// BackendStatus reports the persistence backend for health checks
type BackendStatus interface {
	Backend() string
	Ping(ctx context.Context) error
}

// SearchRequest is the body of the search and discover endpoints
type SearchRequest struct {
	APIName string `json:"api_name" binding:"required"`
	Country string `json:"country"`
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	service      RecordService
	store        BackendStatus
	preprocessor *usecase.QueryPreprocessor
	log          *logger.Logger
}

// NewHandler creates a new HTTP handler. A nil service makes record
// endpoints answer 503.
func NewHandler(service RecordService, store BackendStatus, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		service:      service,
		store:        store,
		preprocessor: usecase.NewQueryPreprocessor(log),
		log:          log.With("component", "http"),
	}
}

// HealthCheck returns the health status of the API and its database
func (h *Handler) HealthCheck(c *gin.Context) {
	body := gin.H{
		"status":  "healthy",
		"service": serviceName,
		"version": serviceVersion,
	}
	if h.store == nil {
		c.JSON(http.StatusOK, body)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	body["backend"] = h.store.Backend()
	if err := h.store.Ping(ctx); err != nil {
		body["status"] = "degraded"
		body["database"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["database"] = "ok"
	c.JSON(http.StatusOK, body)
}

// ListBuyers returns the stored buyers of an API
func (h *Handler) ListBuyers(c *gin.Context) {
	h.known(c, domain.RoleBuyer)
}

// ListManufacturers returns the stored manufacturers of an API
func (h *Handler) ListManufacturers(c *gin.Context) {
	h.known(c, domain.RoleManufacturer)
}

// SearchBuyers runs the sources for finished-dosage buyers
func (h *Handler) SearchBuyers(c *gin.Context) {
	h.search(c, domain.RoleBuyer)
}

// DiscoverManufacturers runs the sources for API manufacturers
func (h *Handler) DiscoverManufacturers(c *gin.Context) {
	h.search(c, domain.RoleManufacturer)
}

func (h *Handler) known(c *gin.Context, role domain.Role) {
	if h.service == nil {
		h.notConfigured(c)
		return
	}

	q, err := h.preprocessor.Prepare(c.Query("api"), c.Query("country"), role)
	if err != nil {
		h.respondError(c, err)
		return
	}

	records, err := h.service.Known(c.Request.Context(), q)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"query":   q,
		"count":   len(records),
		"records": records,
	})
}

func (h *Handler) search(c *gin.Context, role domain.Role) {
	if h.service == nil {
		h.notConfigured(c)
		return
	}

	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body: api_name is required",
		})
		return
	}

	q, err := h.preprocessor.Prepare(req.APIName, req.Country, role)
	if err != nil {
		h.respondError(c, err)
		return
	}

	result, err := h.service.Search(c.Request.Context(), q)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ExportRecords streams the stored records of a scope as CSV
func (h *Handler) ExportRecords(c *gin.Context) {
	if h.service == nil {
		h.notConfigured(c)
		return
	}

	role, ok := domain.ParseRole(c.Query("role"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be buyer or manufacturer"})
		return
	}
	q, err := h.preprocessor.Prepare(c.Query("api"), c.Query("country"), role)
	if err != nil {
		h.respondError(c, err)
		return
	}

	records, err := h.service.Known(c.Request.Context(), q)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exportFilename(q)))
	c.Status(http.StatusOK)
	if err := writeCSV(c.Writer, records); err != nil {
		h.log.Error("csv export failed", "api", q.API, "error", err)
	}
}

var exportHeader = []string{
	"role", "company", "api", "country", "confidence", "sources",
	"product_name", "form", "strength", "usdmf", "cep",
	"verification_source", "additional_info", "url", "source_file", "updated_at",
}

func writeCSV(w io.Writer, records []domain.MergedRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, r := range records {
		a := r.Attributes
		row := []string{
			string(r.Role), r.Company, r.API, r.Country, strconv.Itoa(r.Confidence),
			strings.Join(r.SourceNames(), ";"),
			a.ProductName, a.Form, a.Strength, a.USDMF, a.CEP,
			a.VerificationSource, a.AdditionalInfo, r.URL, r.SourceFile,
			r.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func exportFilename(q domain.Query) string {
	role := string(q.Role)
	if role == "" {
		role = "records"
	}
	name := role + "_" + strings.ReplaceAll(q.API, " ", "_")
	if q.Country != "" {
		name += "_" + strings.ReplaceAll(q.Country, " ", "_")
	}
	return name + ".csv"
}

func (h *Handler) notConfigured(c *gin.Context) {
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error": "Sourcing service not configured",
	})
}

// respondError maps domain errors to status codes
func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded, try again later"})
	case errors.Is(err, domain.ErrPersistenceUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database temporarily unavailable"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Request cancelled before completion"})
	default:
		h.log.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

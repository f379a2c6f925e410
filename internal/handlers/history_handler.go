package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/models"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/search"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/service"
)

// HistoryService is the management surface the handlers drive
type HistoryService interface {
	Create(ctx context.Context, rec *models.HistoryRecord) (*models.HistoryRecord, error)
	Update(ctx context.Context, id string, rec *models.HistoryRecord) (*models.HistoryRecord, error)
	Patch(ctx context.Context, id string, p service.RecordPatch) (*models.HistoryRecord, error)
	Get(ctx context.Context, id string) (*models.HistoryRecord, error)
	List(ctx context.Context, page models.Page) (*models.RecordPage, error)
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, c search.Criteria, page models.Page) (*models.RecordPage, error)
	UserTransactions(ctx context.Context, phone string, dir search.Direction, page models.Page) (*models.RecordPage, error)
	Stats(ctx context.Context, c search.Criteria) (*search.UserStats, error)
	Reindex(ctx context.Context) (int, error)
}

// PageResponse is the JSON body of every paged listing
type PageResponse struct {
	Content       []*models.HistoryRecord `json:"content"`
	TotalElements int64                   `json:"totalElements"`
	Page          int                     `json:"page"`
	Size          int                     `json:"size"`
}

// ReindexResponse reports how many records a reindex projected
type ReindexResponse struct {
	Indexed int `json:"indexed"`
}

// HistoryHandler implements ServerInterface
type HistoryHandler struct {
	historyService HistoryService
	ready          func() bool
	log            logrus.FieldLogger
}

// NewHandler creates a new handler. ready reports whether event consumption is live.
func NewHandler(historyService HistoryService, ready func() bool, log logrus.FieldLogger) *HistoryHandler {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &HistoryHandler{
		historyService: historyService,
		ready:          ready,
		log:            log,
	}
}

// CreateHistory handles POST /api/transaction-histories
func (h *HistoryHandler) CreateHistory(w http.ResponseWriter, r *http.Request) {
	var rec models.HistoryRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Invalid request body: "+err.Error())
		return
	}

	created, err := h.historyService.Create(r.Context(), &rec)
	if err != nil {
		h.logFailure("create", err)
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Location", "/api/transaction-histories/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

// UpdateHistory handles PUT /api/transaction-histories/{id}
func (h *HistoryHandler) UpdateHistory(w http.ResponseWriter, r *http.Request, id string) {
	var rec models.HistoryRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Invalid request body: "+err.Error())
		return
	}

	updated, err := h.historyService.Update(r.Context(), id, &rec)
	if err != nil {
		h.logFailure("update", err)
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// PatchHistory handles PATCH /api/transaction-histories/{id}
func (h *HistoryHandler) PatchHistory(w http.ResponseWriter, r *http.Request, id string) {
	var patch service.RecordPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Invalid request body: "+err.Error())
		return
	}

	patched, err := h.historyService.Patch(r.Context(), id, patch)
	if err != nil {
		h.logFailure("patch", err)
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, patched)
}

// GetHistory handles GET /api/transaction-histories/{id}
func (h *HistoryHandler) GetHistory(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := h.historyService.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListHistories handles GET /api/transaction-histories
func (h *HistoryHandler) ListHistories(w http.ResponseWriter, r *http.Request, params PageParams) {
	result, err := h.historyService.List(r.Context(), params.toPage())
	if err != nil {
		h.logFailure("list", err)
		handleServiceError(w, err)
		return
	}
	writePage(w, result)
}

// DeleteHistory handles DELETE /api/transaction-histories/{id}
func (h *HistoryHandler) DeleteHistory(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.historyService.Delete(r.Context(), id); err != nil {
		h.logFailure("delete", err)
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SearchHistories handles GET /api/transaction-histories/_search
func (h *HistoryHandler) SearchHistories(w http.ResponseWriter, r *http.Request, params SearchParams) {
	criteria, err := params.toCriteria()
	if err != nil {
		handleServiceError(w, err)
		return
	}

	result, err := h.historyService.Search(r.Context(), criteria, params.toPage())
	if err != nil {
		h.logFailure("search", err)
		handleServiceError(w, err)
		return
	}
	writePage(w, result)
}

// GetUserHistories handles GET /api/transaction-histories/user/{phone}
func (h *HistoryHandler) GetUserHistories(w http.ResponseWriter, r *http.Request, phone string, params SearchParams) {
	dir, err := search.ParseDirection(deref(params.Direction))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	result, err := h.historyService.UserTransactions(r.Context(), phone, dir, params.toPage())
	if err != nil {
		h.logFailure("user transactions", err)
		handleServiceError(w, err)
		return
	}
	writePage(w, result)
}

// GetStats handles GET /api/transaction-histories/stats
func (h *HistoryHandler) GetStats(w http.ResponseWriter, r *http.Request, params SearchParams) {
	criteria, err := params.toCriteria()
	if err != nil {
		handleServiceError(w, err)
		return
	}

	stats, err := h.historyService.Stats(r.Context(), criteria)
	if err != nil {
		h.logFailure("stats", err)
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Reindex handles POST /api/admin/reindex
func (h *HistoryHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	n, err := h.historyService.Reindex(r.Context())
	if err != nil {
		h.logFailure("reindex", err)
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReindexResponse{Indexed: n})
}

// Health handles GET /health
func (h *HistoryHandler) Health(w http.ResponseWriter, r *http.Request) {
	if !h.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "DOWN"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
}

func (h *HistoryHandler) logFailure(op string, err error) {
	h.log.WithError(err).WithField("operation", op).Warn("history request failed")
}

func writePage(w http.ResponseWriter, result *models.RecordPage) {
	content := result.Records
	if content == nil {
		content = []*models.HistoryRecord{}
	}
	w.Header().Set("X-Total-Count", strconv.FormatInt(result.Total, 10))
	writeJSON(w, http.StatusOK, PageResponse{
		Content:       content,
		TotalElements: result.Total,
		Page:          result.Page.Number,
		Size:          result.Page.Size,
	})
}

func (p PageParams) toPage() models.Page {
	var page models.Page
	if p.Page != nil {
		page.Number = *p.Page
	}
	if p.Size != nil {
		page.Size = *p.Size
	}
	return page.Normalize()
}

func (p SearchParams) toCriteria() (search.Criteria, error) {
	dir, err := search.ParseDirection(deref(p.Direction))
	if err != nil {
		return search.Criteria{}, err
	}

	c := search.Criteria{
		Phone:             deref(p.Phone),
		Direction:         dir,
		SenderPhone:       deref(p.SenderPhone),
		ReceiverPhone:     deref(p.ReceiverPhone),
		UserID:            deref(p.UserId),
		TransactionID:     deref(p.TransactionId),
		CorrelationID:     deref(p.CorrelationId),
		Currency:          strings.ToUpper(deref(p.Currency)),
		MerchantCode:      deref(p.MerchantCode),
		BillReference:     deref(p.BillReference),
		BankAccountNumber: deref(p.BankAccountNumber),
		From:              p.StartDate,
		To:                p.EndDate,
		Description:       deref(p.Description),
		Text:              deref(p.Q),
	}

	if p.Type != nil {
		for _, raw := range *p.Type {
			t, err := models.ParseTransactionType(raw)
			if err != nil {
				return search.Criteria{}, fmt.Errorf("%w: %v", search.ErrInvalidCriteria, err)
			}
			c.Types = append(c.Types, t)
		}
	}
	if p.Status != nil {
		for _, raw := range *p.Status {
			s, err := models.ParseTransactionStatus(raw)
			if err != nil {
				return search.Criteria{}, fmt.Errorf("%w: %v", search.ErrInvalidCriteria, err)
			}
			c.Statuses = append(c.Statuses, s)
		}
	}

	if c.MinAmount, err = parseAmount("minAmount", p.MinAmount); err != nil {
		return search.Criteria{}, err
	}
	if c.MaxAmount, err = parseAmount("maxAmount", p.MaxAmount); err != nil {
		return search.Criteria{}, err
	}

	return c, nil
}

func parseAmount(name string, raw *string) (decimal.NullDecimal, error) {
	if raw == nil || *raw == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*raw)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("%w: %s must be a decimal, got %q", search.ErrInvalidCriteria, name, *raw)
	}
	return decimal.NewNullDecimal(d), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

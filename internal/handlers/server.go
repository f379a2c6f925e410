package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oapi-codegen/runtime"
	"github.com/sirupsen/logrus"
)

// PageParams are the paging query parameters shared by list endpoints
type PageParams struct {
	Page *int `form:"page,omitempty" json:"page,omitempty"`
	Size *int `form:"size,omitempty" json:"size,omitempty"`
}

// SearchParams are the query parameters of the search endpoint
type SearchParams struct {
	PageParams

	Phone             *string    `form:"phone,omitempty"`
	Direction         *string    `form:"direction,omitempty"`
	SenderPhone       *string    `form:"senderPhone,omitempty"`
	ReceiverPhone     *string    `form:"receiverPhone,omitempty"`
	UserId            *string    `form:"userId,omitempty"`
	TransactionId     *string    `form:"transactionId,omitempty"`
	CorrelationId     *string    `form:"correlationId,omitempty"`
	Type              *[]string  `form:"type,omitempty"`
	Status            *[]string  `form:"status,omitempty"`
	StartDate         *time.Time `form:"startDate,omitempty"`
	EndDate           *time.Time `form:"endDate,omitempty"`
	MinAmount         *string    `form:"minAmount,omitempty"`
	MaxAmount         *string    `form:"maxAmount,omitempty"`
	Currency          *string    `form:"currency,omitempty"`
	MerchantCode      *string    `form:"merchantCode,omitempty"`
	BillReference     *string    `form:"billReference,omitempty"`
	BankAccountNumber *string    `form:"bankAccountNumber,omitempty"`
	Description       *string    `form:"description,omitempty"`
	Q                 *string    `form:"q,omitempty"`
}

// ServerInterface represents all server handlers
type ServerInterface interface {
	// (POST /api/transaction-histories)
	CreateHistory(w http.ResponseWriter, r *http.Request)
	// (GET /api/transaction-histories)
	ListHistories(w http.ResponseWriter, r *http.Request, params PageParams)
	// (GET /api/transaction-histories/_search)
	SearchHistories(w http.ResponseWriter, r *http.Request, params SearchParams)
	// (GET /api/transaction-histories/stats)
	GetStats(w http.ResponseWriter, r *http.Request, params SearchParams)
	// (GET /api/transaction-histories/user/{phone})
	GetUserHistories(w http.ResponseWriter, r *http.Request, phone string, params SearchParams)
	// (GET /api/transaction-histories/{id})
	GetHistory(w http.ResponseWriter, r *http.Request, id string)
	// (PUT /api/transaction-histories/{id})
	UpdateHistory(w http.ResponseWriter, r *http.Request, id string)
	// (PATCH /api/transaction-histories/{id})
	PatchHistory(w http.ResponseWriter, r *http.Request, id string)
	// (DELETE /api/transaction-histories/{id})
	DeleteHistory(w http.ResponseWriter, r *http.Request, id string)
	// (POST /api/admin/reindex)
	Reindex(w http.ResponseWriter, r *http.Request)
	// (GET /health)
	Health(w http.ResponseWriter, r *http.Request)
}

// ServerInterfaceWrapper binds request parameters before calling the handler
type ServerInterfaceWrapper struct {
	Handler ServerInterface
}

func (siw *ServerInterfaceWrapper) bindPath(w http.ResponseWriter, r *http.Request, name string, dest *string) bool {
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), dest,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_ARGUMENT", fmt.Sprintf("Invalid format for parameter %s: %s", name, err))
		return false
	}
	return true
}

func (siw *ServerInterfaceWrapper) bindPage(w http.ResponseWriter, r *http.Request, params *PageParams) bool {
	query := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, false, "page", query, &params.Page); err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_ARGUMENT", fmt.Sprintf("Invalid format for parameter page: %s", err))
		return false
	}
	if err := runtime.BindQueryParameter("form", true, false, "size", query, &params.Size); err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_ARGUMENT", fmt.Sprintf("Invalid format for parameter size: %s", err))
		return false
	}
	return true
}

func (siw *ServerInterfaceWrapper) bindSearch(w http.ResponseWriter, r *http.Request, params *SearchParams) bool {
	if !siw.bindPage(w, r, &params.PageParams) {
		return false
	}

	query := r.URL.Query()
	bindings := []struct {
		name string
		dest any
	}{
		{"phone", &params.Phone},
		{"direction", &params.Direction},
		{"senderPhone", &params.SenderPhone},
		{"receiverPhone", &params.ReceiverPhone},
		{"userId", &params.UserId},
		{"transactionId", &params.TransactionId},
		{"correlationId", &params.CorrelationId},
		{"type", &params.Type},
		{"status", &params.Status},
		{"startDate", &params.StartDate},
		{"endDate", &params.EndDate},
		{"minAmount", &params.MinAmount},
		{"maxAmount", &params.MaxAmount},
		{"currency", &params.Currency},
		{"merchantCode", &params.MerchantCode},
		{"billReference", &params.BillReference},
		{"bankAccountNumber", &params.BankAccountNumber},
		{"description", &params.Description},
		{"q", &params.Q},
	}
	for _, b := range bindings {
		if err := runtime.BindQueryParameter("form", true, false, b.name, query, b.dest); err != nil {
			sendErrorResponse(w, http.StatusBadRequest, "INVALID_ARGUMENT", fmt.Sprintf("Invalid format for parameter %s: %s", b.name, err))
			return false
		}
	}
	return true
}

// ListHistories operation middleware
func (siw *ServerInterfaceWrapper) ListHistories(w http.ResponseWriter, r *http.Request) {
	var params PageParams
	if !siw.bindPage(w, r, &params) {
		return
	}
	siw.Handler.ListHistories(w, r, params)
}

// SearchHistories operation middleware
func (siw *ServerInterfaceWrapper) SearchHistories(w http.ResponseWriter, r *http.Request) {
	var params SearchParams
	if !siw.bindSearch(w, r, &params) {
		return
	}
	siw.Handler.SearchHistories(w, r, params)
}

// GetStats operation middleware
func (siw *ServerInterfaceWrapper) GetStats(w http.ResponseWriter, r *http.Request) {
	var params SearchParams
	if !siw.bindSearch(w, r, &params) {
		return
	}
	siw.Handler.GetStats(w, r, params)
}

// GetUserHistories operation middleware
func (siw *ServerInterfaceWrapper) GetUserHistories(w http.ResponseWriter, r *http.Request) {
	var phone string
	if !siw.bindPath(w, r, "phone", &phone) {
		return
	}
	var params SearchParams
	if !siw.bindSearch(w, r, &params) {
		return
	}
	siw.Handler.GetUserHistories(w, r, phone, params)
}

func (siw *ServerInterfaceWrapper) withID(fn func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var id string
		if !siw.bindPath(w, r, "id", &id) {
			return
		}
		fn(w, r, id)
	}
}

// Handler creates the http.Handler serving every route of si
func Handler(si ServerInterface, log logrus.FieldLogger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	wrapper := ServerInterfaceWrapper{Handler: si}

	r.Get("/health", si.Health)
	r.Post("/api/admin/reindex", si.Reindex)

	r.Route("/api/transaction-histories", func(r chi.Router) {
		r.Post("/", si.CreateHistory)
		r.Get("/", wrapper.ListHistories)
		r.Get("/_search", wrapper.SearchHistories)
		r.Get("/stats", wrapper.GetStats)
		r.Get("/user/{phone}", wrapper.GetUserHistories)
		r.Get("/{id}", wrapper.withID(si.GetHistory))
		r.Put("/{id}", wrapper.withID(si.UpdateHistory))
		r.Patch("/{id}", wrapper.withID(si.PatchHistory))
		r.Delete("/{id}", wrapper.withID(si.DeleteHistory))
	})

	return r
}

func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"duration":   time.Since(start).String(),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("http request")
		})
	}
}

package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	app "github.com/R3E-Network/contract_ledger/internal/app"
	"github.com/R3E-Network/contract_ledger/internal/app/auth"
	"github.com/R3E-Network/contract_ledger/internal/app/domain/contract"
	"github.com/R3E-Network/contract_ledger/internal/app/metrics"
	"github.com/R3E-Network/contract_ledger/internal/app/services/backup"
	"github.com/R3E-Network/contract_ledger/internal/app/services/contracts"
	svcerrors "github.com/R3E-Network/contract_ledger/internal/errors"
	"github.com/R3E-Network/contract_ledger/internal/httputil"
	"github.com/R3E-Network/contract_ledger/internal/middleware"
	"github.com/R3E-Network/contract_ledger/pkg/logger"
)

// APIPrefix is the root of every authenticated route.
const APIPrefix = "/api/v1"

// Options carries the HTTP-only collaborators of the handler.
type Options struct {
	JWTSecret      []byte
	RateLimiter    *middleware.RateLimiter
	AllowedOrigins []string
	Log            *logger.Logger
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
	log *logger.Logger
}

// NewHandler returns the router exposing the ledger REST API.
func NewHandler(application *app.Application, opts Options) http.Handler {
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("http")
	}
	h := &handler{app: application, log: log}

	r := mux.NewRouter()
	r.Use(middleware.RecoveryMiddleware(log), middleware.LoggingMiddleware(log), middleware.MetricsMiddleware())
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix(APIPrefix).Subrouter()
	api.Use(middleware.NewAuthMiddleware(opts.JWTSecret, log, nil).Handler)
	if opts.RateLimiter != nil {
		api.Use(opts.RateLimiter.Handler)
	}

	api.HandleFunc("/contracts", h.createContract).Methods(http.MethodPost)
	api.HandleFunc("/contracts", h.listContracts).Methods(http.MethodGet)
	api.HandleFunc("/contracts/dashboard", h.dashboard).Methods(http.MethodGet)
	api.HandleFunc("/contracts/expiring", h.expiring).Methods(http.MethodGet)
	api.HandleFunc("/contracts/{id}", h.getContract).Methods(http.MethodGet)
	api.HandleFunc("/contracts/{id}", h.updateContract).Methods(http.MethodPatch)
	api.HandleFunc("/contracts/{id}", h.removeContract).Methods(http.MethodDelete)
	api.HandleFunc("/contracts/{id}/status", h.updateStatus).Methods(http.MethodPatch)
	api.HandleFunc("/contracts/{id}/renew", h.renew).Methods(http.MethodPost)
	api.HandleFunc("/contracts/{id}/history", h.history).Methods(http.MethodGet)

	api.HandleFunc("/backup/export", h.export).Methods(http.MethodGet)
	api.HandleFunc("/backup/export/csv", h.exportCSV).Methods(http.MethodGet)
	api.HandleFunc("/backup/import/preview", h.importPreview).Methods(http.MethodPost)
	api.HandleFunc("/backup/import", h.importPayload).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorResponse(w, r, http.StatusNotFound, string(svcerrors.CodeNotFound), "route not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorResponse(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})

	return middleware.NewCORSMiddleware(opts.AllowedOrigins).Handler(r)
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) createContract(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var in contracts.CreateInput
	if err := httputil.DecodeJSON(w, r, &in); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	created, err := h.app.Contracts.Create(r.Context(), p, in)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	h.writeDetail(w, r, p, created.ID, http.StatusCreated)
}

func (h *handler) listContracts(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	filter, err := parseListFilter(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	page, err := h.app.Contracts.List(r.Context(), p, filter)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, page)
}

func (h *handler) dashboard(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	counts, err := h.app.Contracts.Dashboard(r.Context(), p)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, counts)
}

func (h *handler) expiring(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	days, err := queryInt(r, "days")
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	items, err := h.app.Contracts.Expiring(r.Context(), p, days)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, items)
}

func (h *handler) getContract(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	h.writeDetail(w, r, p, mux.Vars(r)["id"], http.StatusOK)
}

func (h *handler) updateContract(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var in contracts.UpdateInput
	if err := httputil.DecodeJSON(w, r, &in); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	updated, err := h.app.Contracts.Update(r.Context(), p, mux.Vars(r)["id"], in)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	h.writeDetail(w, r, p, updated.ID, http.StatusOK)
}

func (h *handler) removeContract(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if err := h.app.Contracts.Remove(r.Context(), p, mux.Vars(r)["id"]); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body struct {
		Status contract.Status `json:"status"`
	}
	if err := httputil.DecodeJSON(w, r, &body); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	updated, err := h.app.Contracts.UpdateStatus(r.Context(), p, mux.Vars(r)["id"], body.Status)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	h.writeDetail(w, r, p, updated.ID, http.StatusOK)
}

func (h *handler) renew(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	child, err := h.app.Contracts.Renew(r.Context(), p, mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	h.writeDetail(w, r, p, child.ID, http.StatusCreated)
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	timeline, err := h.app.Contracts.History(r.Context(), p, mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, timeline)
}

func (h *handler) export(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	payload, err := h.app.Backup.Export(r.Context(), p)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", attachment(payload.ExportedAt, "json"))
	httputil.WriteJSON(w, http.StatusOK, payload)
}

func (h *handler) exportCSV(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := h.app.Backup.ExportCSV(r.Context(), p, &buf); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", attachment(time.Now().UTC(), "csv"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *handler) importPreview(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var payload backup.Payload
	if err := httputil.DecodeJSON(w, r, &payload); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	preview, err := h.app.Backup.Preview(p, payload)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, preview)
}

func (h *handler) importPayload(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var payload backup.Payload
	if err := httputil.DecodeJSON(w, r, &payload); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	result, err := h.app.Backup.Import(r.Context(), p, payload)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, result)
}

// writeDetail responds with the caller's redacted view of one contract.
func (h *handler) writeDetail(w http.ResponseWriter, r *http.Request, p auth.Principal, id string, status int) {
	view, err := h.app.Contracts.Get(r.Context(), p, id)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, status, view)
}

func principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		httputil.WriteError(w, r, svcerrors.Unauthorized("authentication required"))
	}
	return p, ok
}

func parseListFilter(r *http.Request) (contract.ListFilter, error) {
	q := r.URL.Query()
	f := contract.ListFilter{
		ContractType: contract.Type(q.Get("contractType")),
		Status:       contract.Status(q.Get("status")),
		Search:       q.Get("search"),
		SortBy:       q.Get("sortBy"),
		SortOrder:    q.Get("sortOrder"),
	}
	if f.ContractType != "" && !f.ContractType.Valid() {
		return f, svcerrors.InvalidField("contractType", fmt.Sprintf("unsupported value %q", f.ContractType))
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, svcerrors.InvalidField("status", fmt.Sprintf("unsupported value %q", f.Status))
	}

	var err error
	if f.Page, err = queryInt(r, "page"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		return f, err
	}
	if f.ExpiringWithinDays, err = queryInt(r, "expiringWithinDays"); err != nil {
		return f, err
	}
	if f.StartDateFrom, err = queryDate(r, "startDateFrom"); err != nil {
		return f, err
	}
	if f.StartDateTo, err = queryDate(r, "startDateTo"); err != nil {
		return f, err
	}
	return f, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, svcerrors.InvalidField(key, "must be a non-negative integer")
	}
	return n, nil
}

func queryDate(r *http.Request, key string) (*time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	d, err := contracts.ParseDate(raw)
	if err != nil {
		return nil, svcerrors.InvalidField(key, err.Error())
	}
	return &d.Time, nil
}

func attachment(at time.Time, ext string) string {
	return fmt.Sprintf(`attachment; filename="contracts-%s.%s"`, at.UTC().Format("20060102"), ext)
}

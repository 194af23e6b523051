package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/eafonin/nessus-api-sub002/internal/domain"
	"github.com/eafonin/nessus-api-sub002/internal/postgres"
	"github.com/eafonin/nessus-api-sub002/internal/report"
)

// REST exposes the gateway service over HTTP.
type REST struct {
	svc    *Service
	logger *slog.Logger
}

// NewREST creates the HTTP handler set.
func NewREST(svc *Service, logger *slog.Logger) *REST {
	return &REST{svc: svc, logger: logger}
}

// Routes mounts every endpoint on the router.
func (h *REST) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/scans", h.Submit)
		r.Get("/scans", h.ListTasks)
		r.Get("/scans/{id}", h.GetTask)
		r.Get("/scans/{id}/results", h.GetResults)
		r.Get("/pools", h.ListPools)
		r.Get("/pools/{pool}/instances", h.ListInstances)
		r.Get("/dlq", h.ListDLQ)
		r.Get("/dlq/{id}", h.InspectDLQ)
		r.Post("/dlq/{id}/retry", h.RetryDLQ)
		r.Delete("/dlq", h.PurgeDLQ)
	})
}

// Submit handles POST /api/v1/scans.
func (h *REST) Submit(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("gateway").Start(r.Context(), "gateway.submit_scan")
	defer span.End()

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// Idempotency key may also travel as a header.
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	span.SetAttributes(attribute.String("scan.kind", string(req.Kind)))

	res, err := h.svc.Submit(ctx, req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	span.SetAttributes(attribute.String("task.id", res.TaskID))

	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// GetTask handles GET /api/v1/scans/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	// Secrets never leave the service.
	if task.Credentials != nil {
		task.Credentials = &domain.CredentialEnvelope{
			Method:    task.Credentials.Method,
			Principal: task.Credentials.Principal,
		}
	}
	writeJSON(w, http.StatusOK, task)
}

// ListTasks handles GET /api/v1/scans.
func (h *REST) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	tasks, err := h.svc.ListTasks(r.Context(), postgres.TaskFilter{
		State: domain.State(q.Get("state")),
		Pool:  q.Get("pool"),
		Kind:  domain.ScanKind(q.Get("kind")),
		Limit: limit,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// reserved query keys on the results endpoint; everything else is a filter.
var reservedResultParams = map[string]bool{
	"profile": true, "fields": true, "page": true, "page_size": true,
}

// GetResults handles GET /api/v1/scans/{id}/results, streaming the chunk
// sequence as NDJSON.
func (h *REST) GetResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := ResultQuery{Profile: q.Get("profile")}
	if f := q.Get("fields"); f != "" {
		query.Fields = strings.Split(f, ",")
	}
	query.Page, _ = strconv.Atoi(q.Get("page"))
	query.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	filters := make(report.Filters)
	for key, vals := range q {
		if reservedResultParams[key] || len(vals) == 0 {
			continue
		}
		filters[key] = vals[0]
	}
	if len(filters) > 0 {
		query.Filters = filters
	}

	chunks, err := h.svc.GetResults(r.Context(), chi.URLParam(r, "id"), query)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	for _, c := range chunks {
		if err := enc.Encode(c); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// ListPools handles GET /api/v1/pools.
func (h *REST) ListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.svc.ListPools(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": pools})
}

// ListInstances handles GET /api/v1/pools/{pool}/instances.
func (h *REST) ListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := h.svc.ListInstances(r.Context(), chi.URLParam(r, "pool"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": instances})
}

// ListDLQ handles GET /api/v1/dlq.
func (h *REST) ListDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	entries, err := h.svc.ListDLQ(r.Context(), q.Get("pool"), limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// InspectDLQ handles GET /api/v1/dlq/{id}.
func (h *REST) InspectDLQ(w http.ResponseWriter, r *http.Request) {
	entry, task, err := h.svc.InspectDLQ(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": entry, "task": task})
}

// RetryDLQ handles POST /api/v1/dlq/{id}/retry.
func (h *REST) RetryDLQ(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.RetryDLQ(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// PurgeDLQ handles DELETE /api/v1/dlq.
func (h *REST) PurgeDLQ(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.PurgeDLQ(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz — verifies the queue is reachable.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := h.svc.queue.Len(r.Context(), ""); err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue not ready")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// writeServiceError maps domain errors onto HTTP status codes.
func (h *REST) writeServiceError(w http.ResponseWriter, err error) {
	var (
		validation *domain.ValidationError
		notFound   *domain.TaskNotFoundError
		conflict   *domain.ConflictError
		noCapacity *domain.NoCapacityError
		transition *domain.StateTransitionError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, notFound.Error())
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":            conflict.Error(),
			"existing_task_id": conflict.ExistingTaskID,
		})
	case errors.As(err, &transition):
		writeError(w, http.StatusConflict, transition.Error())
	case errors.As(err, &noCapacity):
		writeError(w, http.StatusServiceUnavailable, noCapacity.Error())
	default:
		h.logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

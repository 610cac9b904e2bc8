// Package handler содержит HTTP-обработчики API сервиса заданий обработки изображений.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/imagejobs/internal/billing"
	"github.com/mmeshcher/imagejobs/internal/ledger"
	"github.com/mmeshcher/imagejobs/internal/middleware"
	"github.com/mmeshcher/imagejobs/internal/model"
	"github.com/mmeshcher/imagejobs/internal/origin"
	"github.com/mmeshcher/imagejobs/internal/provider"
	"github.com/mmeshcher/imagejobs/internal/ratelimit"
	"github.com/mmeshcher/imagejobs/internal/reconciler"
	"github.com/mmeshcher/imagejobs/internal/repository"
	"github.com/mmeshcher/imagejobs/internal/resilient"
	"github.com/mmeshcher/imagejobs/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	SubmitJob(ctx context.Context, identity model.Identity, jobType model.JobType, req service.SubmitRequest) (*model.Job, error)
	QueryStatus(ctx context.Context, identity model.Identity, jobID string) (reconciler.Outcome, error)
	QueryStatusByExternalID(ctx context.Context, identity model.Identity, jobType model.JobType, externalID string) (reconciler.Outcome, error)
	ListJobs(ctx context.Context, identity model.Identity, limit int) ([]model.Job, error)
	Cleanup(ctx context.Context, identity model.Identity, jobType *model.JobType, threshold time.Duration) (int64, error)
	Balance(ctx context.Context, identity model.Identity) (*model.Balance, error)
	CreateUpload(ctx context.Context, identity model.Identity) (string, string, error)
	OpenCheckout(ctx context.Context, identity model.Identity) (string, error)
}

// Config содержит зависимости HTTP-слоя помимо сервиса.
type Config struct {
	Identity *middleware.IdentityMiddleware
	Guard    *origin.Guard
	Limiter  ratelimit.Limiter
	Quotas   ratelimit.Quotas
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service  Service
	logger   *zap.Logger
	identity *middleware.IdentityMiddleware
	guard    *origin.Guard
	limiter  ratelimit.Limiter
	quotas   ratelimit.Quotas
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, cfg Config) *Handler {
	if cfg.Identity == nil {
		cfg.Identity = middleware.NewIdentityMiddleware("")
	}
	if cfg.Guard == nil {
		cfg.Guard = origin.NewGuard(nil)
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.NewMemory()
	}
	if cfg.Quotas == nil {
		cfg.Quotas = ratelimit.DefaultQuotas()
	}
	return &Handler{
		service:  s,
		logger:   logger,
		identity: cfg.Identity,
		guard:    cfg.Guard,
		limiter:  cfg.Limiter,
		quotas:   cfg.Quotas,
	}
}

type submitResponse struct {
	JobID         string `json:"job_id"`
	ExternalJobID string `json:"external_job_id"`
	Status        string `json:"status"`
}

// SubmitJob принимает задание обработки от пользователя или анонимного клиента.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, middleware.ReasonUnauthorized, "identity required")
		return
	}

	jobType, err := model.ParseJobType(chi.URLParam(r, "jobType"))
	if err != nil {
		middleware.WriteError(w, http.StatusNotFound, middleware.ReasonInvalidRequest, err.Error())
		return
	}

	var req service.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, middleware.ReasonInvalidRequest, "malformed json body")
		return
	}

	job, err := h.service.SubmitJob(r.Context(), identity, jobType, req)
	if err != nil {
		h.writeError(w, err, "submit job", zap.String("identity", identity.Key()), zap.String("job_type", string(jobType)))
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:         job.ID,
		ExternalJobID: job.ExternalJobID,
		Status:        string(job.Status),
	})
}

type jobResponse struct {
	JobID             string          `json:"job_id"`
	JobType           string          `json:"job_type"`
	ExternalJobID     string          `json:"external_job_id"`
	Status            string          `json:"status"`
	ResultURL         *string         `json:"result_url"`
	Error             string          `json:"error,omitempty"`
	ExternalStatusRaw json.RawMessage `json:"external_status_raw,omitempty"`
	CreatedAt         string          `json:"created_at"`
	CompletedAt       *string         `json:"completed_at,omitempty"`
}

func toJobResponse(j *model.Job, raw json.RawMessage) jobResponse {
	resp := jobResponse{
		JobID:             j.ID,
		JobType:           string(j.Type),
		ExternalJobID:     j.ExternalJobID,
		Status:            string(j.Status),
		ResultURL:         j.ResultURL,
		Error:             j.ErrorMessage,
		ExternalStatusRaw: raw,
		CreatedAt:         j.CreatedAt.Format(time.RFC3339),
	}
	if j.CompletedAt != nil {
		s := j.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &s
	}
	return resp
}

// GetJob сверяет задание с обработчиком и возвращает его статус.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())
	jobID := chi.URLParam(r, "jobID")

	out, err := h.service.QueryStatus(r.Context(), identity, jobID)
	h.writeOutcome(w, out, err, zap.String("job_id", jobID), zap.String("identity", identity.Key()))
}

// GetJobByExternalID сверяет задание, найденное по идентификатору обработчика.
func (h *Handler) GetJobByExternalID(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())

	jobType, err := model.ParseJobType(chi.URLParam(r, "jobType"))
	if err != nil {
		middleware.WriteError(w, http.StatusNotFound, middleware.ReasonJobNotFound, err.Error())
		return
	}
	externalID := chi.URLParam(r, "externalID")

	out, err := h.service.QueryStatusByExternalID(r.Context(), identity, jobType, externalID)
	h.writeOutcome(w, out, err, zap.String("external_job_id", externalID), zap.String("identity", identity.Key()))
}

func (h *Handler) writeOutcome(w http.ResponseWriter, out reconciler.Outcome, err error, fields ...zap.Field) {
	if err != nil {
		h.writeError(w, err, "query status", fields...)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(out.Job, out.Raw))
}

// ListJobs возвращает последние задания текущей идентичности.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())

	jobs, err := h.service.ListJobs(r.Context(), identity, service.DefaultListLimit)
	if err != nil {
		h.writeError(w, err, "list jobs", zap.String("identity", identity.Key()))
		return
	}

	if len(jobs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, toJobResponse(&jobs[i], nil))
	}
	writeJSON(w, http.StatusOK, resp)
}

type cleanupRequest struct {
	JobType   string `json:"job_type,omitempty"`
	Threshold string `json:"threshold,omitempty"`
}

type cleanupResponse struct {
	FailedCount int64 `json:"failed_count"`
}

// Cleanup переводит зависшие задания текущей идентичности в failed.
// Порог задаётся длительностью Go ("10m"), по умолчанию используется настроенный.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())

	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		middleware.WriteError(w, http.StatusBadRequest, middleware.ReasonInvalidRequest, "malformed json body")
		return
	}

	var jobType *model.JobType
	if req.JobType != "" {
		t, err := model.ParseJobType(req.JobType)
		if err != nil {
			middleware.WriteError(w, http.StatusUnprocessableEntity, middleware.ReasonInvalidRequest, err.Error())
			return
		}
		jobType = &t
	}

	var threshold time.Duration
	if req.Threshold != "" {
		d, err := time.ParseDuration(req.Threshold)
		if err != nil {
			middleware.WriteError(w, http.StatusUnprocessableEntity, middleware.ReasonInvalidRequest, "threshold must be a duration like 10m")
			return
		}
		threshold = d
	}

	n, err := h.service.Cleanup(r.Context(), identity, jobType, threshold)
	if err != nil {
		h.writeError(w, err, "cleanup", zap.String("identity", identity.Key()))
		return
	}
	writeJSON(w, http.StatusOK, cleanupResponse{FailedCount: n})
}

// GetCredits возвращает кредитный баланс текущей идентичности.
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())

	balance, err := h.service.Balance(r.Context(), identity)
	if err != nil {
		h.writeError(w, err, "get balance", zap.String("identity", identity.Key()))
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

type uploadResponse struct {
	Key       string `json:"key"`
	UploadURL string `json:"upload_url"`
}

// CreateUpload выдаёт подписанную ссылку для загрузки исходного изображения.
func (h *Handler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())

	key, url, err := h.service.CreateUpload(r.Context(), identity)
	if err != nil {
		h.writeError(w, err, "create upload", zap.String("identity", identity.Key()))
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{Key: key, UploadURL: url})
}

type checkoutResponse struct {
	URL string `json:"url"`
}

// Checkout возвращает ссылку на портал или страницу оплаты.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())

	url, err := h.service.OpenCheckout(r.Context(), identity)
	if err != nil {
		h.writeError(w, err, "open checkout", zap.String("identity", identity.Key()))
		return
	}
	writeJSON(w, http.StatusOK, checkoutResponse{URL: url})
}

// Healthz сообщает, что процесс жив.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError переводит доменную ошибку в HTTP-ответ. Неизвестные ошибки логируются и отдаются как 500.
func (h *Handler) writeError(w http.ResponseWriter, err error, op string, fields ...zap.Field) {
	var (
		timeout   *resilient.TimeoutError
		exhausted *resilient.RetryExhaustedError
		status    *provider.StatusError
		strategy  *billing.StrategyError
	)

	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		middleware.WriteError(w, http.StatusUnprocessableEntity, middleware.ReasonInvalidRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientCredit):
		middleware.WriteError(w, http.StatusPaymentRequired, middleware.ReasonInsufficientCredit, "not enough credits")
	case errors.Is(err, ledger.ErrNotProvisioned):
		middleware.WriteError(w, http.StatusPaymentRequired, middleware.ReasonInsufficientCredit, "no credit account for user")
	case errors.Is(err, repository.ErrJobNotFound):
		middleware.WriteError(w, http.StatusNotFound, middleware.ReasonJobNotFound, "job not found")
	case errors.Is(err, provider.ErrProviderMapping):
		h.logger.Warn(op+" error", append(fields, zap.Error(err))...)
		middleware.WriteError(w, http.StatusBadGateway, middleware.ReasonProviderMapping, "unexpected provider response")
	case errors.Is(err, provider.ErrProviderBusy),
		errors.As(err, &timeout),
		errors.As(err, &exhausted),
		errors.As(err, &status):
		h.logger.Warn(op+" error", append(fields, zap.Error(err))...)
		middleware.WriteError(w, http.StatusServiceUnavailable, middleware.ReasonProviderUnreachable, "provider unavailable, retry later")
	case errors.Is(err, billing.ErrAnonymous):
		middleware.WriteError(w, http.StatusUnauthorized, middleware.ReasonUnauthorized, err.Error())
	case errors.Is(err, service.ErrUploadsDisabled), errors.Is(err, service.ErrBillingDisabled):
		middleware.WriteError(w, http.StatusServiceUnavailable, middleware.ReasonUnavailable, err.Error())
	case errors.As(err, &strategy), errors.Is(err, billing.ErrNoStrategies):
		h.logger.Warn(op+" error", append(fields, zap.Error(err))...)
		middleware.WriteError(w, http.StatusServiceUnavailable, middleware.ReasonUnavailable, "billing unavailable, retry later")
	default:
		h.logger.Error(op+" error", append(fields, zap.Error(err))...)
		middleware.WriteError(w, http.StatusInternalServerError, middleware.ReasonInternal, http.StatusText(http.StatusInternalServerError))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

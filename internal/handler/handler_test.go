package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

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

const testOrigin = "https://app.example"

type stubService struct {
	submitJob *model.Job
	submitErr error
	submitReq service.SubmitRequest

	outcome  reconciler.Outcome
	queryErr error

	jobs    []model.Job
	listErr error

	cleanupCount     int64
	cleanupErr       error
	cleanupThreshold time.Duration
	cleanupType      *model.JobType

	balance    *model.Balance
	balanceErr error

	uploadKey string
	uploadURL string
	uploadErr error

	checkoutURL string
	checkoutErr error

	identity model.Identity
}

func (s *stubService) SubmitJob(ctx context.Context, identity model.Identity, jobType model.JobType, req service.SubmitRequest) (*model.Job, error) {
	s.identity = identity
	s.submitReq = req
	return s.submitJob, s.submitErr
}

func (s *stubService) QueryStatus(ctx context.Context, identity model.Identity, jobID string) (reconciler.Outcome, error) {
	s.identity = identity
	return s.outcome, s.queryErr
}

func (s *stubService) QueryStatusByExternalID(ctx context.Context, identity model.Identity, jobType model.JobType, externalID string) (reconciler.Outcome, error) {
	s.identity = identity
	return s.outcome, s.queryErr
}

func (s *stubService) ListJobs(ctx context.Context, identity model.Identity, limit int) ([]model.Job, error) {
	return s.jobs, s.listErr
}

func (s *stubService) Cleanup(ctx context.Context, identity model.Identity, jobType *model.JobType, threshold time.Duration) (int64, error) {
	s.cleanupType = jobType
	s.cleanupThreshold = threshold
	return s.cleanupCount, s.cleanupErr
}

func (s *stubService) Balance(ctx context.Context, identity model.Identity) (*model.Balance, error) {
	return s.balance, s.balanceErr
}

func (s *stubService) CreateUpload(ctx context.Context, identity model.Identity) (string, string, error) {
	return s.uploadKey, s.uploadURL, s.uploadErr
}

func (s *stubService) OpenCheckout(ctx context.Context, identity model.Identity) (string, error) {
	return s.checkoutURL, s.checkoutErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	return NewHandler(svc, logger, Config{
		Identity: middleware.NewIdentityMiddleware("test-secret"),
		Guard:    origin.NewGuard([]string{testOrigin}),
		Limiter:  ratelimit.NewMemory(),
	})
}

func doRequest(t *testing.T, h *Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("X-Fingerprint", "fp123")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) middleware.ErrorBody {
	t.Helper()
	var body middleware.ErrorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestSubmitJob_Accepted(t *testing.T) {
	svc := &stubService{
		submitJob: &model.Job{ID: "j1", ExternalJobID: "abc", Status: model.JobStatusPending},
	}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodPost, "/api/jobs/bg_removal",
		service.SubmitRequest{ImageURL: "https://img.example/in.png"}, nil)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	var resp submitResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.JobID != "j1" || resp.ExternalJobID != "abc" || resp.Status != "pending" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if svc.identity != model.FingerprintIdentity("fp123") {
		t.Fatalf("identity = %v, want fp:fp123", svc.identity)
	}
	if svc.submitReq.ImageURL != "https://img.example/in.png" {
		t.Fatalf("image url = %q", svc.submitReq.ImageURL)
	}
}

func TestSubmitJob_UnknownType(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := doRequest(t, h, http.MethodPost, "/api/jobs/sharpen",
		service.SubmitRequest{ImageURL: "https://img.example/in.png"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestSubmitJob_OriginRejected(t *testing.T) {
	svc := &stubService{submitJob: &model.Job{ID: "j1"}}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodPost, "/api/jobs/upscale",
		service.SubmitRequest{ImageURL: "https://img.example/in.png"},
		map[string]string{"Origin": "https://evil.example"})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if body := decodeError(t, rec); body.Error != middleware.ReasonOriginRejected {
		t.Fatalf("reason = %q", body.Error)
	}
	if svc.identity != (model.Identity{}) {
		t.Fatal("service must not be called for rejected origin")
	}
}

func TestSubmitJob_Unauthenticated(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := doRequest(t, h, http.MethodPost, "/api/jobs/upscale",
		service.SubmitRequest{ImageURL: "https://img.example/in.png"},
		map[string]string{"X-Fingerprint": ""})

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestSubmitJob_RateLimited(t *testing.T) {
	svc := &stubService{submitJob: &model.Job{ID: "j1", Status: model.JobStatusPending}}
	h := newTestHandler(t, svc)
	h.quotas = ratelimit.Quotas{
		ratelimit.ClassProcessAnonymous: {Max: 1, Window: time.Hour},
		ratelimit.ClassStatusPoll:       {Max: 100, Window: time.Minute},
	}

	body := service.SubmitRequest{ImageURL: "https://img.example/in.png"}
	if rec := doRequest(t, h, http.MethodPost, "/api/jobs/upscale", body, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("first status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	rec := doRequest(t, h, http.MethodPost, "/api/jobs/upscale", body, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}
	if body := decodeError(t, rec); body.Error != middleware.ReasonRateLimited {
		t.Fatalf("reason = %q", body.Error)
	}

	other := doRequest(t, h, http.MethodPost, "/api/jobs/upscale", body, map[string]string{"X-Fingerprint": "fp456"})
	if other.Code != http.StatusAccepted {
		t.Fatalf("other fingerprint status = %d, want %d", other.Code, http.StatusAccepted)
	}
}

func TestAccountRoutes_SeparateQuota(t *testing.T) {
	svc := &stubService{
		submitJob:    &model.Job{ID: "j1", Status: model.JobStatusPending},
		cleanupCount: 1,
		uploadKey:    "uploads/k",
		uploadURL:    "https://s3/put",
	}
	h := newTestHandler(t, svc)
	h.quotas = ratelimit.Quotas{
		ratelimit.ClassProcessAnonymous: {Max: 1, Window: time.Hour},
		ratelimit.ClassAccount:          {Max: 2, Window: time.Hour},
	}

	body := service.SubmitRequest{ImageURL: "https://img.example/in.png"}
	if rec := doRequest(t, h, http.MethodPost, "/api/jobs/upscale", body, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	if rec := doRequest(t, h, http.MethodPost, "/api/jobs/cleanup", cleanupRequest{Threshold: "15m"}, nil); rec.Code != http.StatusOK {
		t.Fatalf("cleanup status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec := doRequest(t, h, http.MethodPost, "/api/uploads", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec := doRequest(t, h, http.MethodPost, "/api/uploads", nil, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third account call status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantReason string
	}{
		{"insufficient credit", ledger.ErrInsufficientCredit, http.StatusPaymentRequired, middleware.ReasonInsufficientCredit},
		{"not provisioned", ledger.ErrNotProvisioned, http.StatusPaymentRequired, middleware.ReasonInsufficientCredit},
		{"invalid", fmt.Errorf("%w: bad url", service.ErrInvalidRequest), http.StatusUnprocessableEntity, middleware.ReasonInvalidRequest},
		{"timeout", fmt.Errorf("submit job: %w", &resilient.TimeoutError{Timeout: time.Second}), http.StatusServiceUnavailable, middleware.ReasonProviderUnreachable},
		{"exhausted", &resilient.RetryExhaustedError{Attempts: 3, Err: errors.New("refused")}, http.StatusServiceUnavailable, middleware.ReasonProviderUnreachable},
		{"provider status", &provider.StatusError{Code: http.StatusBadGateway}, http.StatusServiceUnavailable, middleware.ReasonProviderUnreachable},
		{"busy", &provider.BusyError{RetryAfter: time.Second}, http.StatusServiceUnavailable, middleware.ReasonProviderUnreachable},
		{"uploads disabled", service.ErrUploadsDisabled, http.StatusServiceUnavailable, middleware.ReasonUnavailable},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError, middleware.ReasonInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{submitErr: tt.err})

			rec := doRequest(t, h, http.MethodPost, "/api/jobs/upscale",
				service.SubmitRequest{ImageURL: "https://img.example/in.png"}, nil)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if body := decodeError(t, rec); body.Error != tt.wantReason {
				t.Fatalf("reason = %q, want %q", body.Error, tt.wantReason)
			}
		})
	}
}

func TestGetJob(t *testing.T) {
	result := "https://cdn/x.png"
	svc := &stubService{
		outcome: reconciler.Outcome{
			Job: &model.Job{ID: "j1", Type: model.JobTypeBackgroundRemoval, Status: model.JobStatusCompleted, ResultURL: &result},
			Raw: json.RawMessage(`{"status":"ready"}`),
		},
	}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodGet, "/api/jobs/j1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp struct {
		Status            string          `json:"status"`
		ResultURL         *string         `json:"result_url"`
		ExternalStatusRaw json.RawMessage `json:"external_status_raw"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "completed" || resp.ResultURL == nil || *resp.ResultURL != result {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if string(resp.ExternalStatusRaw) != `{"status":"ready"}` {
		t.Fatalf("raw = %s", resp.ExternalStatusRaw)
	}
}

func TestGetJob_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantReason string
	}{
		{"not found", repository.ErrJobNotFound, http.StatusNotFound, middleware.ReasonJobNotFound},
		{"mapping", fmt.Errorf("%w: ready without url", provider.ErrProviderMapping), http.StatusBadGateway, middleware.ReasonProviderMapping},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{queryErr: tt.err})

			rec := doRequest(t, h, http.MethodGet, "/api/jobs/bg_removal/abc", nil, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if body := decodeError(t, rec); body.Error != tt.wantReason {
				t.Fatalf("reason = %q, want %q", body.Error, tt.wantReason)
			}
		})
	}
}

func TestListJobs_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{jobs: []model.Job{}})

	rec := doRequest(t, h, http.MethodGet, "/api/jobs", nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestListJobs_JSONResponse(t *testing.T) {
	svc := &stubService{jobs: []model.Job{
		{ID: "j1", Status: model.JobStatusPending, CreatedAt: time.Now().UTC()},
		{ID: "j2", Status: model.JobStatusFailed, ErrorMessage: "boom", CreatedAt: time.Now().UTC()},
	}}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodGet, "/api/jobs", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var resp []jobResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 2 || resp[1].Error != "boom" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCleanup(t *testing.T) {
	svc := &stubService{cleanupCount: 2}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodPost, "/api/jobs/cleanup",
		cleanupRequest{JobType: "upscale", Threshold: "15m"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp cleanupResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.FailedCount != 2 {
		t.Fatalf("failed_count = %d, want 2", resp.FailedCount)
	}
	if svc.cleanupThreshold != 15*time.Minute {
		t.Fatalf("threshold = %v, want 15m", svc.cleanupThreshold)
	}
	if svc.cleanupType == nil || *svc.cleanupType != model.JobTypeUpscale {
		t.Fatalf("job type = %v, want upscale", svc.cleanupType)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/jobs/cleanup", cleanupRequest{Threshold: "soon"}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad threshold status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
}

func TestGetCredits(t *testing.T) {
	h := newTestHandler(t, &stubService{balance: &model.Balance{Credits: 2}})

	rec := doRequest(t, h, http.MethodGet, "/api/credits", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp model.Balance
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Credits != 2 {
		t.Fatalf("credits = %d, want 2", resp.Credits)
	}
}

func TestCreateUpload(t *testing.T) {
	h := newTestHandler(t, &stubService{uploadKey: "uploads/fingerprint/ab/k", uploadURL: "https://s3/put"})

	rec := doRequest(t, h, http.MethodPost, "/api/uploads", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp uploadResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Key != "uploads/fingerprint/ab/k" || resp.UploadURL != "https://s3/put" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCheckout(t *testing.T) {
	svc := &stubService{checkoutURL: "https://pay/u1"}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodPost, "/api/billing/checkout", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	token, err := h.identity.IssueToken("u1", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rec = doRequest(t, h, http.MethodPost, "/api/billing/checkout", nil,
		map[string]string{"Authorization": "Bearer " + token})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp checkoutResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.URL != "https://pay/u1" {
		t.Fatalf("url = %q", resp.URL)
	}

	svc.checkoutErr = errors.Join(&billing.StrategyError{Strategy: "portal", Err: billing.ErrNoCustomer}, errors.New("down"))
	rec = doRequest(t, h, http.MethodPost, "/api/billing/checkout", nil,
		map[string]string{"Authorization": "Bearer " + token})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("failed chain status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if body := decodeError(t, rec); body.Error != middleware.ReasonUnavailable {
		t.Fatalf("failed chain reason = %q, want %q", body.Error, middleware.ReasonUnavailable)
	}

	svc.checkoutErr = fmt.Errorf("open checkout: %w", billing.ErrNoStrategies)
	rec = doRequest(t, h, http.MethodPost, "/api/billing/checkout", nil,
		map[string]string{"Authorization": "Bearer " + token})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("empty chain status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

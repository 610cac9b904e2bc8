// Package provider предоставляет клиент внешнего обработчика изображений.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mmeshcher/imagejobs/internal/model"
	"github.com/mmeshcher/imagejobs/internal/resilient"
)

const maxBodySize = 1 << 20

// ErrProviderBusy возвращается, когда обработчик ответил 429.
var ErrProviderBusy = errors.New("provider is busy")

// BusyError несёт задержку из заголовка Retry-After.
type BusyError struct {
	RetryAfter time.Duration
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("provider is busy, retry after %s", e.RetryAfter)
}

func (e *BusyError) Is(target error) bool {
	return target == ErrProviderBusy
}

// StatusError возвращается при неожиданном HTTP-статусе ответа.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected provider status: %d", e.Code)
}

// Client инкапсулирует HTTP-взаимодействие с обработчиком.
type Client struct {
	baseURL string
	apiKey  string
	caller  *resilient.Caller
	limiter *rate.Limiter
	schemas readySchemas
	submit  resilient.Options
	logger  *zap.Logger
}

// Config задаёт параметры клиента.
type Config struct {
	BaseURL string
	APIKey  string
	// RPS ограничивает частоту исходящих запросов; 0 снимает ограничение.
	RPS float64
	// Имя пресета вызова для отправки заданий, по умолчанию long.
	SubmitPreset string
}

// NewClient создаёт клиент обработчика.
func NewClient(cfg Config, caller *resilient.Caller, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("provider address is empty")
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := int(cfg.RPS)
	if burst < 1 {
		burst = 1
	}

	schemas, err := compileReadySchemas()
	if err != nil {
		return nil, err
	}

	submit := resilient.Long
	if cfg.SubmitPreset != "" {
		submit = resilient.Preset(cfg.SubmitPreset)
	}

	return &Client{
		baseURL: base,
		apiKey:  cfg.APIKey,
		caller:  caller,
		limiter: rate.NewLimiter(limit, burst),
		schemas: schemas,
		submit:  submit,
		logger:  logger,
	}, nil
}

type submitRequest struct {
	ImageURL string `json:"image_url"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

// Submit отправляет задание обработчику и возвращает внешний идентификатор.
func (c *Client) Submit(ctx context.Context, jobType model.JobType, imageURL string) (string, error) {
	body, err := json.Marshal(submitRequest{ImageURL: imageURL})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/%s", c.baseURL, jobType)
	respBody, err := c.do(ctx, http.MethodPost, endpoint, body, c.submit)
	if err != nil {
		return "", err
	}

	var out submitResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("%w: decode submit response: %v", ErrProviderMapping, err)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("%w: submit response has no job_id", ErrProviderMapping)
	}
	return out.JobID, nil
}

// Status запрашивает статус задания. Ответ со статусом ready проверяется схемой типа задания.
func (c *Client) Status(ctx context.Context, jobType model.JobType, externalID string, preset resilient.Options) (*StatusResponse, error) {
	endpoint := fmt.Sprintf("%s/v1/%s/%s", c.baseURL, jobType, url.PathEscape(externalID))
	body, err := c.do(ctx, http.MethodGet, endpoint, nil, preset)
	if err != nil {
		return nil, err
	}

	resp, err := ParseStatusResponse(body)
	if err != nil {
		return nil, err
	}
	if resp.Code.Ready() {
		if err := c.schemas.validateReady(jobType, body); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, preset resilient.Options) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for provider slot: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	opts := preset
	opts.OnRetry = func(retry int, err error) {
		c.logger.Warn("retrying provider request",
			zap.String("method", method),
			zap.String("url", endpoint),
			zap.Int("retry", retry),
			zap.Error(err),
		)
	}

	resp, err := c.caller.WithOptions(opts).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, &BusyError{RetryAfter: retryAfter}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	return respBody, nil
}

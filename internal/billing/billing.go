// Package billing открывает страницу оплаты у внешнего биллинга с упорядоченным откатом между стратегиями.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/imagejobs/internal/model"
	"github.com/mmeshcher/imagejobs/internal/resilient"
)

var (
	// ErrNoCustomer возвращается, если у биллинга нет клиента для идентичности.
	ErrNoCustomer = errors.New("billing customer not found")
	// ErrAnonymous возвращается для анонимных идентичностей: оплата доступна только пользователям.
	ErrAnonymous = errors.New("checkout requires a registered user")
	// ErrNoStrategies возвращается для пустой цепочки.
	ErrNoStrategies = errors.New("no billing strategies configured")
)

// Strategy открывает сессию оплаты и возвращает ссылку на неё.
type Strategy interface {
	Name() string
	Open(ctx context.Context, identity model.Identity) (string, error)
}

// StrategyError связывает ошибку со стратегией, которая её вернула.
type StrategyError struct {
	Strategy string
	Err      error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Strategy, e.Err)
}

func (e *StrategyError) Unwrap() error {
	return e.Err
}

// Chain перебирает стратегии в объявленном порядке.
type Chain struct {
	strategies []Strategy
	logger     *zap.Logger
}

// NewChain создаёт цепочку стратегий.
func NewChain(logger *zap.Logger, strategies ...Strategy) *Chain {
	return &Chain{strategies: strategies, logger: logger}
}

// Open возвращает ссылку первой успешной стратегии. Если не сработала ни одна,
// возвращаются все ошибки, объединённые errors.Join.
func (c *Chain) Open(ctx context.Context, identity model.Identity) (string, error) {
	if identity.Anonymous() {
		return "", ErrAnonymous
	}
	if len(c.strategies) == 0 {
		return "", ErrNoStrategies
	}

	var errs []error
	for _, s := range c.strategies {
		url, err := s.Open(ctx, identity)
		if err == nil {
			return url, nil
		}

		errs = append(errs, &StrategyError{Strategy: s.Name(), Err: err})
		if ctx.Err() != nil {
			break
		}

		c.logger.Warn("billing strategy failed, trying fallback",
			zap.String("strategy", s.Name()),
			zap.String("identity", identity.Key()),
			zap.Error(err),
		)
	}
	return "", errors.Join(errs...)
}

// HTTPStrategy запрашивает сессию у биллинга по HTTP.
type HTTPStrategy struct {
	name      string
	url       string
	apiKey    string
	caller    *resilient.Caller
	returnURL string
}

// NewPortalStrategy открывает портал существующего клиента.
func NewPortalStrategy(baseURL, apiKey, returnURL string, caller *resilient.Caller) *HTTPStrategy {
	return newHTTPStrategy("customer_portal", baseURL, "/v1/portal-sessions", apiKey, returnURL, caller)
}

// NewCheckoutStrategy создаёт новую сессию оформления покупки.
func NewCheckoutStrategy(baseURL, apiKey, returnURL string, caller *resilient.Caller) *HTTPStrategy {
	return newHTTPStrategy("checkout_session", baseURL, "/v1/checkout-sessions", apiKey, returnURL, caller)
}

func newHTTPStrategy(name, baseURL, path, apiKey, returnURL string, caller *resilient.Caller) *HTTPStrategy {
	base := strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &HTTPStrategy{
		name:      name,
		url:       base + path,
		apiKey:    apiKey,
		caller:    caller.WithOptions(resilient.Critical),
		returnURL: returnURL,
	}
}

func (s *HTTPStrategy) Name() string {
	return s.name
}

type sessionRequest struct {
	CustomerID string `json:"customer_id"`
	ReturnURL  string `json:"return_url,omitempty"`
}

type sessionResponse struct {
	URL string `json:"url"`
}

func (s *HTTPStrategy) Open(ctx context.Context, identity model.Identity) (string, error) {
	body, err := json.Marshal(sessionRequest{CustomerID: identity.ID, ReturnURL: s.returnURL})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.caller.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", ErrNoCustomer
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("unexpected billing status: %d", resp.StatusCode)
	}

	var out sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.URL == "" {
		return "", errors.New("billing response has no url")
	}
	return out.URL, nil
}

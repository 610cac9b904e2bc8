// Package resilient реализует исходящий HTTP-вызов с таймаутом попытки и ограниченным числом повторов.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Options задаёт параметры вызова.
type Options struct {
	// Timeout ограничивает одну попытку, включая чтение заголовков ответа.
	Timeout time.Duration
	// Число повторов после первой попытки.
	MaxRetries int
	// RetryDelay умножается на номер неудачной попытки.
	RetryDelay time.Duration
	// OnRetry вызывается перед каждым повтором.
	OnRetry func(retry int, err error)
}

// Пресеты для разных классов операций.
var (
	Fast     = Options{Timeout: 10 * time.Second, MaxRetries: 1, RetryDelay: time.Second}
	Standard = Options{Timeout: 30 * time.Second, MaxRetries: 2, RetryDelay: time.Second}
	Long     = Options{Timeout: 60 * time.Second, MaxRetries: 2, RetryDelay: time.Second}
	Critical = Options{Timeout: 5 * time.Second, MaxRetries: 0, RetryDelay: time.Second}
)

// Preset возвращает пресет по имени; пустое или неизвестное имя даёт Standard.
func Preset(name string) Options {
	switch name {
	case "fast":
		return Fast
	case "long":
		return Long
	case "critical":
		return Critical
	default:
		return Standard
	}
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = Standard.Timeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = Standard.RetryDelay
	}
	return o
}

// TimeoutError возвращается, когда попытка не уложилась в Timeout.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out after %s", e.URL, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// RetryExhaustedError возвращается, когда все попытки завершились транспортной ошибкой.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// Caller выполняет HTTP-запросы с повторами. Безопасен для конкурентного использования.
type Caller struct {
	opts       Options
	httpClient *http.Client
}

// New создаёт вызывающего с указанными параметрами.
func New(opts Options) *Caller {
	opts = opts.withDefaults()
	return &Caller{
		opts: opts,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
	}
}

// WithOptions возвращает копию вызывающего с другими параметрами и общим пулом соединений.
func (c *Caller) WithOptions(opts Options) *Caller {
	opts = opts.withDefaults()
	hc := *c.httpClient
	hc.Timeout = opts.Timeout
	return &Caller{opts: opts, httpClient: &hc}
}

// Options возвращает действующие параметры.
func (c *Caller) Options() Options {
	return c.opts
}

// Do выполняет запрос. Любой HTTP-ответ, включая не-2xx, возвращается как успешный;
// повторяются только транспортные ошибки и таймауты.
func (c *Caller) Do(req *http.Request) (*http.Response, error) {
	rreq, err := retryablehttp.FromRequest(req)
	if err != nil {
		return nil, fmt.Errorf("prepare request: %w", err)
	}

	target := req.URL.Redacted()
	var lastErr error

	rc := &retryablehttp.Client{
		HTTPClient:   c.httpClient,
		RetryMax:     c.opts.MaxRetries,
		RetryWaitMin: c.opts.RetryDelay,
		RetryWaitMax: c.opts.RetryDelay * time.Duration(c.opts.MaxRetries+1),
		CheckRetry: func(ctx context.Context, _ *http.Response, err error) (bool, error) {
			// Отмена вызывающим не повторяется.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			if err == nil {
				return false, nil
			}
			lastErr = c.classify(target, err)
			return true, nil
		},
		Backoff: func(delay, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
			return delay * time.Duration(attemptNum+1)
		},
		RequestLogHook: func(_ retryablehttp.Logger, _ *http.Request, retry int) {
			if retry > 0 && c.opts.OnRetry != nil {
				c.opts.OnRetry(retry, lastErr)
			}
		},
		ErrorHandler: func(resp *http.Response, err error, attempts int) (*http.Response, error) {
			if resp != nil {
				resp.Body.Close()
			}
			if ctxErr := req.Context().Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, &RetryExhaustedError{Attempts: attempts, Err: c.classify(target, err)}
		},
	}

	return rc.Do(rreq)
}

func (c *Caller) classify(target string, err error) error {
	var te *TimeoutError
	if errors.As(err, &te) {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{URL: target, Timeout: c.opts.Timeout, Err: err}
	}
	return err
}

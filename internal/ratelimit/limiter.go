// Package ratelimit реализует допуск запросов по фиксированному окну для каждой идентичности.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrRateLimited описывает отказ лимитера на уровне API.
var ErrRateLimited = errors.New("rate limit exceeded")

// Quota задаёт число запросов, допустимых в одном окне.
type Quota struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// Result описывает решение лимитера.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter возвращает время до сброса окна относительно now.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Limiter проверяет допуск запроса. Сам лимитер не возвращает ошибок: отказ выражается Allowed=false.
type Limiter interface {
	Check(ctx context.Context, key string, q Quota) Result
}

// Class обозначает класс операции со своей квотой.
type Class string

const (
	ClassProcessAuthenticated Class = "process_authenticated"
	ClassProcessAnonymous     Class = "process_anonymous"
	ClassCheckout             Class = "checkout"
	ClassStatusPoll           Class = "status_poll"
	// ClassAccount покрывает служебные операции со счётом: очистку заданий и загрузки.
	ClassAccount Class = "account"
)

// Quotas содержит квоты по классам операций.
type Quotas map[Class]Quota

// DefaultQuotas возвращает квоты по умолчанию. Анонимные отпечатки ограничиваются строже.
func DefaultQuotas() Quotas {
	return Quotas{
		ClassProcessAuthenticated: {Max: 20, Window: time.Hour},
		ClassProcessAnonymous:     {Max: 5, Window: time.Hour},
		ClassCheckout:             {Max: 10, Window: time.Hour},
		ClassStatusPoll:           {Max: 120, Window: time.Minute},
		ClassAccount:              {Max: 30, Window: time.Hour},
	}
}

// For возвращает квоту класса; для неизвестного класса используется самая строгая квота обработки.
func (q Quotas) For(c Class) Quota {
	if v, ok := q[c]; ok && v.Max > 0 && v.Window > 0 {
		return v
	}
	return DefaultQuotas()[ClassProcessAnonymous]
}

// Key строит ключ лимитера из класса операции и ключа идентичности.
func Key(c Class, identityKey string) string {
	return string(c) + "|" + identityKey
}

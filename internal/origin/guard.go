// Package origin проверяет, что изменяющие состояние запросы пришли с разрешённого источника.
package origin

import (
	"net/http"
	"strings"
)

// Причины отказа.
const (
	ReasonMissing    = "missing origin and referer"
	ReasonNotAllowed = "origin not allowed"
)

// Result описывает решение проверки.
type Result struct {
	Valid bool
	// Skipped выставляется для запросов, не меняющих состояние: они не проверяются.
	Skipped bool
	Origin  string
	Reason  string
}

// Guard хранит список разрешённых источников.
type Guard struct {
	allowed []string
}

// NewGuard создаёт проверку с указанными источниками. Пустые значения и завершающий слэш отбрасываются.
func NewGuard(allowed []string) *Guard {
	g := &Guard{}
	for _, a := range allowed {
		a = strings.TrimRight(strings.TrimSpace(a), "/")
		if a != "" {
			g.allowed = append(g.allowed, a)
		}
	}
	return g
}

// Allowed возвращает список разрешённых источников.
func (g *Guard) Allowed() []string {
	return append([]string(nil), g.allowed...)
}

// Verify проверяет запрос. Без Origin и Referer изменяющий запрос отклоняется.
func (g *Guard) Verify(r *http.Request) Result {
	if safeMethod(r.Method) {
		return Result{Valid: true, Skipped: true}
	}

	value := r.Header.Get("Origin")
	if value == "" {
		value = r.Header.Get("Referer")
	}
	if value == "" {
		return Result{Valid: false, Reason: ReasonMissing}
	}

	for _, a := range g.allowed {
		if matches(value, a) {
			return Result{Valid: true, Origin: value}
		}
	}

	return Result{Valid: false, Origin: value, Reason: ReasonNotAllowed}
}

// matches сравнивает по префиксу, но не пропускает https://app.example.com.evil.net
// для разрешённого https://app.example.com.
func matches(value, allowed string) bool {
	if !strings.HasPrefix(value, allowed) {
		return false
	}
	rest := value[len(allowed):]
	return rest == "" || rest[0] == '/' || rest[0] == '?' || rest[0] == '#'
}

func safeMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

package middleware

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/mmeshcher/imagejobs/internal/model"
	"github.com/mmeshcher/imagejobs/internal/ratelimit"
)

// ClassFunc выбирает класс квоты по идентичности.
type ClassFunc func(identity model.Identity) ratelimit.Class

// ProcessClass выбирает строгую квоту для анонимных отпечатков и обычную для пользователей.
func ProcessClass(identity model.Identity) ratelimit.Class {
	if identity.Anonymous() {
		return ratelimit.ClassProcessAnonymous
	}
	return ratelimit.ClassProcessAuthenticated
}

// FixedClass возвращает ClassFunc с одним классом.
func FixedClass(c ratelimit.Class) ClassFunc {
	return func(model.Identity) ratelimit.Class { return c }
}

// RateLimit допускает запрос по квоте класса. Ключом служит идентичность из контекста,
// при её отсутствии IP-адрес клиента.
func RateLimit(limiter ratelimit.Limiter, quotas ratelimit.Quotas, classify ClassFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				key   string
				class ratelimit.Class
			)
			if identity, ok := IdentityFromContext(r.Context()); ok {
				class = classify(identity)
				key = identity.Key()
			} else {
				class = classify(model.Identity{})
				key = "ip:" + clientIP(r)
			}

			q := quotas.For(class)
			res := limiter.Check(r.Context(), ratelimit.Key(class, key), q)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(q.Max))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				retryAfter := res.RetryAfter(time.Now())
				seconds := int((retryAfter + time.Second - 1) / time.Second)
				if seconds < 1 {
					seconds = 1
				}
				h.Set("Retry-After", strconv.Itoa(seconds))
				WriteError(w, http.StatusTooManyRequests, ReasonRateLimited,
					ratelimit.ErrRateLimited.Error()+", retry in "+strconv.Itoa(seconds)+"s")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

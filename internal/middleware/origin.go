package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/imagejobs/internal/origin"
)

// Origin отклоняет изменяющие запросы с чужим или отсутствующим источником до вызова обработчика.
func Origin(guard *origin.Guard, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := guard.Verify(r)
			if res.Skipped || res.Valid {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("origin rejected",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("origin", res.Origin),
				zap.String("reason", res.Reason),
				zap.String("remote_addr", r.RemoteAddr),
			)
			WriteError(w, http.StatusForbidden, ReasonOriginRejected, res.Reason)
		})
	}
}

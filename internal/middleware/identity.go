package middleware

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mmeshcher/imagejobs/internal/model"
	"github.com/mmeshcher/imagejobs/internal/validation"
)

type contextKey string

const identityKey contextKey = "identity"

const (
	authCookieName    = "auth_token"
	fingerprintHeader = "X-Fingerprint"
)

var errInvalidToken = errors.New("invalid token")

// IdentityMiddleware определяет идентичность запроса: пользователь по JWT
// (заголовок Authorization или cookie), иначе анонимный отпечаток клиента.
type IdentityMiddleware struct {
	secretKey []byte
}

// NewIdentityMiddleware создаёт middleware с ключом подписи HS256.
func NewIdentityMiddleware(secret string) *IdentityMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &IdentityMiddleware{
		secretKey: key,
	}
}

// Middleware добавляет идентичность в контекст запроса или отвечает 401.
func (m *IdentityMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := m.resolve(r)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, ReasonUnauthorized, err.Error())
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func (m *IdentityMiddleware) resolve(r *http.Request) (model.Identity, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return model.Identity{}, errInvalidToken
		}
		return m.parseToken(strings.TrimSpace(token))
	}

	if cookie, err := r.Cookie(authCookieName); err == nil && cookie.Value != "" {
		return m.parseToken(cookie.Value)
	}

	if fp := r.Header.Get(fingerprintHeader); fp != "" {
		if !validation.IsValidFingerprint(fp) {
			return model.Identity{}, errors.New("invalid fingerprint")
		}
		return model.FingerprintIdentity(fp), nil
	}

	return model.Identity{}, errors.New("authentication or fingerprint required")
}

// IssueToken подписывает токен пользователя.
func (m *IdentityMiddleware) IssueToken(userID string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	})
	return token.SignedString(m.secretKey)
}

func (m *IdentityMiddleware) parseToken(tokenString string) (model.Identity, error) {
	claims := &jwt.RegisteredClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid || claims.Subject == "" {
		return model.Identity{}, errInvalidToken
	}

	return model.UserIdentity(claims.Subject), nil
}

// WithIdentity кладёт идентичность в контекст.
func WithIdentity(ctx context.Context, identity model.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext извлекает идентичность из контекста запроса.
func IdentityFromContext(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(identityKey).(model.Identity)
	return id, ok
}

// RequireUser пропускает только зарегистрированных пользователей.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok || identity.Anonymous() {
			WriteError(w, http.StatusUnauthorized, ReasonUnauthorized, "registered user required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

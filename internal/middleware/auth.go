// Package middleware содержит HTTP middleware сервиса счетов.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/mmeshcher/petmarket-invoicing/internal/apperror"
	"github.com/mmeshcher/petmarket-invoicing/internal/model"
)

type contextKey string

const identityKey contextKey = "identity"

const (
	authCookieName = "auth_token"
	authCookieTTL  = 12 * time.Hour
	bearerPrefix   = "Bearer "
)

// AuthMiddleware проверяет подписанный токен сотрудника магазина.
// Токен имеет вид <shopRef>.<staffRef>.<hex(hmac-sha256)> и приходит в cookie или в заголовке Authorization.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
// Пустой секрет заменяется случайным: такие токены живут до перезапуска процесса.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic("middleware: cannot generate auth secret: " + err.Error())
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет токен и добавляет Identity в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			writeUnauthorized(w, "missing auth token")
			return
		}

		identity, ok := a.Parse(token)
		if !ok {
			writeUnauthorized(w, "invalid auth token")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
	}
	if cookie, err := r.Cookie(authCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(apperror.NewUnauthorized(message))
}

// SetAuthCookie устанавливает cookie авторизации для сотрудника магазина.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, identity model.Identity) {
	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    a.Sign(identity),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

// Sign выпускает токен для сотрудника магазина.
func (a *AuthMiddleware) Sign(identity model.Identity) string {
	payload := identity.ShopRef + "." + identity.StaffRef
	return payload + "." + a.signature(payload)
}

// Parse проверяет подпись токена и возвращает Identity.
func (a *AuthMiddleware) Parse(token string) (model.Identity, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return model.Identity{}, false
	}

	expected := a.signature(parts[0] + "." + parts[1])
	if !hmac.Equal([]byte(parts[2]), []byte(expected)) {
		return model.Identity{}, false
	}

	return model.Identity{ShopRef: parts[0], StaffRef: parts[1]}, true
}

func (a *AuthMiddleware) signature(payload string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// GetIdentityFromContext извлекает Identity из контекста запроса.
func GetIdentityFromContext(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(identityKey).(model.Identity)
	return id, ok
}

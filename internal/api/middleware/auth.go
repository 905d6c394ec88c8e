// auth.go — JWT middleware Upload Module.
// Проверяет подпись токена через JWKS и помещает subject в контекст:
// subject является владельцем загрузок. Анонимные запросы не принимаются.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/arturkryukov/artstore/upload-module/internal/api/errors"
)

// contextKey — тип для ключей контекста.
type contextKey string

// ContextKeyClaims — claims запроса в контексте.
const ContextKeyClaims contextKey = "jwt_claims"

// tokenQueryParam — параметр с токеном для websocket-подключений
// (браузер не передаёт Authorization при upgrade).
const tokenQueryParam = "access_token"

// AuthClaims — claims, извлечённые из JWT.
type AuthClaims struct {
	// Subject — sub из JWT, владелец загрузок
	Subject string
	// PreferredUsername — preferred_username из JWT
	PreferredUsername string
	// ClientID — client_id для сервисных аккаунтов
	ClientID string
}

// tokenClaims — raw claims JWT.
type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
	ClientID          string `json:"client_id,omitempty"`
}

// JWTAuth — middleware JWT-аутентификации.
type JWTAuth struct {
	keyfunc jwt.Keyfunc
	issuer  string
	leeway  time.Duration
	logger  *slog.Logger
}

// NewJWTAuth создаёт JWT middleware с ключами из JWKS.
// Ключи обновляются в фоне; недоступный при старте JWKS не является ошибкой.
func NewJWTAuth(
	jwksURL string,
	caCertPath string,
	issuer string,
	refreshInterval time.Duration,
	leeway time.Duration,
	logger *slog.Logger,
) (*JWTAuth, error) {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	if caCertPath != "" {
		var err error
		httpClient, err = HTTPClientWithCA(caCertPath, 10*time.Second)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", caCertPath, err)
		}
	}

	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           refreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", jwksURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}
	return NewJWTAuthWithKeyfunc(k.Keyfunc, issuer, leeway, logger), nil
}

// NewJWTAuthWithKeyfunc создаёт middleware с заданной функцией выбора ключа.
func NewJWTAuthWithKeyfunc(kf jwt.Keyfunc, issuer string, leeway time.Duration, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		keyfunc: kf,
		issuer:  issuer,
		leeway:  leeway,
		logger:  logger.With(slog.String("component", "jwt_auth")),
	}
}

// HTTPClientWithCA создаёт HTTP-клиент с дополнительным CA-сертификатом.
func HTTPClientWithCA(caCertPath string, timeout time.Duration) (*http.Client, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, err
	}

	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("в %s нет PEM-сертификатов", caCertPath)
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
		},
	}, nil
}

// Middleware возвращает HTTP middleware: Bearer token → проверка подписи
// (RS256), exp обязателен, sub обязателен → AuthClaims в контексте.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, msg := bearerToken(r)
			if msg != "" {
				apierrors.Unauthorized(w, msg)
				return
			}

			raw := &tokenClaims{}
			opts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.leeway),
			}
			if j.issuer != "" {
				opts = append(opts, jwt.WithIssuer(j.issuer))
			}

			token, err := jwt.ParseWithClaims(tokenString, raw, j.keyfunc, opts...)
			if err != nil || !token.Valid {
				if err != nil {
					j.logger.Debug("JWT валидация не пройдена",
						slog.String("error", err.Error()),
						slog.String("remote_addr", r.RemoteAddr),
					)
				}
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			if raw.Subject == "" {
				apierrors.Unauthorized(w, "Отсутствует sub в токене")
				return
			}

			claims := &AuthClaims{
				Subject:           raw.Subject,
				PreferredUsername: raw.PreferredUsername,
				ClientID:          raw.ClientID,
			}
			ctx := context.WithValue(r.Context(), ContextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken извлекает токен из Authorization или, для websocket upgrade,
// из параметра access_token. Вторым значением возвращается причина отказа.
func bearerToken(r *http.Request) (string, string) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			if t := r.URL.Query().Get(tokenQueryParam); t != "" {
				return t, ""
			}
		}
		return "", "Отсутствует заголовок Authorization"
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", "Неверный формат Authorization: ожидается Bearer <token>"
	}
	if parts[1] == "" {
		return "", "Пустой Bearer token"
	}
	return parts[1], ""
}

// ClaimsFromContext извлекает AuthClaims из контекста (nil, если их нет).
func ClaimsFromContext(ctx context.Context) *AuthClaims {
	claims, _ := ctx.Value(ContextKeyClaims).(*AuthClaims)
	return claims
}

// SubjectFromContext возвращает sub из контекста ("" без аутентификации).
func SubjectFromContext(ctx context.Context) string {
	if claims := ClaimsFromContext(ctx); claims != nil {
		return claims.Subject
	}
	return ""
}

// WithSubject возвращает контекст с заданным subject.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ContextKeyClaims, &AuthClaims{Subject: subject})
}

package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type contextKey string

// ClientKey holds the issuer of the authenticated CDS client.
const ClientKey contextKey = "cds_client"

// Claims are the claims a CDS client puts in its bearer token.
type Claims struct {
	jwt.RegisteredClaims
	Tenant string `json:"tenant,omitempty"`
}

type JWTConfig struct {
	// SigningKey is the shared HS256 secret agreed with CDS clients.
	SigningKey []byte
	Issuer     string
	Audience   string
	Replay     *ReplayCache
	Skipper    func(echo.Context) bool
	Logger     zerolog.Logger
}

// JWTMiddleware authenticates CDS clients. Tokens must be HS256 signed,
// carry exp and jti, and match the configured issuer and audience when set.
// A jti is accepted once while its token is valid.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			tokenStr, ok := bearerToken(c.Request())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or malformed bearer token")
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(tokenStr, claims, keyFunc)
			if err != nil || !token.Valid {
				cfg.Logger.Warn().Err(err).Str("request_id", requestID(c)).Msg("cds client token rejected")
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.ID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no jti")
			}
			if cfg.Replay != nil {
				if err := cfg.Replay.Record(claims.ID, claims.ExpiresAt.Time); err != nil {
					cfg.Logger.Warn().Str("jti", claims.ID).Str("iss", claims.Issuer).Msg("token replay rejected")
					return echo.NewHTTPError(http.StatusUnauthorized, "token already used")
				}
			}

			cfg.Logger.Debug().Str("iss", claims.Issuer).Str("tenant", claims.Tenant).Msg("cds client authenticated")
			c.Set(string(ClientKey), claims.Issuer)
			ctx := context.WithValue(c.Request().Context(), ClientKey, claims.Issuer)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// DevAuthMiddleware lets every request through as the "dev" client.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(string(ClientKey), "dev")
			ctx := context.WithValue(c.Request().Context(), ClientKey, "dev")
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// AdminTokenMiddleware guards operational endpoints with a static bearer
// token. Tokens are compared by SHA-256 digest in constant time.
func AdminTokenMiddleware(token string) echo.MiddlewareFunc {
	want := sha256.Sum256([]byte(token))
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got, ok := bearerToken(c.Request())
			if !ok || token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "admin token required")
			}
			sum := sha256.Sum256([]byte(got))
			if subtle.ConstantTimeCompare(sum[:], want[:]) != 1 {
				return echo.NewHTTPError(http.StatusForbidden, "invalid admin token")
			}
			return next(c)
		}
	}
}

// ClientFromContext returns the authenticated CDS client issuer.
func ClientFromContext(ctx context.Context) string {
	iss, _ := ctx.Value(ClientKey).(string)
	return iss
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

func requestID(c echo.Context) string {
	rid, _ := c.Get("request_id").(string)
	return rid
}

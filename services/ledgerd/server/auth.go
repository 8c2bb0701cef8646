package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// TenantClaim names the JWT claim carrying the caller's cooperative.
const TenantClaim = "coop"

type contextKey string

const tenantContextKey contextKey = "ledgerd.tenant"

// Claims are the JWT claims accepted from tenant callers.
type Claims struct {
	Tenant string `json:"coop"`
	jwt.RegisteredClaims
}

// TenantAuthenticator validates HS256 bearer tokens and scopes requests to the token's tenant.
type TenantAuthenticator struct {
	secret    []byte
	issuer    string
	clockSkew time.Duration
	logger    *slog.Logger
}

// NewTenantAuthenticator constructs the tenant authenticator.
func NewTenantAuthenticator(secret, issuer string, logger *slog.Logger) (*TenantAuthenticator, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("server: jwt secret required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TenantAuthenticator{secret: []byte(secret), issuer: strings.TrimSpace(issuer), clockSkew: 2 * time.Minute, logger: logger}, nil
}

// Middleware rejects requests without a valid tenant token.
func (a *TenantAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := parseBearerToken(r.Header.Get("Authorization"))
		if raw == "" {
			// Browsers cannot set headers on websocket upgrades.
			raw = strings.TrimSpace(r.URL.Query().Get("access_token"))
		}
		if raw == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := a.parse(raw)
		if err != nil {
			a.logger.Debug("rejected tenant token", slog.Any("error", err))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), tenantContextKey, claims.Tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *TenantAuthenticator) parse(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.clockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims.Tenant = strings.TrimSpace(claims.Tenant)
	if claims.Tenant == "" {
		return nil, errors.New("tenant claim missing")
	}
	return claims, nil
}

// Issue signs a tenant token. Used by operators and tests.
func (a *TenantAuthenticator) Issue(tenant, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Tenant: tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// TenantFromContext returns the tenant bound by the authenticator.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenant, ok := ctx.Value(tenantContextKey).(string)
	return tenant, ok && tenant != ""
}

// AdminAuthenticator guards operator endpoints with a static bearer token.
type AdminAuthenticator struct {
	token []byte
}

// NewAdminAuthenticator constructs the admin authenticator.
func NewAdminAuthenticator(token string) (*AdminAuthenticator, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("server: admin token required")
	}
	return &AdminAuthenticator{token: []byte(token)}, nil
}

// Middleware enforces the admin token.
func (a *AdminAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}
		presented := parseBearerToken(r.Header.Get("Authorization"))
		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), a.token) != 1 {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"mediajob/internal/logging"
)

// AuthConfig controls how API callers are identified. The X-Actor-Id header
// is a development shortcut and is ignored unless explicitly allowed.
type AuthConfig struct {
	JWTSecret              string
	AllowLegacyActorHeader bool
	Logger                 logrus.FieldLogger
}

// Principal is the authenticated caller of an API operation.
type Principal struct {
	ActorID      string
	Organisation string
	Via          string
}

type principalKey struct{}

var errNoSigningKey = errors.New("jwt secret not configured")

func (c AuthConfig) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return logging.Log
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return "", errUnauthenticated()
	}
	return p.ActorID, nil
}

func errUnauthenticated() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func errBadCredentials() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
}

type callerClaims struct {
	jwt.RegisteredClaims
	Organisation string `json:"org,omitempty"`
}

func parseCallerToken(raw, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errNoSigningKey
	}
	claims := &callerClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	return Principal{ActorID: claims.Subject, Organisation: claims.Organisation, Via: "jwt"}, nil
}

// resolvePrincipal reads the Authorization header first and falls back to
// X-Actor-Id when the config allows it.
func (c AuthConfig) resolvePrincipal(req *http.Request) (Principal, huma.StatusError) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		scheme, raw, found := strings.Cut(authz, " ")
		raw = strings.TrimSpace(raw)
		if !found || !strings.EqualFold(scheme, "bearer") || raw == "" {
			return Principal{}, errBadCredentials()
		}
		p, err := parseCallerToken(raw, c.JWTSecret)
		if err != nil {
			c.logger().WithError(err).Debug("bearer token rejected")
			return Principal{}, errBadCredentials()
		}
		return p, nil
	}
	if actor := strings.TrimSpace(req.Header.Get("X-Actor-Id")); actor != "" && c.AllowLegacyActorHeader {
		c.logger().WithField("actor_id", actor).Warn("unauthenticated X-Actor-Id header accepted")
		return Principal{ActorID: actor, Via: "header"}, nil
	}
	return Principal{}, errUnauthenticated()
}

// newAuthMiddleware guards routes under basePath. Signed asset downloads and
// service callbacks live outside it and carry their own credentials.
func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "openapi.json"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath+"/") || open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			p, apiErr := cfg.resolvePrincipal(req)
			if apiErr != nil {
				respondStatusError(w, apiErr)
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}

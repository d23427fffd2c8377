package web

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	msgNoToken     = "Not authorized, no token"
	msgTokenFailed = "Not authorized, token failed"
)

type userIDKey struct{}

// AuthGate verifies HS256 bearer tokens and resolves the caller's user id.
type AuthGate struct {
	l      *zap.Logger
	secret []byte
	parser *jwt.Parser
}

// NewAuthGate creates a gate for tokens signed with secret.
func NewAuthGate(l *zap.Logger, secret string) *AuthGate {
	if l == nil {
		l = zap.NewNop()
	}
	return &AuthGate{
		l:      l,
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Require rejects requests without a valid bearer token and passes the user id on in the context.
func (a *AuthGate) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer") {
			writeMessage(w, http.StatusUnauthorized, msgNoToken)
			return
		}

		userID, err := a.Verify(strings.TrimSpace(strings.TrimPrefix(header, "Bearer")))
		if err != nil {
			a.l.Debug("bearer token rejected", zap.String("path", r.URL.Path), zap.Error(err))
			writeMessage(w, http.StatusUnauthorized, msgTokenFailed)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	})
}

// Verify checks the token and returns the user id from its "id" claim, or "sub" when absent.
func (a *AuthGate) Verify(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("empty token")
	}
	if len(a.secret) == 0 {
		return "", errors.New("token secret is not configured")
	}

	claims := jwt.MapClaims{}
	if _, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return "", errors.Wrap(err, "parse token")
	}

	if id, ok := claims["id"].(string); ok && id != "" {
		return id, nil
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token carries no user id")
	}
	return sub, nil
}

// UserID returns the user id resolved by AuthGate.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey{}).(string)
	return id, ok && id != ""
}

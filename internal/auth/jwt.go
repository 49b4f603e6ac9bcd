// Package auth turns bearer tokens into the actor identity every core
// operation is attributed to.
package auth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/medtrack/integrity-core/internal/models"
	"github.com/medtrack/integrity-core/pkg/utils"
)

type contextKey string

const actorContextKey contextKey = "actor"

// Verifier validates HS256 tokens carrying sub and role claims
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a verifier. An empty issuer accepts any iss claim.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// ParseActor validates token and extracts the actor it names
func (v *Verifier) ParseActor(token string) (models.Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(5 * time.Second),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, opts...)
	if err != nil || !tok.Valid {
		return models.Actor{}, utils.NewAppError(utils.ErrCodeUnauthorized, "Invalid token")
	}

	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if sub == "" || role == "" {
		return models.Actor{}, utils.NewAppError(utils.ErrCodeUnauthorized, "Token is missing actor claims")
	}
	return models.Actor{ID: sub, Role: models.Role(strings.ToUpper(role))}, nil
}

// Signer issues tokens for operators and tooling
type Signer struct {
	secret []byte
	issuer string
}

// NewSigner creates a token signer
func NewSigner(secret, issuer string) *Signer {
	return &Signer{secret: []byte(secret), issuer: issuer}
}

// SignActor issues a token for actor valid for ttl from now
func (s *Signer) SignActor(actor models.Actor, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":  actor.ID,
		"role": string(actor.Role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if s.issuer != "" {
		claims["iss"] = s.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// WithActor stores actor on ctx
func WithActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

// ActorFromContext returns the actor placed by the middleware
func ActorFromContext(ctx context.Context) (models.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey).(models.Actor)
	return actor, ok
}

// ErrorWriter renders an authentication failure
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware authenticates every request except skipPaths and attaches the
// actor, with the caller's address and user agent, to the request context
func Middleware(verifier *Verifier, onError ErrorWriter, skipPaths ...string) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				onError(w, r, utils.NewAppError(utils.ErrCodeUnauthorized, "Missing bearer token"))
				return
			}
			actor, err := verifier.ParseActor(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				onError(w, r, err)
				return
			}

			actor.IPAddress = ClientIP(r)
			actor.UserAgent = r.UserAgent()
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// ClientIP prefers the first X-Forwarded-For hop over the socket address
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

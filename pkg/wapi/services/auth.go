package services

import (
	"context"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/wardenhq/warden/pkg/kv"
	"github.com/wardenhq/warden/pkg/wauth"
	"github.com/wardenhq/warden/pkg/wlog"
)

const clockSkew = 30 * time.Second

type contextKey string

const principalKey contextKey = "principal"

// AuthService verifies bearer tokens and resolves the request principal.
// Revoked tokens are rejected even while their signature is still valid.
type AuthService struct {
	log         *wlog.Logger
	secret      []byte
	revocations *kv.Revocations
}

func NewAuthService(log *wlog.Logger, secret []byte, revocations *kv.Revocations) *AuthService {
	return &AuthService{
		log:         log.Component("auth"),
		secret:      secret,
		revocations: revocations,
	}
}

// Middleware attaches the verified principal to the request context.
// Requests without a valid token pass through without a principal; the
// routes decide whether one is required.
func (s *AuthService) Middleware() func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		header := ctx.Header("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			next(ctx)
			return
		}

		principal, err := wauth.Verify(token, s.secret)
		if err != nil {
			s.log.Debug("token rejected", "error", err)
			next(ctx)
			return
		}
		if principal.Expired(clockSkew) {
			next(ctx)
			return
		}
		if s.revocations != nil {
			revoked, err := s.revocations.IsRevoked(ctx.Context(), token)
			if err != nil {
				s.log.Warn("revocation check failed", "error", err)
				next(ctx)
				return
			}
			if revoked {
				next(ctx)
				return
			}
		}

		ctx = huma.WithValue(ctx, principalKey, principal)
		next(ctx)
	}
}

// PrincipalFrom returns the request principal, or nil when the request
// was not authenticated.
func PrincipalFrom(ctx context.Context) *wauth.Principal {
	p, _ := ctx.Value(principalKey).(*wauth.Principal)
	return p
}

// WithPrincipal injects a principal directly. Test hook.
func WithPrincipal(ctx context.Context, p *wauth.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

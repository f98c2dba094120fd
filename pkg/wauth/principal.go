// Package wauth maps bearer tokens to principals and answers the
// authorization questions the API needs. Token issuing lives with an
// external identity service; warden only verifies and reads.
package wauth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the principal's coarse role within a tenant.
type Role string

const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Tenant  string
	Role    Role
	Iat     int64
	Exp     int64
}

// Elevated reports whether the principal may act on runs it did not
// create.
func (p *Principal) Elevated() bool {
	return p.Role == RoleAdmin || p.Role == RoleOperator
}

// CanCancel implements the cancellation rule: the run's creator or an
// elevated principal, within the same tenant.
func (p *Principal) CanCancel(createdBy, tenantID string) bool {
	if tenantID != "" && p.Tenant != tenantID {
		return false
	}
	return p.Subject == createdBy || p.Elevated()
}

// Verify checks the token signature against the shared secret and maps
// the claims to a Principal.
func Verify(tokenStr string, secret []byte) (*Principal, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", token.Claims)
	}
	return FromMapClaims(claims)
}

// FromMapClaims maps raw claims to a Principal. It tolerates both
// string and numeric forms of sub, iat, and exp.
func FromMapClaims(mc jwt.MapClaims) (*Principal, error) {
	p := &Principal{Role: RoleUser}

	switch v := mc["sub"].(type) {
	case string:
		p.Subject = v
	case float64:
		p.Subject = strconv.FormatInt(int64(v), 10)
	case nil:
	default:
		p.Subject = fmt.Sprintf("%v", v)
	}
	if p.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	if tenant, ok := mc["tenant"].(string); ok {
		p.Tenant = tenant
	}
	if role, ok := mc["role"].(string); ok {
		p.Role = Role(role)
	}

	if iat, ok := mc["iat"]; ok {
		switch v := iat.(type) {
		case float64:
			p.Iat = int64(v)
		case int64:
			p.Iat = v
		}
	}
	if exp, ok := mc["exp"]; ok {
		switch v := exp.(type) {
		case float64:
			p.Exp = int64(v)
		case int64:
			p.Exp = v
		}
	}

	return p, nil
}

// Expired reports whether the token's exp claim has passed, with skew
// tolerance. Tokens without exp never expire here; the issuer decides.
func (p *Principal) Expired(skew time.Duration) bool {
	if p.Exp == 0 {
		return false
	}
	return time.Now().After(time.Unix(p.Exp, 0).Add(skew))
}

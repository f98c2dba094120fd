package wauth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret")

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestVerify(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"sub":    "alice",
		"tenant": "acme",
		"role":   "operator",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})

	p, err := Verify(token, testSecret)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.Subject != "alice" || p.Tenant != "acme" || p.Role != RoleOperator {
		t.Errorf("unexpected principal: %+v", p)
	}
	if !p.Elevated() {
		t.Error("operator should be elevated")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"sub": "alice"})
	if _, err := Verify(token, []byte("other-secret")); err == nil {
		t.Fatal("expected verification failure with wrong secret")
	}
}

func TestFromMapClaimsNumericForms(t *testing.T) {
	p, err := FromMapClaims(jwt.MapClaims{
		"sub": float64(42),
		"iat": float64(1700000000),
		"exp": float64(1700003600),
	})
	if err != nil {
		t.Fatalf("FromMapClaims: %v", err)
	}
	if p.Subject != "42" {
		t.Errorf("numeric sub not normalized: %q", p.Subject)
	}
	if p.Iat != 1700000000 || p.Exp != 1700003600 {
		t.Errorf("timestamps not normalized: %+v", p)
	}
	if p.Role != RoleUser {
		t.Errorf("missing role should default to user, got %q", p.Role)
	}
}

func TestFromMapClaimsRequiresSubject(t *testing.T) {
	if _, err := FromMapClaims(jwt.MapClaims{"role": "admin"}); err == nil {
		t.Fatal("expected error for token without subject")
	}
}

func TestCanCancel(t *testing.T) {
	cases := []struct {
		name      string
		principal Principal
		createdBy string
		tenant    string
		want      bool
	}{
		{"creator", Principal{Subject: "alice", Tenant: "acme", Role: RoleUser}, "alice", "acme", true},
		{"other user", Principal{Subject: "bob", Tenant: "acme", Role: RoleUser}, "alice", "acme", false},
		{"admin other user", Principal{Subject: "root", Tenant: "acme", Role: RoleAdmin}, "alice", "acme", true},
		{"admin wrong tenant", Principal{Subject: "root", Tenant: "other", Role: RoleAdmin}, "alice", "acme", false},
		{"run without tenant", Principal{Subject: "alice", Tenant: "acme", Role: RoleUser}, "alice", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.principal.CanCancel(tc.createdBy, tc.tenant); got != tc.want {
				t.Errorf("CanCancel = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestExpired(t *testing.T) {
	p := &Principal{Exp: time.Now().Add(-time.Minute).Unix()}
	if !p.Expired(0) {
		t.Error("past exp should be expired")
	}
	p = &Principal{Exp: time.Now().Add(time.Hour).Unix()}
	if p.Expired(0) {
		t.Error("future exp should not be expired")
	}
	p = &Principal{}
	if p.Expired(0) {
		t.Error("zero exp should never expire")
	}
}

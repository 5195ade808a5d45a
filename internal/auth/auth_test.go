package auth

import (
	"testing"
	"time"

	"github.com/captivegate/captivegate/internal/config"
)

func TestNormalizeIdentifier(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Jane@Example.COM", "jane@example.com", true},
		{" +1 (555) 010-9999 ", "+15550109999", true},
		{"0712345678", "0712345678", true},
		{"jane@localhost", "", false},
		{"12+345", "", false},
		{"123", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizeIdentifier(tc.in)
		if tc.ok && err != nil {
			t.Fatalf("%q: unexpected error %v", tc.in, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%q: expected error, got %q", tc.in, got)
		}
		if got != tc.want {
			t.Fatalf("%q: got %q want %q", tc.in, got, tc.want)
		}
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	params := &Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
	hash, err := HashPassword("correct horse", params)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}

	ok, err := VerifyPassword("correct horse", hash)
	if err != nil || !ok {
		t.Fatalf("expected password to verify, ok=%v err=%v", ok, err)
	}
	ok, err = VerifyPassword("wrong", hash)
	if err != nil || ok {
		t.Fatalf("expected wrong password to fail, ok=%v err=%v", ok, err)
	}
	if _, err := VerifyPassword("x", "not-a-hash"); err == nil {
		t.Fatalf("expected malformed hash to error")
	}
}

func TestVerifyTOTPDisabled(t *testing.T) {
	if !VerifyTOTP("", "anything") {
		t.Fatalf("empty secret should disable the second factor")
	}
	if VerifyTOTP("JBSWY3DPEHPK3PXP", "000000x") {
		t.Fatalf("malformed code should fail")
	}
}

func TestAdminTokenRoundTrip(t *testing.T) {
	svc := NewAdminTokenService("secret", config.AdminConfig{TokenTTL: time.Minute, Issuer: "captivegate"})

	tok, _, err := svc.Issue("operator")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	claims, err := svc.Validate(tok)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if claims.Subject != "operator" {
		t.Fatalf("expected subject operator, got %q", claims.Subject)
	}

	other := NewAdminTokenService("other", config.AdminConfig{TokenTTL: time.Minute, Issuer: "captivegate"})
	if _, err := other.Validate(tok); err == nil {
		t.Fatalf("expected token signed with another secret to fail")
	}
}

func TestAdminTokenExpired(t *testing.T) {
	svc := NewAdminTokenService("secret", config.AdminConfig{TokenTTL: -time.Minute, Issuer: "captivegate"})
	tok, _, err := svc.Issue("operator")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := svc.Validate(tok); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

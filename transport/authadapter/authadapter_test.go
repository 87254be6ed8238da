package authadapter

import (
	"testing"
	"time"

	"github.com/portside/receiving/domain"
)

func testSecret() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func TestGenerateAndValidateToken_RoundTrips(t *testing.T) {
	tok, err := GenerateToken(testSecret(), "tenant1", "user1", domain.RoleHOD, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := ValidateToken(testSecret(), tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.TenantID != "tenant1" || claims.UserID != "user1" || claims.Role != domain.RoleHOD {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestGenerateToken_RejectsShortSecret(t *testing.T) {
	_, err := GenerateToken([]byte("short"), "tenant1", "user1", domain.RoleCrew, time.Hour)
	if err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestValidateToken_RejectsWrongSecret(t *testing.T) {
	tok, _ := GenerateToken(testSecret(), "tenant1", "user1", domain.RoleCrew, time.Hour)
	wrongSecret := []byte("zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz")
	if _, err := ValidateToken(wrongSecret, tok); err == nil {
		t.Fatal("expected error validating with wrong secret")
	}
}

func TestValidateToken_RejectsExpiredToken(t *testing.T) {
	tok, _ := GenerateToken(testSecret(), "tenant1", "user1", domain.RoleCrew, -time.Hour)
	if _, err := ValidateToken(testSecret(), tok); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestToAuthContext_CopiesFields(t *testing.T) {
	c := &Claims{TenantID: "t1", UserID: "u1", Role: domain.RoleService}
	ac := c.ToAuthContext()
	if ac.TenantID != "t1" || ac.UserID != "u1" || ac.Role != domain.RoleService {
		t.Fatalf("unexpected auth context: %+v", ac)
	}
}

func TestHashAndCheckPassword_RoundTrips(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CheckPassword(hash, "correct horse battery staple") {
		t.Fatal("expected matching password to check out")
	}
	if CheckPassword(hash, "wrong password") {
		t.Fatal("expected wrong password to fail")
	}
}

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-for-jwt-signing"

func TestGenerateAndParseToken(t *testing.T) {
	token, err := GenerateToken("door-display", RoleObserver, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	claims, err := ParseToken(token, testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "door-display" {
		t.Errorf("Subject = %q, want door-display", claims.Subject)
	}
	if claims.Role != RoleObserver {
		t.Errorf("Role = %q, want observer", claims.Role)
	}
	if claims.ID == "" {
		t.Error("JTI (ID) should not be empty")
	}
}

func TestGenerateToken_Errors(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		role    Role
		secret  string
		want    error
	}{
		{name: "no secret", subject: "a", role: RoleObserver, want: ErrNoSecret},
		{name: "no subject", role: RoleObserver, secret: testSecret, want: ErrTokenInvalid},
		{name: "bad role", subject: "a", role: "owner", secret: testSecret, want: ErrInvalidRole},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := GenerateToken(tt.subject, tt.role, tt.secret, time.Hour); !errors.Is(err, tt.want) {
				t.Errorf("GenerateToken() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestGenerateToken_DefaultTTL(t *testing.T) {
	token, err := GenerateToken("a", RoleOperator, testSecret, 0)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	claims, err := ParseToken(token, testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}

	diff := claims.ExpiresAt.Time.Sub(time.Now().Add(DefaultTokenTTL))
	if diff < -time.Minute || diff > time.Minute {
		t.Errorf("default TTL off by %v", diff)
	}
}

func TestParseToken_Rejects(t *testing.T) {
	valid, err := GenerateToken("a", RoleObserver, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	expired := signClaims(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "a",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		Role: RoleObserver,
	})
	noRole := signClaims(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "a",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	noSubject := signClaims(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Role:             RoleObserver,
	})

	tests := []struct {
		name   string
		token  string
		secret string
	}{
		{name: "wrong secret", token: valid, secret: "other"},
		{name: "garbage", token: "not-a-valid-jwt", secret: testSecret},
		{name: "empty", token: "", secret: testSecret},
		{name: "malformed", token: "abc.def", secret: testSecret},
		{name: "expired", token: expired, secret: testSecret},
		{name: "missing role", token: noRole, secret: testSecret},
		{name: "missing subject", token: noSubject, secret: testSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(tt.token, tt.secret); !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("ParseToken() error = %v, want ErrTokenInvalid", err)
			}
		})
	}
}

func TestRole_Allows(t *testing.T) {
	tests := []struct {
		role     Role
		required Role
		want     bool
	}{
		{RoleObserver, RoleObserver, true},
		{RoleObserver, RoleOperator, false},
		{RoleOperator, RoleObserver, true},
		{RoleOperator, RoleOperator, true},
		{"", RoleObserver, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.required), func(t *testing.T) {
			if got := tt.role.Allows(tt.required); got != tt.want {
				t.Errorf("Allows() = %v, want %v", got, tt.want)
			}
		})
	}
}

func signClaims(t *testing.T, c Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return s
}

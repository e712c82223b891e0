package auth

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("relay-test-secret")

func signToken(t *testing.T, secret []byte, userID string, expiresIn time.Duration) string {
	t.Helper()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	v, err := NewValidator(testSecret)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	a, err := New(v, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestExtractTokenPriority(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/live/session/s1?token=from-query", nil)
	r.Header.Set("Authorization", "Bearer from-header")
	r.Header.Set("Sec-WebSocket-Protocol", "relay.bearer, from-subprotocol")

	tok, source := ExtractToken(r)
	if tok != "from-query" || source != SourceQuery {
		t.Fatalf("tok=%q source=%q", tok, source)
	}

	r = httptest.NewRequest("GET", "/ws/live/session/s1", nil)
	r.Header.Set("Authorization", "Bearer from-header")
	r.Header.Set("Sec-WebSocket-Protocol", "relay.bearer, from-subprotocol")
	tok, source = ExtractToken(r)
	if tok != "from-header" || source != SourceHeader {
		t.Fatalf("tok=%q source=%q", tok, source)
	}

	r = httptest.NewRequest("GET", "/ws/live/session/s1", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "relay.bearer, from-subprotocol")
	tok, source = ExtractToken(r)
	if tok != "from-subprotocol" || source != SourceSubprotocol {
		t.Fatalf("tok=%q source=%q", tok, source)
	}

	r = httptest.NewRequest("GET", "/ws/live/session/s1", nil)
	if tok, source = ExtractToken(r); source != SourceNone || tok != "" {
		t.Fatalf("tok=%q source=%q", tok, source)
	}
}

func TestExtractTokenIgnoresLoneSubprotocol(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/live/session/s1", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "relay.bearer")
	if _, source := ExtractToken(r); source != SourceNone {
		t.Fatalf("source=%q", source)
	}
}

func TestValidateAcceptsSignedToken(t *testing.T) {
	v, _ := NewValidator(testSecret)
	p, err := v.Validate(signToken(t, testSecret, "user-42", time.Hour))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.UserID != "user-42" {
		t.Fatalf("user=%q", p.UserID)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	v, _ := NewValidator(testSecret)
	if _, err := v.Validate(signToken(t, testSecret, "user-42", -time.Hour)); err == nil {
		t.Fatalf("expected expiry rejection")
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	v, _ := NewValidator(testSecret)
	if _, err := v.Validate(signToken(t, []byte("other-secret"), "user-42", time.Hour)); err == nil {
		t.Fatalf("expected signature rejection")
	}
}

func TestValidateRejectsUnsignedToken(t *testing.T) {
	claims := Claims{
		UserID: "user-42",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("build none token: %v", err)
	}
	v, _ := NewValidator(testSecret)
	if _, err := v.Validate(unsigned); err == nil {
		t.Fatalf("expected method rejection")
	}
}

func TestValidateSubjectFallback(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Subject:   "subject-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	v, _ := NewValidator(testSecret)
	p, err := v.Validate(signed)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.UserID != "subject-7" {
		t.Fatalf("user=%q", p.UserID)
	}
}

func TestAuthenticateNeverEscalatesFailures(t *testing.T) {
	a := newTestAuthenticator(t)

	r := httptest.NewRequest("GET", "/ws/live/session/s1", nil)
	if p := a.Authenticate(r); !p.Anonymous() {
		t.Fatalf("no credential should be anonymous, got %+v", p)
	}

	r = httptest.NewRequest("GET", "/ws/live/session/s1", nil)
	r.Header.Set("Authorization", "Bearer not-a-jwt")
	if p := a.Authenticate(r); !p.Anonymous() {
		t.Fatalf("garbage credential should be anonymous, got %+v", p)
	}

	r = httptest.NewRequest("GET", "/ws/live/session/s1?token="+signToken(t, testSecret, "user-9", time.Hour), nil)
	if p := a.Authenticate(r); p.UserID != "user-9" {
		t.Fatalf("principal=%+v", p)
	}
}

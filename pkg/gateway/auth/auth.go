// Package auth resolves the principal behind a live websocket connection.
// Credentials are platform-issued HMAC-signed JWTs carried in the query
// string, the Authorization header, or the websocket subprotocol list.
package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Principal identifies the authenticated caller. The zero value is the
// anonymous principal.
type Principal struct {
	UserID string
}

// Anonymous reports whether no credential resolved.
func (p Principal) Anonymous() bool { return p.UserID == "" }

// TokenSource says where a credential was found in the request.
type TokenSource string

const (
	SourceNone        TokenSource = "none"
	SourceQuery       TokenSource = "query"
	SourceHeader      TokenSource = "header"
	SourceSubprotocol TokenSource = "subprotocol"
)

// ExtractToken pulls the bearer credential from connection metadata, trying
// the token query parameter, the Authorization header, then the websocket
// subprotocol list, in that order.
func ExtractToken(r *http.Request) (string, TokenSource) {
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok, SourceQuery
	}
	if tok, ok := parseBearer(r.Header.Get("Authorization")); ok {
		return tok, SourceHeader
	}
	if tok, ok := parseSubprotocolToken(r.Header.Get("Sec-WebSocket-Protocol")); ok {
		return tok, SourceSubprotocol
	}
	return "", SourceNone
}

func parseBearer(header string) (string, bool) {
	header = strings.TrimSpace(header)
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return token, token != ""
}

// parseSubprotocolToken reads the "<scheme>, <token>" subprotocol form: the
// second offered subprotocol is the credential.
func parseSubprotocolToken(header string) (string, bool) {
	parts := strings.Split(header, ",")
	if len(parts) < 2 {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// Claims mirror the platform token issuer's payload.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Validator checks platform-issued bearer tokens.
type Validator struct {
	secret []byte
}

func NewValidator(secret []byte) (*Validator, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("auth: empty signing secret")
	}
	return &Validator{secret: secret}, nil
}

// Validate parses and verifies one token. The error is diagnostic only;
// callers map every failure to the anonymous principal.
func (v *Validator) Validate(token string) (Principal, error) {
	if strings.TrimSpace(token) == "" {
		return Principal{}, fmt.Errorf("empty token")
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, fmt.Errorf("invalid token")
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Principal{}, fmt.Errorf("token carries no user identity")
	}
	return Principal{UserID: userID}, nil
}

// Authenticator extracts and validates the connection credential. Any
// failure resolves to the anonymous principal; nothing escapes this
// boundary. Token contents are never logged.
type Authenticator struct {
	validator *Validator
	logger    *slog.Logger
}

func New(validator *Validator, logger *slog.Logger) (*Authenticator, error) {
	if validator == nil {
		return nil, fmt.Errorf("auth: missing validator")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{validator: validator, logger: logger.With("component", "auth")}, nil
}

// Authenticate resolves the principal for one connection request.
func (a *Authenticator) Authenticate(r *http.Request) Principal {
	token, source := ExtractToken(r)
	if source == SourceNone {
		a.logger.Debug("no credential presented")
		return Principal{}
	}
	p, err := a.validator.Validate(token)
	if err != nil {
		a.logger.Debug("credential rejected", "source", string(source), "error", err)
		return Principal{}
	}
	a.logger.Debug("credential accepted", "source", string(source))
	return p
}

package fedserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenIssuer is the iss claim of client tokens
const tokenIssuer = "minimint-federation"

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid bearer token")
	errWrongClient  = errors.New("token does not belong to this client")
)

// Tokens issues and verifies the bearer tokens that bind requests to a client
type Tokens struct {
	secret []byte
	issuer string
	clock  func() time.Time
}

// NewTokens creates a token authority using an HMAC secret
func NewTokens(secret []byte, issuer string, clock func() time.Time) *Tokens {
	if issuer == "" {
		issuer = tokenIssuer
	}
	if clock == nil {
		clock = time.Now
	}
	return &Tokens{secret: secret, issuer: issuer, clock: clock}
}

// Issue signs a token whose subject is clientID. Tokens do not expire; they
// live as long as the membership.
func (t *Tokens) Issue(clientID string) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:   t.issuer,
		Subject:  clientID,
		IssuedAt: jwt.NewNumericDate(t.clock()),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign client token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and issuer of token and returns its subject
func (t *Tokens) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(t.clock),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", errInvalidToken
	}
	return claims.Subject, nil
}

// Authorize checks that the request carries a valid token for clientID
func (t *Tokens) Authorize(r *http.Request, clientID string) error {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return errMissingToken
	}
	subject, err := t.Verify(token)
	if err != nil {
		return err
	}
	if subject != clientID {
		return errWrongClient
	}
	return nil
}

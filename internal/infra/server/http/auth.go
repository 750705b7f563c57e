package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

// CallerHeader names the caller directly when no signing secret is configured.
const CallerHeader = "X-Kora-Caller"

const tokenIssuer = "kora"

var (
	errMissingCredentials = errors.New("missing caller credentials")
	errInvalidToken       = errors.New("invalid bearer token")
)

// Claims identify the calling account by its hex address in the subject.
type Claims struct {
	jwt.RegisteredClaims
}

// Authenticator resolves the calling account of a request. With a secret it accepts
// HS256 bearer tokens only; without one it trusts CallerHeader, which is meant for
// local development.
type Authenticator struct {
	secret []byte
	clock  func() time.Time
}

// NewAuthenticator builds an authenticator; an empty secret enables header mode.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), clock: time.Now}
}

// Caller returns the account the request acts for.
func (a *Authenticator) Caller(r *http.Request) (common.Address, error) {
	if len(a.secret) == 0 {
		return parseCaller(r.Header.Get(CallerHeader))
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return common.Address{}, errMissingCredentials
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return common.Address{}, fmt.Errorf("%w: expected Bearer scheme", errInvalidToken)
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(parts[1]), claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.clock),
	)
	if err != nil || !token.Valid {
		return common.Address{}, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	return parseCaller(claims.Subject)
}

// IssueToken signs a token for account valid for ttl.
func (a *Authenticator) IssueToken(account common.Address, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("token issuing requires a secret")
	}
	now := a.clock()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   account.Hex(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func parseCaller(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}, errMissingCredentials
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid caller address %q", raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, errors.New("zero caller address")
	}
	return addr, nil
}

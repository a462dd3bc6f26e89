package signaling

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrInvalidToken is returned for credentials that fail verification.
var ErrInvalidToken = errors.New("signaling: invalid token")

const bearerPrefix = "Bearer "

// Claims is the payload of a hub credential.
type Claims struct {
	jwt.RegisteredClaims
	PartyID string `json:"party_id"`
}

// IssueToken signs an HS256 credential for partyID. ttl <= 0 means no expiry.
func IssueToken(secret []byte, issuer, partyID string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("signaling: empty signing secret")
	}
	if partyID == "" {
		return "", errors.New("signaling: empty party id")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   partyID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		PartyID: partyID,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies signature and time claims and returns the claims.
func ParseToken(secret []byte, token string) (*Claims, error) {
	var claims Claims
	if _, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return secret, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.PartyID == "" {
		return nil, fmt.Errorf("%w: no party_id claim", ErrInvalidToken)
	}
	return &claims, nil
}

// Authenticator maps a presented credential to a party ID.
type Authenticator interface {
	Authenticate(token string) (partyID string, err error)
}

// JWTAuth authenticates HS256 credentials issued by IssueToken.
type JWTAuth struct {
	Secret []byte
	Issuer string // checked when non-empty
}

func (a JWTAuth) Authenticate(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing", ErrInvalidToken)
	}
	claims, err := ParseToken(a.Secret, token)
	if err != nil {
		return "", err
	}
	if a.Issuer != "" && claims.Issuer != a.Issuer {
		return "", fmt.Errorf("%w: issuer %q", ErrInvalidToken, claims.Issuer)
	}
	return claims.PartyID, nil
}

// tokenFromRequest reads the credential from ?token= or an Authorization
// bearer header. Browsers cannot set headers on websocket upgrades, hence
// the query form.
func tokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimPrefix(h, bearerPrefix)
	}
	return ""
}

// RequireCredential rejects requests without a valid credential.
func RequireCredential(auth Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := auth.Authenticate(tokenFromRequest(r)); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

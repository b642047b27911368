package stream

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/lo"

	"github.com/ghyeongl/jobstream/event"
)

// ErrAuthentication is returned when the bearer credential is missing,
// malformed, or fails verification. Surfaces as HTTP 401 before upgrade.
var ErrAuthentication = errors.New("stream: authentication failed")

// ErrAuthorization is returned when a verified bearer is not allowed to view
// the requested topic. Surfaces as HTTP 403 before upgrade.
var ErrAuthorization = errors.New("stream: not authorized for topic")

// Claims is the JWT payload accepted by the stream endpoint. Subject carries
// the user id; Topics optionally scopes the token to specific jobs.
type Claims struct {
	jwt.RegisteredClaims
	// Topics restricts which streams this token may open. Empty means the
	// token is scoped by the deployment's own Authorizer instead.
	Topics []string `json:"topics,omitempty"`
}

// Authorizer decides whether verified claims may view a topic.
// Deployments wire their own job-ownership lookup here; the default only
// honors the token's topics claim.
type Authorizer func(claims *Claims, topic event.Topic) error

// TopicsClaimAuthorizer allows a topic when the token either carries no
// topics claim (scoping delegated to token issuance) or lists the topic.
func TopicsClaimAuthorizer(claims *Claims, topic event.Topic) error {
	if len(claims.Topics) == 0 || lo.Contains(claims.Topics, string(topic)) {
		return nil
	}
	return ErrAuthorization
}

// Verifier validates HS256 bearer tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// FromRequest extracts and verifies the bearer token on r.
func (v *Verifier) FromRequest(r *http.Request) (*Claims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, fmt.Errorf("%w: missing authorization header", ErrAuthentication)
	}
	token, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		return nil, fmt.Errorf("%w: not a bearer credential", ErrAuthentication)
	}
	return v.Verify(token)
}

// Verify checks the token signature, expiry, and signing method.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrAuthentication)
	}
	return claims, nil
}

// SignToken mints a token for the given user, optionally scoped to topics.
// Used by token issuance and by tests; the stream server itself only verifies.
func SignToken(secret, userID string, topics []string, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "jobstream",
		},
		Topics: topics,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

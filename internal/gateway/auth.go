package gateway

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/phamdk/lingocore/internal/job"
)

var (
	// ErrInvalidToken is returned for tokens that fail signature or
	// structural validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned for well-formed tokens past their
	// expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrConnNotFound is returned for operations on an unknown or
	// already closed connection.
	ErrConnNotFound = errors.New("connection not found")
)

// Identity is the authenticated principal attached to a connection.
type Identity struct {
	UserID    string
	OrgID     string
	OrgAdmin  bool
	ExpiresAt time.Time
}

// Actor converts the identity into the job-domain actor used by
// authorization checks.
func (id *Identity) Actor() job.Actor {
	return job.Actor{UserID: id.UserID, OrgID: id.OrgID, OrgAdmin: id.OrgAdmin}
}

// TokenVerifier validates a bearer token and extracts the identity.
// Token issuance belongs to the excluded auth service; this core only
// verifies.
type TokenVerifier interface {
	Verify(token string) (*Identity, error)
}

type tokenClaims struct {
	OrgID    string `json:"org_id,omitempty"`
	OrgAdmin bool   `json:"org_admin,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256-signed bearer tokens.
type JWTVerifier struct {
	secret []byte
	issuer string
}

var _ TokenVerifier = (*JWTVerifier)(nil)

// NewJWTVerifier creates a verifier for the shared signing secret.
// issuer is optional; when set, tokens from other issuers are rejected.
func NewJWTVerifier(secret []byte, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: secret, issuer: issuer}
}

// Verify checks signature and expiry and returns the token's identity.
func (v *JWTVerifier) Verify(token string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	id := &Identity{
		UserID:   claims.Subject,
		OrgID:    claims.OrgID,
		OrgAdmin: claims.OrgAdmin,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

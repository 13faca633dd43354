package usecase

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/codrlabs/codr/internal/domain"
)

// TokenTTL is the stream token lifetime.
const TokenTTL = 24 * time.Hour

// StreamClaims binds a stream token to exactly one job.
type StreamClaims struct {
	Scope string `json:"scope"`
	JobID string `json:"job_id"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies job-scoped stream tokens, signed HS256
// with a process-lifetime symmetric secret.
type TokenService struct {
	secret []byte
}

// NewTokenService constructs a TokenService.
func NewTokenService(secret string) TokenService {
	return TokenService{secret: []byte(secret)}
}

// Issue signs a token granting read access to one job's stream.
func (s TokenService) Issue(jobID string) (string, error) {
	if !domain.ValidJobID(jobID) {
		return "", fmt.Errorf("%w: malformed job id", domain.ErrInvalidArgument)
	}
	now := time.Now()
	claims := StreamClaims{
		Scope: fmt.Sprintf("job:%s:read", jobID),
		JobID: jobID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "api_client",
			ID:        fmt.Sprintf("%s_%d", jobID, now.Unix()),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("%w: sign: %v", domain.ErrInternal, err)
	}
	return signed, nil
}

// Verify validates signature, expiry and structural fields. Any failure
// returns nil claims with ErrTokenInvalid; the stream handshake maps that
// to a policy-violation close.
func (s TokenService) Verify(tokenString string) (*StreamClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &StreamClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, domain.ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*StreamClaims)
	if !ok {
		return nil, domain.ErrTokenInvalid
	}
	if claims.JobID == "" || claims.ID == "" {
		return nil, domain.ErrTokenInvalid
	}
	if !strings.HasPrefix(claims.Scope, "job:") || !strings.HasSuffix(claims.Scope, ":read") {
		return nil, domain.ErrTokenInvalid
	}
	return claims, nil
}

package usecase

import (
	"errors"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codrlabs/codr/internal/domain"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewTokenService("unit-test-secret")

	token, err := svc.Issue("job-123")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "job-123", claims.JobID)
	assert.Equal(t, "job:job-123:read", claims.Scope)
	assert.Equal(t, "api_client", claims.Subject)
	assert.True(t, strings.HasPrefix(claims.ID, "job-123_"))
}

func TestTokenIssue_MalformedJobID(t *testing.T) {
	svc := NewTokenService("unit-test-secret")
	_, err := svc.Issue("../oops")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestTokenVerify_WrongSecret(t *testing.T) {
	issuer := NewTokenService("secret-a")
	verifier := NewTokenService("secret-b")

	token, err := issuer.Issue("job-1")
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTokenInvalid))
}

func TestTokenVerify_Garbage(t *testing.T) {
	svc := NewTokenService("unit-test-secret")
	_, err := svc.Verify("not.a.token")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTokenInvalid))
}

func TestTokenVerify_RejectsUnsignedAlgorithm(t *testing.T) {
	svc := NewTokenService("unit-test-secret")

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, StreamClaims{
		Scope: "job:job-1:read",
		JobID: "job-1",
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.Verify(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTokenInvalid))
}

func TestTokenVerify_MissingScope(t *testing.T) {
	svc := NewTokenService("unit-test-secret")

	bad := jwt.NewWithClaims(jwt.SigningMethodHS256, StreamClaims{
		JobID: "job-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "api_client",
			ID:      "job-1_0",
		},
	})
	token, err := bad.SignedString([]byte("unit-test-secret"))
	require.NoError(t, err)

	_, err = svc.Verify(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTokenInvalid))
}

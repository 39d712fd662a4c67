package oidcauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/conclave-ai/conclave/internal/config"
)

func TestNew_NoIssuerReturnsNilVerifier(t *testing.T) {
	v, err := New(context.Background(), config.OIDCConfig{})
	assert.NoError(t, err)
	assert.Nil(t, v)
}

func TestVerifyRequest_MissingBearerHeader(t *testing.T) {
	v := &Verifier{}
	req := httptest.NewRequest(http.MethodPost, "/circuit-breaker/override", nil)

	_, err := v.VerifyRequest(context.Background(), req)
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestVerifyRequest_NonBearerAuthorizationHeaderTreatedAsMissing(t *testing.T) {
	v := &Verifier{}
	req := httptest.NewRequest(http.MethodPost, "/circuit-breaker/override", nil)
	req.Header.Set("Authorization", "Basic deadbeef")

	_, err := v.VerifyRequest(context.Background(), req)
	assert.ErrorIs(t, err, ErrMissingToken)
}

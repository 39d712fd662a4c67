package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAndKindOf(t *testing.T) {
	base := errors.New("boom")
	wrapped := New(KindProviderTransient, "rate_limited", base)
	wrapped2 := fmt.Errorf("calling provider: %w", wrapped)

	assert.True(t, Is(wrapped2, KindProviderTransient))
	assert.False(t, Is(wrapped2, KindPolicy))
	assert.Equal(t, KindProviderTransient, KindOf(wrapped2))
	assert.Equal(t, "rate_limited", ReasonOf(wrapped2))
	assert.ErrorIs(t, wrapped2, base)
}

func TestKindOf_DefaultsToInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("unwrapped")))
}

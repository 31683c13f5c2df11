package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := OwnershipFailure("pipeline.edit", "only the sender can edit")
	wrapped := fmt.Errorf("handler: %w", base)

	assert.Equal(t, Ownership, KindOf(wrapped))
	assert.Equal(t, "only the sender can edit", MessageOf(wrapped, "x"))
	assert.False(t, IsRetryable(wrapped))
}

func TestTransientIsRetryable(t *testing.T) {
	cause := errors.New("connection refused")
	err := TransientFailure("pipeline.persist", "storage unavailable", cause)

	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestForeignErrorIsUnknown(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, Unknown, KindOf(err))
	assert.Equal(t, "fallback", MessageOf(err, "fallback"))
	assert.Equal(t, "unknown", KindOf(err).String())
}

func TestParseKindRoundTrip(t *testing.T) {
	for _, k := range []Kind{Authentication, Validation, NotFound, Ownership, Transient, Delivery} {
		assert.Equal(t, k, ParseKind(k.String()))
	}
	assert.Equal(t, Unknown, ParseKind("nonsense"))
}

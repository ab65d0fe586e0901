package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := NotFound("get event", "event", "evt-00000001")

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrValidation))
	assert.Equal(t, `get event: event "evt-00000001" not found`, err.Error())
}

func TestError_WrappedKindSurvives(t *testing.T) {
	err := fmt.Errorf("submit: %w", RateLimited("submit report", "user-9"))

	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, KindRateLimited, KindOf(err))
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "validation", KindValidation.String())
	assert.Equal(t, "not_found", KindNotFound.String())
	assert.Equal(t, "conflict", KindConflict.String())
	assert.Equal(t, "rate_limited", KindRateLimited.String())
}

package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := Newf(KindStorage, "store_event", "disk full")
	assert.Equal(t, "store_event failed: disk full", err.Error())

	err = err.WithModule("sfp_dns")
	assert.Equal(t, "store_event failed in sfp_dns: disk full", err.Error())
}

func TestKindMatching(t *testing.T) {
	err := Newf(KindTimeout, "poll", "deadline passed")

	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrConnectionFailed))
	assert.True(t, IsKind(err, KindTimeout))
	assert.False(t, IsKind(err, KindNetwork))
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.False(t, IsKind(errors.New("plain"), KindInternal))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindNetwork, true},
		{KindStorage, true},
		{KindRateLimited, true},
		{KindValidation, false},
		{KindConfig, false},
		{KindCircularDependency, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(Newf(tt.kind, "op", "boom")))
		})
	}
}

func TestUnwrapChain(t *testing.T) {
	inner := errors.New("root cause")
	err := New(KindStorage, "query", fmt.Errorf("wrapping: %w", inner))

	assert.True(t, errors.Is(err, inner))
	assert.Equal(t, KindStorage, KindOf(fmt.Errorf("outer: %w", err)))
}

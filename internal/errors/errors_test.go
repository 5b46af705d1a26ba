package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkSurvivesWrapping(t *testing.T) {
	err := WithError(fmt.Errorf("disk full")).
		WithHint("Free some disk space and try again").
		Mark(ErrStorageUnavailable)
	wrapped := fmt.Errorf("put invoice: %w", err)

	assert.True(t, IsStorageUnavailable(wrapped))
	assert.False(t, IsTransient(wrapped))
	assert.Equal(t, ErrCodeStorageUnavailable, Code(wrapped))
	assert.Contains(t, Hints(wrapped), "Free some disk space and try again")
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"network", NewError("dial tcp").Mark(ErrNetworkUnavailable), true},
		{"timeout", NewError("deadline").Mark(ErrTimeout), true},
		{"rejected", NewError("stale").Mark(ErrMutationRejected), false},
		{"watermark", NewError("gone").Mark(ErrWatermarkUnrecognized), false},
		{"plain", fmt.Errorf("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestInternalErrorIsMatchesCode(t *testing.T) {
	wrapped := &InternalError{Code: ErrCodeNotFound, Err: fmt.Errorf("no row")}
	require.True(t, Is(wrapped, ErrNotFound))
	require.False(t, Is(wrapped, ErrAlreadyExists))
	assert.Equal(t, "not_found: no row", wrapped.Error())
	assert.Equal(t, "not_found: resource not found", ErrNotFound.Error())
}

func TestCodeDefaultsToSystem(t *testing.T) {
	assert.Equal(t, ErrCodeSystemError, Code(fmt.Errorf("unclassified")))
}

package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrServiceRequired", ErrServiceRequired, "wsflow: event service is required"},
		{"ErrServicePathRequired", ErrServicePathRequired, "wsflow: service path is required"},
		{"ErrEventRequired", ErrEventRequired, "wsflow: event name is required"},
		{"ErrConfigRequired", ErrConfigRequired, "wsflow: configuration is required"},
		{"ErrAdapterInactive", ErrAdapterInactive, "wsflow: fan-out adapter is inactive"},
		{"ErrUnauthenticated", ErrUnauthenticated, "wsflow: 401 Unauthorized"},
		{"ErrForbidden", ErrForbidden, "wsflow: 403 Forbidden"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	assert.Equal(t, "wsflow: invalid configuration: invalid port", err.Error())
	assert.Equal(t, inner, err.Unwrap())
	assert.Nil(t, NewConfigValidationError(nil))
	assert.True(t, errors.Is(NewConfigValidationError(inner), inner))
}

func TestAsEventError(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, AsEventError(nil))
	})

	t.Run("plain error becomes 500", func(t *testing.T) {
		ee := AsEventError(errors.New("boom"))
		require.NotNil(t, ee)
		assert.Equal(t, http.StatusInternalServerError, ee.Code)
		assert.Equal(t, "boom", ee.Message)
	})

	t.Run("wrapped event error is preserved", func(t *testing.T) {
		wrapped := fmt.Errorf("handler: %w", NewEventError(http.StatusBadRequest, "missing text"))
		ee := AsEventError(wrapped)
		assert.Equal(t, http.StatusBadRequest, ee.Code)
		assert.Equal(t, "missing text", ee.Message)
	})

	t.Run("errors.Is compares codes", func(t *testing.T) {
		err := ErrUnauthenticated.WithCause(errors.New("token expired"))
		assert.True(t, errors.Is(err, ErrUnauthenticated))
		assert.False(t, errors.Is(err, ErrForbidden))
	})
}

func TestNewEventErrorDefaultsMessage(t *testing.T) {
	assert.Equal(t, "Not Found", NewEventError(http.StatusNotFound, "").Message)
}

package metrics

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeProviderError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil error", nil, ""},
		{"timeout", errors.New("context deadline exceeded"), ProviderErrorTimeout},
		{"rate limit status", errors.New("unexpected status 429"), ProviderErrorRateLimit},
		{"auth", errors.New("401 unauthorized"), ProviderErrorAuth},
		{"network", errors.New("connection refused"), ProviderErrorNetwork},
		{"parse", errors.New("invalid character 'x' looking for json value"), ProviderErrorParse},
		{"breaker", errors.New("circuit breaker is open"), ProviderErrorBreaker},
		{"unknown", errors.New("something odd happened"), ProviderErrorOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeProviderError(tt.err))
		})
	}
}

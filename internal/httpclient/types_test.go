package httpclient_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fluttermint/minimint-bridge/internal/httpclient"
)

func TestHTTPError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		statusCode    int
		url           string
		message       string
		expectedError string
	}{
		{
			name:          "all fields",
			statusCode:    402,
			url:           "http://fed.example.com/payments",
			message:       "insufficient balance",
			expectedError: "HTTP 402 for URL http://fed.example.com/payments: insufficient balance",
		},
		{
			name:          "empty message",
			statusCode:    404,
			url:           "http://fed.example.com",
			message:       "",
			expectedError: "HTTP 404 for URL http://fed.example.com: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := httpclient.NewHTTPError(tt.statusCode, tt.url, tt.message)
			assert.Equal(t, tt.expectedError, err.Error())

			var httpErr *httpclient.HTTPError
			assert.True(t, errors.As(err, &httpErr))
			assert.Equal(t, tt.statusCode, httpErr.StatusCode)
		})
	}
}

func TestStatusCode(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("register: %w", httpclient.NewHTTPError(409, "http://x", "conflict"))
	code, ok := httpclient.StatusCode(wrapped)
	assert.True(t, ok)
	assert.Equal(t, 409, code)

	_, ok = httpclient.StatusCode(errors.New("dial tcp: connection refused"))
	assert.False(t, ok)

	_, ok = httpclient.StatusCode(nil)
	assert.False(t, ok)
}

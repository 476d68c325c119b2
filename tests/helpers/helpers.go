// Package helpers provides common test utilities.
package helpers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// MakeAppRequest builds an HTTP request carrying app credentials. The user
// credential, when present, rides in the JSON body, never in a header.
func MakeAppRequest(t *testing.T, method, path string, body interface{}, appID, appSecret string) *http.Request {
	t.Helper()

	var reader *strings.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(bodyBytes))
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-App-Id", appID)
	req.Header.Set("X-App-Secret", appSecret)
	return req
}

// NewTestContext creates a context with a test-scoped timeout.
func NewTestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// DecodeJSON unmarshals a response body into out.
func DecodeJSON(t *testing.T, resp *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), out),
		"body: %s", resp.Body.String())
}

// AssertErrorResponse checks status and that the error body carries the code.
func AssertErrorResponse(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int, expectedCode string) {
	t.Helper()
	require.Equal(t, expectedStatus, resp.Code,
		"expected status %d, got %d. Body: %s", expectedStatus, resp.Code, resp.Body.String())
	if expectedCode != "" {
		require.Contains(t, resp.Body.String(), expectedCode)
	}
}

// AssertNoShareMaterial fails when a response body leaks signature or share
// fields. Used on every rejection path: a failed authorization must never
// carry partial signing output.
func AssertNoShareMaterial(t *testing.T, body string) {
	t.Helper()
	lowered := strings.ToLower(body)
	for _, marker := range []string{`"share"`, `"signature"`, `"r":`, `"s":`, `"recid"`} {
		require.NotContains(t, lowered, marker, "rejection response leaks share material")
	}
}

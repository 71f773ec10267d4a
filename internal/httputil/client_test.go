package httputil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	Cycle uint32 `json:"cycle"`
}

func TestGetJSON(t *testing.T) {
	t.Parallel()

	m := NewMockHTTPClient().AddResponse(http.StatusOK, `[{"cycle":7},{"cycle":9}]`)
	var got []point
	require.NoError(t, GetJSON(context.Background(), m, "http://daq/api/metrics/history", &got))
	assert.Equal(t, []point{{7}, {9}}, got)
	require.Equal(t, 1, m.RequestCount())
	assert.Equal(t, "application/json", m.Requests[0].Header.Get("Accept"))
}

func TestGetJSONErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mock *MockHTTPClient
		want string
	}{
		{"api error", NewMockHTTPClient().AddResponse(http.StatusServiceUnavailable, `{"error":"database disabled"}`), "database disabled"},
		{"plain error", NewMockHTTPClient().AddResponse(http.StatusNotFound, `nope`), "404 Not Found"},
		{"transport", NewMockHTTPClient().AddErrorResponse(errors.New("connection refused")), "connection refused"},
		{"bad body", NewMockHTTPClient().AddResponse(http.StatusOK, `{`), "decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []point
			err := GetJSON(context.Background(), tt.mock, "http://daq/x", &got)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStandardClientGetJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSONOK(w, point{Cycle: 42})
	}))
	defer srv.Close()

	var got point
	require.NoError(t, GetJSON(context.Background(), NewStandardClient(nil), srv.URL, &got))
	assert.Equal(t, uint32(42), got.Cycle)
}

func TestMockDrainedQueue(t *testing.T) {
	t.Parallel()

	m := NewMockHTTPClient()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	resp, err := m.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

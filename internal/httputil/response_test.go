package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorHelpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		write  func(http.ResponseWriter)
		status int
		msg    string
	}{
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "bad index") }, http.StatusBadRequest, "bad index"},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "no run") }, http.StatusNotFound, "no run"},
		{"internal", func(w http.ResponseWriter) { InternalServerError(w, "boom") }, http.StatusInternalServerError, "boom"},
		{"unavailable", func(w http.ResponseWriter) { ServiceUnavailable(w, "queue full") }, http.StatusServiceUnavailable, "queue full"},
		{"method", MethodNotAllowed, http.StatusMethodNotAllowed, "method not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var resp map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.msg, resp["error"])
		})
	}
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusAccepted, map[string]int{"queued": 3})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"queued":3}`, rec.Body.String())

	rec = httptest.NewRecorder()
	WriteJSONOK(rec, []int{1, 2})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[1,2]`, rec.Body.String())
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	type write struct {
		Index int    `json:"index"`
		Value uint32 `json:"value"`
	}

	t.Run("valid", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"index":2,"value":1}`))
		var w write
		require.NoError(t, DecodeJSON(httptest.NewRecorder(), req, &w, 1024))
		assert.Equal(t, write{Index: 2, Value: 1}, w)
	})

	t.Run("empty", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
		var w write
		assert.ErrorIs(t, DecodeJSON(httptest.NewRecorder(), req, &w, 1024), ErrEmptyBody)
	})

	t.Run("malformed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"index":`))
		var w write
		err := DecodeJSON(httptest.NewRecorder(), req, &w, 1024)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid JSON body")
	})

	t.Run("too large", func(t *testing.T) {
		body := `{"index":1,"value":` + strings.Repeat("1", 64) + `}`
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		var w write
		err := DecodeJSON(httptest.NewRecorder(), req, &w, 16)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeds 16 bytes")
	})
}

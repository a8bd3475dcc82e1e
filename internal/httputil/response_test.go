package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONOK(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSONOK(rec, map[string]int{"frames": 3})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"frames": 3}`, rec.Body.String())
}

func TestErrorResponses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		msg    string
	}{
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "bad limit") }, http.StatusBadRequest, "bad limit"},
		{"internal", func(w http.ResponseWriter) { InternalServerError(w, "db closed") }, http.StatusInternalServerError, "db closed"},
		{"custom", func(w http.ResponseWriter) { WriteJSONError(w, http.StatusConflict, "busy") }, http.StatusConflict, "busy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)

			assert.Equal(t, tt.status, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.msg, body["error"])
		})
	}
}

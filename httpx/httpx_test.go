package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteError_CarriesRequestID(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusConflict, "INVALID_TRANSITION", "nope", nil)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "req_fixed")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "req_fixed", rec.Header().Get(HeaderRequestID))
	var env ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "req_fixed", env.RequestID)
	assert.Equal(t, "INVALID_TRANSITION", env.Error.Code)
}

func TestReadJSON_RejectsUnknownFields(t *testing.T) {
	var dst struct {
		Kind string `json:"kind"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"kind":"dispute","extra":1}`))
	require.Error(t, ReadJSON(req, &dst))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"kind":"dispute"}`))
	require.NoError(t, ReadJSON(req, &dst))
	assert.Equal(t, "dispute", dst.Kind)
}

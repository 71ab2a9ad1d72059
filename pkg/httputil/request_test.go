package httputil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func TestParseJSONOrError(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		expectOK   bool
		expectCode int
	}{
		{name: "valid JSON", body: `{"phone": "+5511999990000"}`, expectOK: true},
		{name: "invalid JSON", body: `{invalid}`, expectOK: false, expectCode: http.StatusBadRequest},
		{name: "empty body", body: ``, expectOK: false, expectCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/test", bytes.NewBufferString(tt.body))
			var dest map[string]string

			ok := ParseJSONOrError(w, req, &dest)

			assert.Equal(t, tt.expectOK, ok)
			if tt.expectOK {
				assert.Equal(t, "+5511999990000", dest["phone"])
			} else {
				assert.Equal(t, tt.expectCode, w.Code)
			}
		})
	}
}

func TestParsePathStringOrError(t *testing.T) {
	req := httptest.NewRequest("GET", "/verify/abc", nil)
	req = mux.SetURLVars(req, map[string]string{"token": "abc"})

	w := httptest.NewRecorder()
	val, ok := ParsePathStringOrError(w, req, "token")
	assert.True(t, ok)
	assert.Equal(t, "abc", val)

	w = httptest.NewRecorder()
	_, ok = ParsePathStringOrError(w, httptest.NewRequest("GET", "/verify/", nil), "token")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequireNonEmpty(t *testing.T) {
	w := httptest.NewRecorder()
	assert.False(t, RequireNonEmpty(w, "  ", "phone"))
	assert.Contains(t, w.Body.String(), "phone is required")

	assert.True(t, RequireNonEmpty(httptest.NewRecorder(), "x", "phone"))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	assert.Equal(t, "192.0.2.10", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ClientIP(req))
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpsServer(t *testing.T) {
	var dbErr error
	s := NewOps(time.Second,
		Check("postgres", func(context.Context) error { return dbErr }),
		Check("redis", func(context.Context) error { return nil }),
	)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/healthz").Code)
	assert.Equal(t, http.StatusOK, get("/metrics").Code)

	rec := get("/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	var body readiness
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, map[string]string{"postgres": "ok", "redis": "ok"}, body.Checks)

	dbErr = errors.New("db down")
	rec = get("/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, "failed", body.Checks["postgres"])
	assert.Equal(t, "ok", body.Checks["redis"])
	assert.Equal(t, http.StatusOK, get("/healthz").Code)
}

package emergency

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medibook/medibook/internal/platform/auth"
)

func putPresence(t *testing.T, idx LocationIndex, provider, user, body string) int {
	t.Helper()
	e := echo.New()
	api := e.Group("/api/v1", auth.DevAuthMiddleware())
	NewHandler(idx).RegisterRoutes(api)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/providers/"+provider+"/presence", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(auth.DevUserHeader, user)
	req.Header.Set(auth.DevRolesHeader, auth.RoleDoctor)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec.Code
}

func TestHandler_SetPresence(t *testing.T) {
	idx := NewMemoryIndex()
	code := putPresence(t, idx, "doc-1", "doc-1", `{"location":{"lat":51.5,"lng":-0.12},"available":true}`)
	require.Equal(t, http.StatusNoContent, code)

	got, err := idx.Nearby(context.Background(), Point{Lat: 51.5, Lng: -0.12}, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	code = putPresence(t, idx, "doc-1", "doc-1", `{"available":false}`)
	require.Equal(t, http.StatusNoContent, code)
	got, _ = idx.Nearby(context.Background(), Point{Lat: 51.5, Lng: -0.12}, 1)
	assert.Empty(t, got)
}

func TestHandler_SetPresenceRejects(t *testing.T) {
	idx := NewMemoryIndex()
	assert.Equal(t, http.StatusBadRequest,
		putPresence(t, idx, "doc-1", "doc-1", `{"location":{"lat":91,"lng":0},"available":true}`))
	assert.Equal(t, http.StatusForbidden,
		putPresence(t, idx, "doc-1", "doc-2", `{"location":{"lat":51,"lng":0},"available":true}`))
}

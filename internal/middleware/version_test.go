package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func TestExtractVersionFromPath(t *testing.T) {
	cases := map[string]string{
		"/v1/hierarchies": "v1",
		"/v12":            "v12",
		"/v0/x":           "",
		"/health":         "",
		"/vx/y":           "",
		"/":               "",
	}
	for path, want := range cases {
		assert.Equal(t, want, extractVersionFromPath(path), path)
	}
}

func TestAPIVersionResolver(t *testing.T) {
	vm := NewVersionMiddleware()
	e := echo.New()
	var seen string
	h := vm.APIVersionResolver()(func(c echo.Context) error {
		seen, _ = c.Get("api_version").(string)
		return c.NoContent(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	assert.NoError(t, h(e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "v1", seen)

	rec = httptest.NewRecorder()
	assert.NoError(t, h(e.NewContext(httptest.NewRequest(http.MethodGet, "/v3/hierarchies", nil), rec)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVersionHeader(t *testing.T) {
	vm := NewVersionMiddleware()
	vm.supportedVersions["v0"] = APIVersion{Version: "v0", Status: "deprecated", Message: "Use v1"}
	e := echo.New()
	ok := func(c echo.Context) error { return c.NoContent(http.StatusOK) }

	rec := httptest.NewRecorder()
	assert.NoError(t, vm.VersionHeader("v1")(ok)(e.NewContext(httptest.NewRequest(http.MethodGet, "/v1/hierarchies", nil), rec)))
	assert.Equal(t, "v1", rec.Header().Get("X-API-Version"))
	assert.Equal(t, "Current stable API version", rec.Header().Get("X-API-Message"))
	assert.Empty(t, rec.Header().Get("X-API-Deprecated"))

	rec = httptest.NewRecorder()
	assert.NoError(t, vm.VersionHeader("v0")(ok)(e.NewContext(httptest.NewRequest(http.MethodGet, "/v0/hierarchies", nil), rec)))
	assert.Equal(t, "true", rec.Header().Get("X-API-Deprecated"))
	assert.Equal(t, "Use v1", rec.Header().Get("X-API-Message"))

	rec = httptest.NewRecorder()
	assert.NoError(t, vm.VersionHeader("v9")(ok)(e.NewContext(httptest.NewRequest(http.MethodGet, "/v9/hierarchies", nil), rec)))
	assert.Equal(t, "v9", rec.Header().Get("X-API-Version"))
	assert.Empty(t, rec.Header().Get("X-API-Message"))
	assert.ElementsMatch(t, []string{"v0", "v1"}, vm.SupportedVersions())
}

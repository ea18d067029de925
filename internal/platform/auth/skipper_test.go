package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func skipperContext(method, path string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath(path)
	return c
}

func TestAuthSkipper_PublicPaths(t *testing.T) {
	for _, path := range []string{"/health", "/metrics", "/cds-services"} {
		t.Run(path, func(t *testing.T) {
			if !AuthSkipper(skipperContext(http.MethodGet, path)) {
				t.Errorf("expected AuthSkipper to return true for %s", path)
			}
		})
	}
}

func TestAuthSkipper_ProtectedPaths(t *testing.T) {
	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/cds-services/:id"},
		{http.MethodPost, "/cds-services/:id/feedback"},
		{http.MethodPost, "/cds-services"},
		{http.MethodPost, "/admin/rules/reload"},
		{http.MethodGet, "/health/extra"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			if AuthSkipper(skipperContext(tt.method, tt.path)) {
				t.Errorf("expected AuthSkipper to return false for %s %s", tt.method, tt.path)
			}
		})
	}
}

func TestIsPublicPath(t *testing.T) {
	if !IsPublicPath("/health") {
		t.Error("expected /health to be public")
	}
	if IsPublicPath("/cds-services/x") {
		t.Error("expected service endpoint to be protected")
	}
}

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		roles   []string
		allowed bool
	}{
		{"matching role", []string{RolePhysician}, true},
		{"second allowed role", []string{RoleNurse}, true},
		{"admin passes", []string{RoleAdmin}, true},
		{"other role", []string{RoleResearcher}, false},
		{"no roles", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(WithIdentity(req.Context(), "u1", tt.roles))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := RequireRole(RolePhysician, RoleNurse)(okHandler)(c)
			if tt.allowed {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				if rec.Code != http.StatusOK {
					t.Errorf("expected 200, got %d", rec.Code)
				}
				return
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected echo.HTTPError, got %T", err)
			}
			if httpErr.Code != http.StatusForbidden {
				t.Errorf("expected 403, got %d", httpErr.Code)
			}
		})
	}
}

func TestHasAnyRole(t *testing.T) {
	if HasAnyRole([]string{RoleNurse}, RolePhysician) {
		t.Error("nurse should not satisfy physician")
	}
	if !HasAnyRole([]string{RoleNurse, RoleResearcher}, RoleResearcher) {
		t.Error("researcher should satisfy researcher")
	}
	if !HasAnyRole([]string{RoleAdmin}) {
		t.Error("admin should pass an empty requirement")
	}
}

func TestIsPublicPath(t *testing.T) {
	if !IsPublicPath("/health") {
		t.Error("/health should be public")
	}
	if IsPublicPath("/api/v1/suggestions") {
		t.Error("/api/v1/suggestions should not be public")
	}
}

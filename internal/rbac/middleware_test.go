package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"dialer-platform/internal/auth"

	"github.com/gin-gonic/gin"
)

func serve(t *testing.T, role string, mw gin.HandlerFunc) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		if role != "" {
			ctx := auth.WithIdentity(c.Request.Context(), "u", role)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}, mw, func(c *gin.Context) {
		c.Status(200)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRequireAnyRole_AdminBypasses(t *testing.T) {
	if code := serve(t, RoleAdmin, RequireAnyRole(RoleRep)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_ListedRoleAllowed(t *testing.T) {
	if code := serve(t, RoleRep, RequireAnyRole(RoleRep)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_UnlistedRoleForbidden(t *testing.T) {
	if code := serve(t, RoleRep, RequireAnyRole(RoleSupervisor)); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireAnyRole_MissingIdentityUnauthorized(t *testing.T) {
	if code := serve(t, "", RequireAnyRole(RoleRep)); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}

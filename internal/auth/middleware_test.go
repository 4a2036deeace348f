package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newAuthRouter(a *Authenticator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/me", a.Middleware(), func(c *gin.Context) {
		subject, _ := Subject(c.Request.Context())
		c.String(http.StatusOK, subject)
	})
	return router
}

func TestMiddlewareAcceptsIssuedToken(t *testing.T) {
	a := NewAuthenticator("secret", "miniminds")
	token, err := a.Issue("user-1", time.Hour)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	newAuthRouter(a).ServeHTTP(resp, req)

	if resp.Code != http.StatusOK || resp.Body.String() != "user-1" {
		t.Fatalf("unexpected response %d %q", resp.Code, resp.Body.String())
	}
}

func TestMiddlewareRejects(t *testing.T) {
	a := NewAuthenticator("secret", "miniminds")
	other, _ := NewAuthenticator("secret", "elsewhere").Issue("user-1", time.Hour)
	expired, _ := a.Issue("user-1", -time.Minute)
	forged, _ := NewAuthenticator("other-secret", "miniminds").Issue("user-1", time.Hour)

	headers := map[string]string{
		"missing":        "",
		"wrong scheme":   "Basic abc",
		"empty token":    "Bearer  ",
		"wrong audience": "Bearer " + other,
		"expired":        "Bearer " + expired,
		"forged":         "Bearer " + forged,
	}
	for name, header := range headers {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp := httptest.NewRecorder()
		newAuthRouter(a).ServeHTTP(resp, req)

		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, resp.Code)
		}
	}
}

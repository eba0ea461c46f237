package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"living-photo/internal/middleware"
)

const secret = "test-secret-key-for-jwt-signing-must-be-long-enough"

func newApp(secret string) *fiber.App {
	app := fiber.New()
	app.Use(middleware.RequireAdmin(secret))
	app.Get("/test", func(c *fiber.Ctx) error {
		sub, _ := c.Locals(middleware.SubjectKey).(string)
		return c.JSON(fiber.Map{"status": "ok", "sub": sub})
	})
	return app
}

func sign(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, app *fiber.App, auth string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestRequireAdmin(t *testing.T) {
	app := newApp(secret)

	admin := sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"sub": "u1", "role": "admin"})
	user := sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"sub": "u2", "role": "customer"})
	wrongKey := sign(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"role": "admin"})
	expired := sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{
		"role": "admin",
		"exp":  time.Now().Add(-time.Hour).Unix(),
	})
	wrongAlg := sign(t, jwt.SigningMethodHS512, []byte(secret), jwt.MapClaims{"role": "admin"})

	tests := []struct {
		name string
		auth string
		want int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer invalid-token", http.StatusUnauthorized},
		{"wrong key", "Bearer " + wrongKey, http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong algorithm", "Bearer " + wrongAlg, http.StatusUnauthorized},
		{"not admin", "Bearer " + user, http.StatusForbidden},
		{"admin", "Bearer " + admin, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, do(t, app, tt.auth))
		})
	}
}

func TestRequireAdminDisabledWithoutSecret(t *testing.T) {
	assert.Equal(t, http.StatusOK, do(t, newApp(""), ""))
}

package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"botforge/internal/config"
)

func signHS256(t *testing.T, secret string, claims map[string]interface{}) string {
	t.Helper()
	header, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	signing := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signing))
	return signing + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		JWT: config.JWTConfig{Secret: "test-secret"},
	}

	r := gin.New()
	r.Use(AuthMiddleware(cfg))
	r.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	expired := signHS256(t, "test-secret", map[string]interface{}{
		"account_id": 7,
		"exp":        time.Now().Add(-time.Hour).Unix(),
	})
	wrongKey := signHS256(t, "other-secret", map[string]interface{}{"account_id": 7})

	tests := []struct {
		name           string
		authHeader     string
		wantStatusCode int
	}{
		{
			name:           "missing authorization header",
			authHeader:     "",
			wantStatusCode: http.StatusUnauthorized,
		},
		{
			name:           "invalid bearer format",
			authHeader:     "Basic token-value",
			wantStatusCode: http.StatusUnauthorized,
		},
		{
			name:           "only bearer prefix",
			authHeader:     "Bearer ",
			wantStatusCode: http.StatusUnauthorized,
		},
		{
			name:           "malformed jwt",
			authHeader:     "Bearer not.a.valid.jwt",
			wantStatusCode: http.StatusUnauthorized,
		},
		{
			name:           "expired token",
			authHeader:     "Bearer " + expired,
			wantStatusCode: http.StatusUnauthorized,
		},
		{
			name:           "wrong signing key",
			authHeader:     "Bearer " + wrongKey,
			wantStatusCode: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/test", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			r.ServeHTTP(w, req)

			if w.Code != tt.wantStatusCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatusCode)
			}
		})
	}
}

func TestAuthMiddleware_InjectsAccountID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		JWT: config.JWTConfig{Secret: "test-secret"},
	}

	var gotAccount uint
	r := gin.New()
	r.Use(AuthMiddleware(cfg))
	r.GET("/test", func(c *gin.Context) {
		if v, ok := c.Get("account_id"); ok {
			gotAccount = v.(uint)
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	token := signHS256(t, "test-secret", map[string]interface{}{
		"account_id": 42,
		"exp":        time.Now().Add(time.Hour).Unix(),
	})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if gotAccount != 42 {
		t.Errorf("account_id = %d, want 42", gotAccount)
	}
}

func TestAuthMiddleware_SubClaimFallback(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		JWT: config.JWTConfig{Secret: "test-secret"},
	}

	var gotAccount uint
	r := gin.New()
	r.Use(AuthMiddleware(cfg))
	r.GET("/test", func(c *gin.Context) {
		if v, ok := c.Get("account_id"); ok {
			gotAccount = v.(uint)
		}
		c.Status(http.StatusOK)
	})

	token := signHS256(t, "test-secret", map[string]interface{}{"sub": 9})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gotAccount != 9 {
		t.Errorf("account_id = %d, want 9", gotAccount)
	}
}

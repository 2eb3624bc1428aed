package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var secret = []byte("unit-test-secret")

func newAuthedRouter(t *testing.T) (*gin.Engine, *int64) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	var gotUID int64
	r := gin.New()
	r.Use(Auth(secret))
	r.POST("/echo", func(c *gin.Context) {
		gotUID = AuthedUserID(c)
		c.Status(http.StatusOK)
	})
	return r, &gotUID
}

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAuthAcceptsBearerToken(t *testing.T) {
	r, gotUID := newAuthedRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/echo", nil)
	req.Header.Set("Authorization", "Bearer "+signed(t, jwt.MapClaims{"uid": 42, "device_id": "ios"}))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", w.Code, w.Body.String())
	}
	if *gotUID != 42 {
		t.Fatalf("want uid 42 in context, got %d", *gotUID)
	}
}

func TestAuthRejects(t *testing.T) {
	r, _ := newAuthedRouter(t)
	cases := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "Bearer not.a.jwt"},
		{"no uid claim", "Bearer " + signed(t, jwt.MapClaims{"device_id": "ios"})},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/echo", nil)
		if tc.token != "" {
			req.Header.Set("Authorization", tc.token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s: want 401, got %d", tc.name, w.Code)
		}
	}
}

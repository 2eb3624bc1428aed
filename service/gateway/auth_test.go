package gateway

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("unit-test-secret")

func TestTokenRoundTrip(t *testing.T) {
	tok, err := IssueToken(testSecret, 42, "ios")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	claims, err := parseToken(testSecret, tok)
	if err != nil {
		t.Fatalf("parseToken: %v", err)
	}
	if claims.UserID != 42 || claims.DeviceID != "ios" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
}

func TestParseTokenWrongSecret(t *testing.T) {
	tok, _ := IssueToken(testSecret, 42, "ios")
	if _, err := parseToken([]byte("other-secret"), tok); err == nil {
		t.Fatal("token signed with another secret must be rejected")
	}
}

func TestParseTokenGarbage(t *testing.T) {
	if _, err := parseToken(testSecret, "not.a.jwt"); err == nil {
		t.Fatal("garbage token must be rejected")
	}
}

func TestParseTokenMissingClaims(t *testing.T) {
	noDev := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"uid": 42})
	s1, _ := noDev.SignedString(testSecret)
	if _, err := parseToken(testSecret, s1); err == nil {
		t.Fatal("token without device_id must be rejected")
	}

	noUID := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"device_id": "ios"})
	s2, _ := noUID.SignedString(testSecret)
	if _, err := parseToken(testSecret, s2); err == nil {
		t.Fatal("token without uid must be rejected")
	}
}

package gateway

import (
	"strconv"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lamyinia/TellYou-sub000/tools/errs"
)

// Claims carried by a connector access token.
type tokenClaims struct {
	UserID   int64
	DeviceID string
}

// parseToken 校验 HMAC JWT 并取出 (user,device) 身份。
func parseToken(secret []byte, token string) (*tokenClaims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.ErrUnauthorized.WithDetailf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, errs.ErrUnauthorized.WithDetailf("parse token: %v", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, errs.ErrUnauthorized.WithDetail("invalid claims")
	}

	uid, err := claimInt64(claims, "uid")
	if err != nil || uid <= 0 {
		return nil, errs.ErrUnauthorized.WithDetail("missing uid claim")
	}
	dev, _ := claims["device_id"].(string)
	if dev == "" {
		return nil, errs.ErrUnauthorized.WithDetail("missing device_id claim")
	}
	return &tokenClaims{UserID: uid, DeviceID: dev}, nil
}

func claimInt64(claims jwt.MapClaims, key string) (int64, error) {
	switch v := claims[key].(type) {
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	case int64:
		return v, nil
	default:
		return 0, errs.New("claim %s absent", key)
	}
}

// IssueToken 签发连接令牌（联调/测试用；生产由账号服务签发）。
func IssueToken(secret []byte, userID int64, deviceID string) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"uid":       userID,
		"device_id": deviceID,
	})
	return t.SignedString(secret)
}

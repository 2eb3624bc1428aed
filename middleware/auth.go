package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/lamyinia/TellYou-sub000/tools/errs"
)

// 下游 handler 统一用这个 key 读取已认证的用户号
const CtxUserIDKey = "auth_user_id"

// Auth 校验 Authorization: Bearer <jwt>，通过后把 uid 放进请求上下文。
// HTTP 面与长连接共用同一套 HMAC 凭证。
func Auth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		if after, ok := strings.CutPrefix(raw, "Bearer "); ok {
			raw = strings.TrimSpace(after)
		}
		if raw == "" {
			abortUnauthorized(c, "missing credential")
			return
		}
		tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errs.ErrUnauthorized.WithDetailf("alg %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !tok.Valid {
			abortUnauthorized(c, "invalid credential")
			return
		}
		claims, ok := tok.Claims.(jwt.MapClaims)
		if !ok {
			abortUnauthorized(c, "invalid claims")
			return
		}
		uid, ok := claims["uid"].(float64)
		if !ok || uid <= 0 {
			abortUnauthorized(c, "missing uid")
			return
		}
		c.Set(CtxUserIDKey, int64(uid))
		c.Next()
	}
}

// AuthedUserID 取出 Auth 写入的用户号；未经过 Auth 时返回 0。
func AuthedUserID(c *gin.Context) int64 {
	v, ok := c.Get(CtxUserIDKey)
	if !ok {
		return 0
	}
	id, _ := v.(int64)
	return id
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code": errs.CodeUnauthorized, "msg": msg,
	})
}

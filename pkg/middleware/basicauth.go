package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminBasicAuth は管理エンドポイントを保護するBasic認証ミドルウェアを返す。
// 認証情報が未設定の場合は、誤って管理APIが無防備に公開されることを防ぐため
// 常に401を返す（アプリ認証のオープンデフォルトとは逆の方針）。
func AdminBasicAuth(user, pass string) gin.HandlerFunc {
	configured := user != "" && pass != ""

	return func(c *gin.Context) {
		if !configured {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin_auth_not_configured"})
			return
		}

		reqUser, reqPass, ok := c.Request.BasicAuth()
		userMatch := subtle.ConstantTimeCompare([]byte(reqUser), []byte(user)) == 1
		passMatch := subtle.ConstantTimeCompare([]byte(reqPass), []byte(pass)) == 1
		if !ok || !userMatch || !passMatch {
			c.Header("WWW-Authenticate", `Basic realm="admin"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

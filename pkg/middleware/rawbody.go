package middleware

import (
	"bytes"
	"io"

	"github.com/gin-gonic/gin"
)

// contextKeyRawBody はGinコンテキストに生ボディを格納するためのキー。
const contextKeyRawBody = "raw_body"

// maxBodyBytes は受け付けるリクエストボディの上限（1MB）。
const maxBodyBytes = 1 << 20

// RawBody はリクエストボディを読み取ってコンテキストに保存し、
// 後続ハンドラのためにボディリーダーを復元するミドルウェアを返す。
// HMAC署名の検証はJSONパース前の正確なバイト列に対して行う必要があるため、
// 署名検証を使うルートより前に適用すること。
func RawBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
			if err != nil {
				c.AbortWithStatusJSON(400, gin.H{"error": "invalid_body"})
				return
			}
			c.Request.Body.Close()
			c.Set(contextKeyRawBody, body)
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}
		c.Next()
	}
}

// GetRawBody はGinコンテキストから生リクエストボディを取得する。
// RawBodyミドルウェアが事前に適用されている必要がある。
func GetRawBody(c *gin.Context) []byte {
	v, ok := c.Get(contextKeyRawBody)
	if !ok {
		return nil
	}
	if body, ok := v.([]byte); ok {
		return body
	}
	return nil
}

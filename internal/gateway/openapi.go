package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// openAPISpec はゲートウェイAPIのOpenAPI定義。クライアント生成用に配信する。
const openAPISpec = `{
  "openapi": "3.0.3",
  "info": {
    "title": "Onramp Gateway API",
    "description": "ウォレットアプリ向け統合ゲートウェイのAPI",
    "version": "1.0.0"
  },
  "paths": {
    "/healthz": {
      "get": {"summary": "ヘルスチェック", "responses": {"200": {"description": "OK"}, "503": {"description": "データベース不通"}}}
    },
    "/api/config": {
      "get": {"summary": "機能フラグの取得", "responses": {"200": {"description": "OK"}}}
    },
    "/api/tokens": {
      "get": {"summary": "トークンレジストリの取得", "responses": {"200": {"description": "OK"}}}
    },
    "/api/onramp/session": {
      "post": {"summary": "オンランプセッションの作成", "responses": {"200": {"description": "OK"}, "400": {"description": "入力不正"}, "502": {"description": "プロバイダエラー"}}}
    },
    "/api/onramp/sessions": {
      "get": {
        "summary": "ウォレット別セッション一覧",
        "parameters": [
          {"name": "wallet_address", "in": "query", "required": true, "schema": {"type": "string"}},
          {"name": "limit", "in": "query", "schema": {"type": "integer", "minimum": 1, "maximum": 100}},
          {"name": "cursor", "in": "query", "schema": {"type": "integer"}}
        ],
        "responses": {"200": {"description": "OK"}, "400": {"description": "入力不正"}}
      }
    },
    "/api/onramp/session/{id}": {
      "get": {
        "summary": "セッション詳細とWebhook履歴",
        "parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}],
        "responses": {"200": {"description": "OK"}, "404": {"description": "未登録"}}
      }
    },
    "/api/onramp/webhook": {
      "post": {"summary": "プロバイダWebhookの受信", "responses": {"200": {"description": "OK"}, "401": {"description": "署名不一致"}}}
    },
    "/api/analytics/track": {
      "post": {"summary": "分析イベントの記録", "responses": {"200": {"description": "OK"}}}
    },
    "/api/notify/register": {
      "post": {"summary": "プッシュ通知先デバイスの登録", "responses": {"200": {"description": "OK"}}}
    },
    "/api/rpc": {
      "post": {"summary": "JSON-RPC中継", "responses": {"200": {"description": "OK"}, "400": {"description": "メソッド不許可"}, "502": {"description": "ノードエラー"}}}
    },
    "/api/aggregator/{path}": {
      "get": {
        "summary": "DEXアグリゲータAPIの中継",
        "parameters": [{"name": "path", "in": "path", "required": true, "schema": {"type": "string"}}],
        "responses": {"200": {"description": "OK"}, "400": {"description": "トークン不許可"}}
      }
    },
    "/api/price-index/{path}": {
      "get": {
        "summary": "価格APIの中継",
        "parameters": [{"name": "path", "in": "path", "required": true, "schema": {"type": "string"}}],
        "responses": {"200": {"description": "OK"}}
      }
    },
    "/api/prices/stream": {
      "get": {
        "summary": "トークン価格のSSE配信",
        "parameters": [
          {"name": "addresses", "in": "query", "required": true, "schema": {"type": "string"}},
          {"name": "chain", "in": "query", "schema": {"type": "string", "default": "eth"}}
        ],
        "responses": {"200": {"description": "text/event-stream"}}
      }
    }
  }
}`

// handleOpenAPI はOpenAPI定義を返すハンドラを返す。
func (s *Server) handleOpenAPI() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Data(http.StatusOK, "application/json", []byte(openAPISpec))
	}
}

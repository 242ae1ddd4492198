package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/onramp-gateway/pkg/middleware"

	"github.com/nao1215/onramp-gateway/internal/ledger"
	"github.com/nao1215/onramp-gateway/internal/upstream"
)

// sessionWebhookLimit はセッション詳細に同梱するWebhook監査行の上限。
const sessionWebhookLimit = 20

// handleCreateSession はオンランプセッションを作成するハンドラを返す。
// 冪等キーはボディのidempotency_keyかX-Idempotency-Keyヘッダで受ける。
func (s *Server) handleCreateSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body map[string]any
		if err := json.Unmarshal(middleware.GetRawBody(c), &body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
			return
		}

		// 冪等キーのボディ側のキー名はスネーク・キャメルの両方を許容する
		idemKey, _ := body["idempotency_key"].(string)
		if idemKey == "" {
			idemKey, _ = body["idempotencyKey"].(string)
		}
		if idemKey == "" {
			idemKey = c.GetHeader("X-Idempotency-Key")
		}

		sessionID, err := s.ledger.CreateSession(c.Request.Context(), body, idemKey)
		if err != nil {
			s.respondCreateSessionError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": sessionID})
	}
}

// respondCreateSessionError はセッション作成エラーをAPIエラー応答に変換する。
func (s *Server) respondCreateSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidWalletAddress):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_wallet_address"})
	case errors.Is(err, ledger.ErrMissingFields):
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_required_fields"})
	case errors.Is(err, upstream.ErrNotConfigured):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_misconfigured"})
	case errors.Is(err, ledger.ErrUpstream):
		var statusErr *upstream.StatusError
		if errors.As(err, &statusErr) && json.Valid(statusErr.Body) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_error", "detail": json.RawMessage(statusErr.Body)})
			return
		}
		log.Printf("セッション作成の上流呼び出しに失敗しました: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_error"})
	default:
		log.Printf("セッション作成に失敗しました: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

// handleListSessions はウォレット別のセッション一覧を返すハンドラを返す。
// created_at降順のカーソルページングで、件数が上限に達した場合のみ
// next_cursorを返す。
func (s *Server) handleListSessions() gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := c.Query("wallet_address")
		if !ledger.ValidWalletAddress(wallet) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_wallet_address"})
			return
		}

		limit := 50
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		if limit < 1 {
			limit = 1
		}
		if limit > 100 {
			limit = 100
		}

		var cursor int64
		if v := c.Query("cursor"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				cursor = n
			}
		}

		sessions, err := s.ledger.Store().SessionsByWallet(c.Request.Context(), wallet, cursor, limit)
		if err != nil {
			log.Printf("セッション一覧の取得に失敗しました: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		if sessions == nil {
			sessions = []*ledger.Session{}
		}

		var nextCursor any
		if len(sessions) == limit {
			nextCursor = sessions[len(sessions)-1].CreatedAt
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions, "next_cursor": nextCursor})
	}
}

// handleGetSession はセッション詳細とWebhook監査履歴を返すハンドラを返す。
func (s *Server) handleGetSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("id")
		sess, err := s.ledger.Store().SessionByID(c.Request.Context(), sessionID)
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		if err != nil {
			log.Printf("セッション詳細の取得に失敗しました: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}

		webhooks, err := s.ledger.Store().WebhooksBySession(c.Request.Context(), sessionID, sessionWebhookLimit)
		if err != nil {
			log.Printf("Webhook履歴の取得に失敗しました: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		if webhooks == nil {
			webhooks = []*ledger.WebhookRecord{}
		}
		c.JSON(http.StatusOK, gin.H{"session": sess, "webhooks": webhooks})
	}
}

// handleWebhook はオンランププロバイダからのWebhookを処理するハンドラを返す。
// 署名は生ボディに対して検証されるため、パース前のボディをそのまま渡す。
func (s *Server) handleWebhook() gin.HandlerFunc {
	return func(c *gin.Context) {
		rawBody := middleware.GetRawBody(c)
		signature := c.GetHeader("X-Signature")

		err := s.ledger.RecordWebhook(c.Request.Context(), rawBody, signature)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"ok": true})
		case errors.Is(err, ledger.ErrInvalidSignature):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
		case errors.Is(err, ledger.ErrInvalidPayload):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		default:
			log.Printf("Webhookの処理に失敗しました: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
	}
}

// analyticsRequest は分析イベント記録のリクエストボディ。
type analyticsRequest struct {
	Event         string         `json:"event"`
	SessionID     string         `json:"session_id"`
	WalletAddress string         `json:"wallet_address"`
	Properties    map[string]any `json:"properties"`
}

// handleTrackAnalytics は分析イベントを記録するハンドラを返す。
func (s *Server) handleTrackAnalytics() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req analyticsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
			return
		}

		err := s.ledger.TrackEvent(c.Request.Context(), req.Event, req.SessionID, req.WalletAddress, req.Properties)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"ok": true})
		case errors.Is(err, ledger.ErrMissingFields):
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_required_fields"})
		default:
			log.Printf("分析イベントの記録に失敗しました: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
	}
}

// deviceRequest はプッシュ通知先デバイス登録のリクエストボディ。
type deviceRequest struct {
	WalletAddress  string `json:"wallet_address"`
	ExternalUserID string `json:"external_user_id"`
	Platform       string `json:"platform"`
}

// handleRegisterDevice はプッシュ通知先デバイスを登録するハンドラを返す。
func (s *Server) handleRegisterDevice() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req deviceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
			return
		}

		err := s.ledger.RegisterDevice(c.Request.Context(), req.WalletAddress, req.ExternalUserID, req.Platform)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"ok": true})
		case errors.Is(err, ledger.ErrInvalidWalletAddress):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_wallet_address"})
		case errors.Is(err, ledger.ErrMissingFields):
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_required_fields"})
		default:
			log.Printf("デバイス登録に失敗しました: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
	}
}

package gateway

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/onramp-gateway/internal/ledger"
)

// handleAnalyticsSummary はイベント名別の集計を返すハンドラを返す。
func (s *Server) handleAnalyticsSummary() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := s.ledger.Store().AnalyticsSummary(c.Request.Context())
		if err != nil {
			log.Printf("分析サマリの取得に失敗しました: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		if summary == nil {
			summary = []ledger.EventCount{}
		}
		c.JSON(http.StatusOK, gin.H{"events": summary})
	}
}

// handleCronRun は定期メンテナンス処理を即時実行するハンドラを返す。
// 保留セッションの期限切れ処理と保持期限切れ行の削除をまとめて行う。
func (s *Server) handleCronRun() gin.HandlerFunc {
	return func(c *gin.Context) {
		now := time.Now()

		expired, err := s.ledger.ExpirySweep(c.Request.Context(), now)
		if err != nil {
			log.Printf("期限切れ処理に失敗しました: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}

		webhooks, analytics, err := s.ledger.PurgeRetention(c.Request.Context(), now)
		if err != nil {
			log.Printf("保持期限切れ行の削除に失敗しました: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"expired_sessions":  expired,
			"deleted_webhooks":  webhooks,
			"deleted_analytics": analytics,
		})
	}
}

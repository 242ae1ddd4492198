package relay

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/onramp-gateway/internal/upstream"
)

// defaultStreamInterval は価格ポーリングの既定間隔。
const defaultStreamInterval = 10 * time.Second

// maxStreamAddresses は1接続あたり購読できるトークンアドレスの上限。
const maxStreamAddresses = 20

// Stream はトークン価格をSSEで配信するストリーミング中継。
// 接続ごとに上流価格APIをポーリングし、priceイベントとして送出する。
type Stream struct {
	prices   *upstream.PriceClient
	interval time.Duration
	now      func() time.Time
}

// NewStream はストリーミング中継を生成する。intervalが0以下の場合は既定値を使う。
func NewStream(prices *upstream.PriceClient, interval time.Duration) *Stream {
	if interval <= 0 {
		interval = defaultStreamInterval
	}
	return &Stream{
		prices:   prices,
		interval: interval,
		now:      time.Now,
	}
}

// Handler はSSE配信のginハンドラを返す。
// 接続確立時にreadyイベントを送り、即時1周の価格取得ののち
// 一定間隔でポーリングを続ける。切断はリクエストコンテキストで検知する。
func (s *Stream) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.prices.Configured() {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server_misconfigured"})
			return
		}

		addresses := splitAddresses(c.Query("addresses"))
		if len(addresses) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_required_fields"})
			return
		}
		if len(addresses) > maxStreamAddresses {
			c.JSON(http.StatusBadRequest, gin.H{"error": "too_many_addresses"})
			return
		}
		chain := c.DefaultQuery("chain", "eth")

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache, no-transform")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		c.SSEvent("ready", gin.H{"ok": true, "addresses": addresses})
		c.Writer.Flush()

		ctx := c.Request.Context()
		cycle := func() {
			for _, addr := range addresses {
				if ctx.Err() != nil {
					return
				}
				data, err := s.prices.TokenPrice(ctx, addr, chain)
				if err != nil {
					// 一部アドレスの失敗で配信全体は止めない
					continue
				}
				c.SSEvent("price", gin.H{"address": addr, "data": data})
			}
			c.SSEvent("heartbeat", gin.H{"t": s.now().UnixMilli()})
			c.Writer.Flush()
		}

		cycle()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cycle()
			}
		}
	}
}

// splitAddresses はカンマ区切りのアドレス一覧を正規化して返す。
func splitAddresses(raw string) []string {
	parts := strings.Split(raw, ",")
	addresses := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			addresses = append(addresses, p)
		}
	}
	return addresses
}

package relay

import (
	"bytes"
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/onramp-gateway/pkg/httpclient"
)

// allowedRPCMethods は中継を許可するJSON-RPCメソッド。
// 読み取り系と署名済みトランザクション送信のみを通す。
var allowedRPCMethods = map[string]struct{}{
	"eth_call":                {},
	"eth_estimateGas":         {},
	"eth_getBalance":          {},
	"eth_getTransactionCount": {},
	"eth_gasPrice":            {},
	"eth_feeHistory":          {},
	"eth_chainId":             {},
	"eth_blockNumber":         {},
	"eth_getBlockByNumber":    {},
	"eth_sendRawTransaction":  {},
}

// Selector は中継先RPCノードの選択方法。okがfalseの場合は利用可能なノードが無い。
type Selector interface {
	Pick() (url string, ok bool)
}

// RandomSelector は登録されたノードから一様ランダムに1つ選ぶ。
type RandomSelector struct {
	urls []string
}

// NewRandomSelector はランダム選択のノードセレクタを生成する。
func NewRandomSelector(urls []string) *RandomSelector {
	cleaned := make([]string, 0, len(urls))
	for _, u := range urls {
		if u != "" {
			cleaned = append(cleaned, u)
		}
	}
	return &RandomSelector{urls: cleaned}
}

// Pick はノードを1つ返す。
func (s *RandomSelector) Pick() (string, bool) {
	if len(s.urls) == 0 {
		return "", false
	}
	return s.urls[rand.Intn(len(s.urls))], true
}

// RPC はプライベートRPCノードへのJSON-RPC中継。
type RPC struct {
	selector Selector
	client   *httpclient.Client
}

// NewRPC はJSON-RPC中継を生成する。
func NewRPC(selector Selector) *RPC {
	return &RPC{
		selector: selector,
		client:   httpclient.New(15 * time.Second),
	}
}

// rpcRequest はクライアントから受けるリクエストの最小形。
type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     json.RawMessage `json:"id"`
}

// Handler はJSON-RPC中継のginハンドラを返す。
// メソッドを検証したうえでエンベロープを組み直し、ノードへ転送する。
func (r *RPC) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req rpcRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
			return
		}
		if _, ok := allowedRPCMethods[req.Method]; !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "method_not_allowed"})
			return
		}

		node, ok := r.selector.Pick()
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "no_private_rpc"})
			return
		}

		params := req.Params
		if !isJSONArray(params) {
			params = json.RawMessage("[]")
		}
		id := req.ID
		if len(id) == 0 {
			id = json.RawMessage("1")
		}
		envelope := map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"method":  req.Method,
			"params":  params,
		}

		resp, err := r.client.PostJSON(c.Request.Context(), node, map[string]string{"Accept": "application/json"}, envelope)
		if err != nil {
			log.Printf("RPC中継の転送に失敗しました: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}

		status := http.StatusOK
		if resp.StatusCode != http.StatusOK {
			status = http.StatusBadGateway
		}
		c.Data(status, "application/json", resp.Body)
	}
}

// isJSONArray はJSON値が配列かどうかを先頭バイトで判定する。
func isJSONArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

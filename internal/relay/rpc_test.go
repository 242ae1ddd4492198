package relay

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
)

// newRPCRouter はJSON-RPC中継を登録したルータを返す。
func newRPCRouter(t *testing.T, selector Selector) *gin.Engine {
	t.Helper()
	router := gin.New()
	router.POST("/api/rpc", NewRPC(selector).Handler())
	return router
}

func TestRPCRelay(t *testing.T) {
	t.Parallel()

	t.Run("許可メソッドはエンベロープを組み直して転送する", func(t *testing.T) {
		t.Parallel()

		var gotEnvelope map[string]any
		node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, &gotEnvelope)
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
		}))
		defer node.Close()

		router := newRPCRouter(t, NewRandomSelector([]string{node.URL}))
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/rpc", strings.NewReader(`{"method":"eth_chainId"}`))
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if !strings.Contains(w.Body.String(), `"result":"0x1"`) {
			t.Errorf("ノード応答が中継されていません: %s", w.Body.String())
		}
		if gotEnvelope["jsonrpc"] != "2.0" {
			t.Errorf("jsonrpc = %v, want 2.0", gotEnvelope["jsonrpc"])
		}
		if gotEnvelope["id"] != float64(1) {
			t.Errorf("省略されたidの既定値 = %v, want 1", gotEnvelope["id"])
		}
		if params, ok := gotEnvelope["params"].([]any); !ok || len(params) != 0 {
			t.Errorf("省略されたparamsの既定値 = %v, want []", gotEnvelope["params"])
		}
	})

	t.Run("配列でないparamsは空配列に置き換える", func(t *testing.T) {
		t.Parallel()

		var gotEnvelope map[string]any
		node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, &gotEnvelope)
			w.Write([]byte(`{}`))
		}))
		defer node.Close()

		router := newRPCRouter(t, NewRandomSelector([]string{node.URL}))
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/rpc", strings.NewReader(`{"method":"eth_call","params":{"to":"0x1"},"id":"abc"}`))
		router.ServeHTTP(w, req)

		if params, ok := gotEnvelope["params"].([]any); !ok || len(params) != 0 {
			t.Errorf("params = %v, want []", gotEnvelope["params"])
		}
		if gotEnvelope["id"] != "abc" {
			t.Errorf("idが引き継がれていません: %v", gotEnvelope["id"])
		}
	})

	t.Run("許可リスト外のメソッドは400でノードに到達しない", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int64
		node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Write([]byte(`{}`))
		}))
		defer node.Close()

		router := newRPCRouter(t, NewRandomSelector([]string{node.URL}))
		for _, method := range []string{"eth_sign", "personal_sign", "eth_getLogs", ""} {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/rpc", strings.NewReader(`{"method":"`+method+`"}`))
			router.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("メソッド %q のステータスコード = %d, want %d", method, w.Code, http.StatusBadRequest)
			}
			if !strings.Contains(w.Body.String(), "method_not_allowed") {
				t.Errorf("エラーコードが不正です: %s", w.Body.String())
			}
		}
		if got := calls.Load(); got != 0 {
			t.Errorf("ノード呼び出し回数 = %d, want 0", got)
		}
	})

	t.Run("ノードが未設定の場合は500を返す", func(t *testing.T) {
		t.Parallel()

		router := newRPCRouter(t, NewRandomSelector(nil))
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/rpc", strings.NewReader(`{"method":"eth_chainId"}`))
		router.ServeHTTP(w, req)

		if w.Code != http.StatusInternalServerError {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusInternalServerError)
		}
		if !strings.Contains(w.Body.String(), "no_private_rpc") {
			t.Errorf("エラーコードが不正です: %s", w.Body.String())
		}
	})

	t.Run("ノードの非200応答は502でボディを中継する", func(t *testing.T) {
		t.Parallel()

		node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":-32000,"message":"overloaded"}}`))
		}))
		defer node.Close()

		router := newRPCRouter(t, NewRandomSelector([]string{node.URL}))
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/rpc", strings.NewReader(`{"method":"eth_blockNumber"}`))
		router.ServeHTTP(w, req)

		if w.Code != http.StatusBadGateway {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadGateway)
		}
		if !strings.Contains(w.Body.String(), "overloaded") {
			t.Errorf("ノードのエラーボディが中継されていません: %s", w.Body.String())
		}
	})

	t.Run("不正なJSONボディは400を返す", func(t *testing.T) {
		t.Parallel()

		router := newRPCRouter(t, NewRandomSelector(nil))
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/rpc", strings.NewReader("not json"))
		router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
		if !strings.Contains(w.Body.String(), "invalid_payload") {
			t.Errorf("エラーコードが不正です: %s", w.Body.String())
		}
	})
}

func TestRandomSelector(t *testing.T) {
	t.Parallel()

	t.Run("空文字のノードは除外する", func(t *testing.T) {
		t.Parallel()

		s := NewRandomSelector([]string{"", "http://node-a", ""})
		for i := 0; i < 10; i++ {
			url, ok := s.Pick()
			if !ok || url != "http://node-a" {
				t.Errorf("Pick() = (%q, %v), want (http://node-a, true)", url, ok)
			}
		}
	})

	t.Run("候補が無い場合はfalseを返す", func(t *testing.T) {
		t.Parallel()

		if _, ok := NewRandomSelector(nil).Pick(); ok {
			t.Error("空のセレクタがノードを返しています")
		}
	})

	t.Run("登録されたノードの中から選ぶ", func(t *testing.T) {
		t.Parallel()

		urls := map[string]bool{"http://node-a": true, "http://node-b": true}
		s := NewRandomSelector([]string{"http://node-a", "http://node-b"})
		for i := 0; i < 20; i++ {
			url, ok := s.Pick()
			if !ok || !urls[url] {
				t.Errorf("Pick() = (%q, %v), 登録外のノードです", url, ok)
			}
		}
	})
}

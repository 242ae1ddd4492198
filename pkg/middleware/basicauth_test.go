package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

// newAdminRouter はAdminBasicAuthを適用したテスト用ルーターを生成する。
func newAdminRouter(user, pass string) *gin.Engine {
	router := gin.New()
	admin := router.Group("/admin")
	admin.Use(AdminBasicAuth(user, pass))
	admin.GET("/summary", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return router
}

// TestAdminBasicAuth は管理エンドポイントのBasic認証を検証する。
func TestAdminBasicAuth(t *testing.T) {
	t.Parallel()

	t.Run("正しい認証情報でアクセスできること", func(t *testing.T) {
		t.Parallel()

		router := newAdminRouter("admin", "secret")

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/admin/summary", nil)
		req.SetBasicAuth("admin", "secret")
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("誤ったパスワードが拒否されること", func(t *testing.T) {
		t.Parallel()

		router := newAdminRouter("admin", "secret")

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/admin/summary", nil)
		req.SetBasicAuth("admin", "wrong")
		router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("認証情報未設定時は常に拒否されること", func(t *testing.T) {
		t.Parallel()

		router := newAdminRouter("", "")

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/admin/summary", nil)
		req.SetBasicAuth("anyone", "anything")
		router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

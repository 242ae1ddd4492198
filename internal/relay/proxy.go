package relay

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nao1215/onramp-gateway/pkg/cache"
	"github.com/nao1215/onramp-gateway/pkg/httpclient"

	"github.com/nao1215/onramp-gateway/internal/upstream"
)

var (
	// proxyCacheHits はTTLキャッシュにヒットした中継リクエスト数。
	proxyCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_proxy_cache_hits_total",
			Help: "キャッシュから応答した中継リクエスト数",
		},
		[]string{"category"},
	)
	// proxyCacheMisses は上流へ転送した中継リクエスト数。
	proxyCacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_proxy_cache_misses_total",
			Help: "上流へ転送した中継リクエスト数",
		},
		[]string{"category"},
	)
)

func init() {
	prometheus.MustRegister(proxyCacheHits, proxyCacheMisses)
}

// CachedResponse はTTLキャッシュに保持する上流応答。2xxの応答のみ格納する。
type CachedResponse struct {
	Body        []byte
	ContentType string
}

// TokenFilter はスワップ対象トークンの許可・拒否リスト。
// アドレスは小文字に正規化して比較し、拒否リストが常に優先される。
// 許可リストが空でない場合、リスト外のトークンはすべて拒否される。
type TokenFilter struct {
	allow map[string]struct{}
	deny  map[string]struct{}
}

// NewTokenFilter は許可・拒否リストからフィルタを構築する。
// 両方が空の場合はnilを返し、フィルタ無しとして扱う。
func NewTokenFilter(allow, deny []string) *TokenFilter {
	if len(allow) == 0 && len(deny) == 0 {
		return nil
	}
	f := &TokenFilter{
		allow: make(map[string]struct{}, len(allow)),
		deny:  make(map[string]struct{}, len(deny)),
	}
	for _, a := range allow {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			f.allow[a] = struct{}{}
		}
	}
	for _, d := range deny {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			f.deny[d] = struct{}{}
		}
	}
	return f
}

// Allowed はトークンアドレスが中継可能かどうかを返す。
func (f *TokenFilter) Allowed(address string) bool {
	if f == nil {
		return true
	}
	addr := strings.ToLower(address)
	if _, denied := f.deny[addr]; denied {
		return false
	}
	if len(f.allow) > 0 {
		_, ok := f.allow[addr]
		return ok
	}
	return true
}

// ProxyConfig はGETプロキシ中継1系統分の設定。
type ProxyConfig struct {
	// Name はメトリクスのカテゴリラベルに使う中継名。
	Name string
	// BaseURL は上流APIのベースURL。
	BaseURL string
	// APIKey は上流APIの認証キー。空の場合、中継は未設定エラーを返す。
	APIKey string
	// AuthScheme はAPIKeyの送り方(bearer / api-key)。
	AuthScheme string
	// TTL は2xx応答をキャッシュする期間。
	TTL time.Duration
	// Filter はスワップトークンの許可・拒否フィルタ。nilなら無条件で中継する。
	Filter *TokenFilter
}

// Proxy は上流REST APIへのGET中継。APIキーをサーバ側で付与し、
// 同一パス・同一クエリの応答をTTLキャッシュで共有する。
type Proxy struct {
	cfg    ProxyConfig
	store  *cache.Store[CachedResponse]
	client *httpclient.Client
}

// NewProxy はGETプロキシ中継を生成する。storeは複数の中継系統で共有できる。
func NewProxy(cfg ProxyConfig, store *cache.Store[CachedResponse]) *Proxy {
	return &Proxy{
		cfg:    cfg,
		store:  store,
		client: httpclient.New(15 * time.Second),
	}
}

// Handler はワイルドカードパスを受けるginハンドラを返す。
// ルートは GET /api/<name>/*path の形式で登録する。
func (p *Proxy) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if p.cfg.APIKey == "" {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server_misconfigured"})
			return
		}

		if !p.tokensAllowed(c) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token_not_allowed"})
			return
		}

		pathSuffix := c.Param("path")
		query := c.Request.URL.Query()
		key := cache.Key(p.cfg.BaseURL, pathSuffix, query)

		if hit, ok := p.store.Get(key); ok {
			proxyCacheHits.WithLabelValues(p.cfg.Name).Inc()
			c.Data(http.StatusOK, hit.ContentType, hit.Body)
			return
		}
		proxyCacheMisses.WithLabelValues(p.cfg.Name).Inc()

		target := p.cfg.BaseURL + pathSuffix
		if raw := c.Request.URL.RawQuery; raw != "" {
			target += "?" + raw
		}

		headers := map[string]string{"Accept": "application/json"}
		if p.cfg.AuthScheme == upstream.AuthSchemeBearer {
			headers["Authorization"] = "Bearer " + p.cfg.APIKey
		} else {
			headers["X-API-Key"] = p.cfg.APIKey
		}

		resp, err := p.client.Get(c.Request.Context(), target, headers)
		if err != nil {
			log.Printf("%s中継の上流呼び出しに失敗しました: %v", p.cfg.Name, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}

		if resp.OK() {
			p.store.Set(key, CachedResponse{Body: resp.Body, ContentType: resp.ContentType}, p.cfg.TTL)
		}
		c.Data(resp.StatusCode, resp.ContentType, resp.Body)
	}
}

// tokensAllowed はクエリ中のスワップトークンをフィルタで検査する。
// 送り側・受け側それぞれ複数のパラメータ名を許容する。
func (p *Proxy) tokensAllowed(c *gin.Context) bool {
	if p.cfg.Filter == nil {
		return true
	}
	for _, name := range []string{"fromTokenAddress", "src", "toTokenAddress", "dst"} {
		if v := c.Query(name); v != "" && !p.cfg.Filter.Allowed(v) {
			return false
		}
	}
	return true
}

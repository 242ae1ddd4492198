package upstream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nao1215/onramp-gateway/pkg/cache"
	"github.com/nao1215/onramp-gateway/pkg/httpclient"
)

// registryCacheKey はレジストリキャッシュに使う固定キー。対象URLは1つのみ。
const registryCacheKey = "token-registry"

// emptyRegistry はレジストリ未設定・初回取得失敗時に返す空のレスポンス。
var emptyRegistry = json.RawMessage(`{"tokens":[]}`)

// RegistryClient はトークンレジストリのクライアント。
// 取得結果をTTL付きでキャッシュし、再取得に失敗した場合は
// 期限切れでも最後に成功したコピーを返し続ける。
type RegistryClient struct {
	// client はHTTP通信クライアント。
	client *httpclient.Client
	// url はレジストリJSONのURL。空の場合は空レジストリを返す。
	url string
	// ttl はキャッシュの有効期間。
	ttl time.Duration
	// fresh はTTL内のレジストリを保持するキャッシュ。
	fresh *cache.Store[json.RawMessage]

	// mu はlastGoodを保護する。
	mu sync.Mutex
	// lastGood は最後に取得へ成功したレジストリ。TTL切れのフォールバックに使う。
	lastGood json.RawMessage
}

// NewRegistryClient は新しいトークンレジストリクライアントを生成する。
func NewRegistryClient(url string, ttl time.Duration) *RegistryClient {
	return &RegistryClient{
		client: httpclient.New(10 * time.Second),
		url:    url,
		ttl:    ttl,
		fresh:  cache.New[json.RawMessage](),
	}
}

// Tokens はトークンレジストリを返す。
// TTL内はキャッシュを返し、TTL切れは再取得を試み、失敗時は最後に
// 成功したコピー（なければ空レジストリ）を返す。
func (c *RegistryClient) Tokens(ctx context.Context) json.RawMessage {
	if c.url == "" {
		return emptyRegistry
	}
	if data, ok := c.fresh.Get(registryCacheKey); ok {
		return data
	}

	resp, err := c.client.Get(ctx, c.url, nil)
	if err == nil && resp.OK() {
		data := json.RawMessage(resp.Body)
		c.fresh.Set(registryCacheKey, data, c.ttl)
		c.mu.Lock()
		c.lastGood = data
		c.mu.Unlock()
		return data
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastGood != nil {
		return c.lastGood
	}
	return emptyRegistry
}

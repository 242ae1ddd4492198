package upstream

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/nao1215/onramp-gateway/pkg/httpclient"
)

// PriceClient はトークン価格APIのクライアント。
// ストリーミング中継が1サイクルごとにアドレス単位の現在価格を取得するために使う。
type PriceClient struct {
	// client はHTTP通信クライアント。
	client *httpclient.Client
	// baseURL は価格APIのベースURL。
	baseURL string
	// apiKey は価格APIのAPIキー。
	apiKey string
}

// NewPriceClient は新しい価格APIクライアントを生成する。
func NewPriceClient(baseURL, apiKey string) *PriceClient {
	return &PriceClient{
		client:  httpclient.New(12 * time.Second),
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

// Configured はAPIキーが設定されているかを返す。
func (c *PriceClient) Configured() bool {
	return c.apiKey != ""
}

// TokenPrice は指定トークンアドレスの現在価格を取得する。
// 非2xxレスポンスはStatusErrorとして返す。
func (c *PriceClient) TokenPrice(ctx context.Context, address, chain string) (json.RawMessage, error) {
	query := url.Values{}
	query.Set("chain", chain)
	reqURL := c.baseURL + "/erc20/" + url.PathEscape(address) + "/price?" + query.Encode()

	resp, err := c.client.Get(ctx, reqURL, map[string]string{"X-API-Key": c.apiKey})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: resp.Body}
	}
	return json.RawMessage(resp.Body), nil
}

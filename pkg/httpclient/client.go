package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Response は上流からのHTTPレスポンス。ステータスコードとボディを
// 加工せずに保持する。
type Response struct {
	// StatusCode は上流が返したHTTPステータスコード。
	StatusCode int
	// Body は上流が返したレスポンスボディ。
	Body []byte
	// ContentType は上流のContent-Typeヘッダー。空の場合はapplication/json。
	ContentType string
}

// OK はレスポンスが2xxであるかを返す。
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// DecodeJSON はレスポンスボディをJSONとしてデシリアライズする。
func (r *Response) DecodeJSON(result any) error {
	if err := json.Unmarshal(r.Body, result); err != nil {
		return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
	}
	return nil
}

// Client は上流API通信用のHTTPクライアント。呼び出しごとの固定タイムアウトを持つ。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
}

// New は指定タイムアウトを持つ新しいクライアントを生成する。
func New(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Get は指定URLにGETリクエストを送信する。
// 上流のステータスコードに関わらずレスポンスをそのまま返し、
// ネットワーク障害（タイムアウト・DNS・接続リセット）のみをエラーとする。
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	return c.do(ctx, http.MethodGet, url, headers, nil)
}

// PostJSON は指定URLにJSONボディでPOSTリクエストを送信する。
func (c *Client) PostJSON(ctx context.Context, url string, headers map[string]string, body any) (*Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
	}
	return c.do(ctx, http.MethodPost, url, headers, jsonBody)
}

// do はHTTPリクエストを実行する共通処理。
func (c *Client) do(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		Body:        respBody,
		ContentType: contentType,
	}, nil
}

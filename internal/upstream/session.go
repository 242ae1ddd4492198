package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/onramp-gateway/pkg/httpclient"
)

// ErrNotConfigured は必要な設定（URL・APIキー）が欠けていることを表す。
var ErrNotConfigured = errors.New("上流サービスの設定が不足しています")

// ErrNoSessionID はプロバイダのレスポンスにセッションIDが含まれないことを表す。
var ErrNoSessionID = errors.New("プロバイダのレスポンスにセッションIDがありません")

// StatusError は上流が非2xxステータスを返したことを表す。
// 上流のボディはJSON-RPCエラー等の意味のあるペイロードである可能性が
// あるため保持する。
type StatusError struct {
	// StatusCode は上流が返したHTTPステータスコード。
	StatusCode int
	// Body は上流が返したレスポンスボディ。
	Body []byte
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	return fmt.Sprintf("上流がステータス%dを返しました", e.StatusCode)
}

// AuthSchemeBearer はAuthorization: Bearerヘッダーによる認証方式。
const AuthSchemeBearer = "bearer"

// AuthSchemeAPIKey はX-API-KEYヘッダーによる認証方式。
const AuthSchemeAPIKey = "api-key"

// ProviderClient はオンランププロバイダのセッション作成APIクライアント。
type ProviderClient struct {
	// client はHTTP通信クライアント。
	client *httpclient.Client
	// createSessionURL はセッション作成エンドポイントの完全なURL。
	createSessionURL string
	// apiKey はプロバイダのAPIキー。
	apiKey string
	// authScheme は認証ヘッダーの方式（bearer|api-key）。
	authScheme string
}

// NewProviderClient は新しいプロバイダクライアントを生成する。
func NewProviderClient(createSessionURL, apiKey, authScheme string) *ProviderClient {
	return &ProviderClient{
		client:           httpclient.New(15 * time.Second),
		createSessionURL: createSessionURL,
		apiKey:           apiKey,
		authScheme:       authScheme,
	}
}

// CreateSession はプロバイダにセッション作成を依頼し、発行されたセッションIDを返す。
// 非2xxレスポンスとセッションIDを含まないレスポンスはどちらもハードエラーである。
func (c *ProviderClient) CreateSession(ctx context.Context, payload map[string]any) (string, error) {
	if c.createSessionURL == "" || c.apiKey == "" {
		return "", ErrNotConfigured
	}

	headers := map[string]string{}
	switch c.authScheme {
	case AuthSchemeAPIKey:
		headers["X-API-KEY"] = c.apiKey
	default:
		// bearerと未知の値はBearerにフォールバックする
		headers["Authorization"] = "Bearer " + c.apiKey
	}

	resp, err := c.client.PostJSON(ctx, c.createSessionURL, headers, payload)
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: resp.Body}
	}

	var data map[string]any
	if err := resp.DecodeJSON(&data); err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoSessionID, err)
	}
	// プロバイダのキー揺れを吸収する
	for _, key := range []string{"sessionId", "session_id", "id"} {
		if id, ok := data[key].(string); ok && id != "" {
			return id, nil
		}
	}
	return "", ErrNoSessionID
}

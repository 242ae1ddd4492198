package upstream

import (
	"context"
	"log"
	"time"

	"github.com/nao1215/onramp-gateway/pkg/httpclient"
)

// defaultPushEndpoint はプッシュ通知サービスの通知作成エンドポイント。
const defaultPushEndpoint = "https://api.onesignal.com/notifications"

// PushClient はプッシュ通知サービスのクライアント。
// ベストエフォートの通知に使われ、失敗は呼び出し元に伝播しない。
type PushClient struct {
	// client はHTTP通信クライアント。
	client *httpclient.Client
	// appID は通知サービス側のアプリケーションID。
	appID string
	// apiKey は通知サービスのAPIキー。
	apiKey string
	// endpoint は通知作成エンドポイント。テストで差し替えるために持つ。
	endpoint string
}

// NewPushClient は新しいプッシュ通知クライアントを生成する。
func NewPushClient(appID, apiKey string) *PushClient {
	return &PushClient{
		client:   httpclient.New(10 * time.Second),
		appID:    appID,
		apiKey:   apiKey,
		endpoint: defaultPushEndpoint,
	}
}

// Configured はアプリケーションIDとAPIキーが揃っているかを返す。
func (c *PushClient) Configured() bool {
	return c.appID != "" && c.apiKey != ""
}

// Notify はexternalUserIDあてにプッシュ通知を送り、成否を返す。
// 未設定・ネットワーク障害・非2xxのいずれもfalseとして扱い、エラーは返さない。
func (c *PushClient) Notify(ctx context.Context, externalUserID, title, message string) bool {
	if !c.Configured() {
		return false
	}

	payload := map[string]any{
		"app_id":          c.appID,
		"include_aliases": map[string]any{"external_id": []string{externalUserID}},
		"headings":        map[string]string{"en": title},
		"contents":        map[string]string{"en": message},
	}
	headers := map[string]string{"Authorization": "Basic " + c.apiKey}

	resp, err := c.client.PostJSON(ctx, c.endpoint, headers, payload)
	if err != nil {
		log.Printf("[Push] 通知リクエストの送信に失敗: %v", err)
		return false
	}
	return resp.OK()
}

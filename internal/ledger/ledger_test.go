package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// fakeProvider はテスト用のオンランププロバイダ。
type fakeProvider struct {
	// sessionID は返すセッションID。
	sessionID string
	// err が設定されている場合は呼び出しが失敗する。
	err error
	// calls は呼び出し回数。
	calls atomic.Int64
}

func (p *fakeProvider) CreateSession(_ context.Context, _ map[string]any) (string, error) {
	p.calls.Add(1)
	if p.err != nil {
		return "", p.err
	}
	return p.sessionID, nil
}

// fakeNotifier は通知試行をチャネルに流すテスト用Notifier。
type fakeNotifier struct {
	// attempts は通知試行ごとにexternalUserIDを受け取る。
	attempts chan string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{attempts: make(chan string, 8)}
}

func (n *fakeNotifier) Notify(_ context.Context, externalUserID, _, _ string) bool {
	n.attempts <- externalUserID
	return true
}

// newTestLedger はインメモリストアとフェイク上流でテスト用の台帳を生成する。
func newTestLedger(t *testing.T, provider *fakeProvider, notifier Notifier, secret string) *Ledger {
	t.Helper()

	st, _ := newTestStore(t)
	return New(st, provider, notifier, Config{
		Env:           "sandbox",
		PartnerID:     "partner-1",
		WebhookSecret: secret,
		PendingExpiry: 24 * time.Hour,
		Retention:     60 * 24 * time.Hour,
	})
}

// validCreateBody はテスト用の正しいセッション作成ボディを返す。
func validCreateBody() map[string]any {
	return map[string]any{
		"wallet_address":  testWallet,
		"currency":        "USD",
		"commodity":       "ETH",
		"network":         "ethereum",
		"currency_amount": 100.0,
		"flow_type":       "simple",
	}
}

// TestCreateSessionValidation は入力検証を検証する。
func TestCreateSessionValidation(t *testing.T) {
	t.Parallel()

	t.Run("不正なウォレットアドレスが拒否されること", func(t *testing.T) {
		t.Parallel()

		provider := &fakeProvider{sessionID: "sess-1"}
		l := newTestLedger(t, provider, nil, "")

		for _, wallet := range []string{
			"",
			"0x123",                                      // 短すぎる
			"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", // 0xプレフィックスなし
			"0xZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ", // hexではない
			"0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", // 41桁
		} {
			body := validCreateBody()
			body["wallet_address"] = wallet
			if _, err := l.CreateSession(context.Background(), body, ""); !errors.Is(err, ErrInvalidWalletAddress) {
				t.Errorf("wallet=%q: err = %v, want ErrInvalidWalletAddress", wallet, err)
			}
		}
		if provider.calls.Load() != 0 {
			t.Errorf("検証失敗時にプロバイダが呼ばれた: %d回", provider.calls.Load())
		}
	})

	t.Run("必須フィールド欠落が拒否されること", func(t *testing.T) {
		t.Parallel()

		l := newTestLedger(t, &fakeProvider{sessionID: "sess-1"}, nil, "")

		for _, field := range []string{"currency", "commodity", "network"} {
			body := validCreateBody()
			delete(body, field)
			if _, err := l.CreateSession(context.Background(), body, ""); !errors.Is(err, ErrMissingFields) {
				t.Errorf("%s欠落: err = %v, want ErrMissingFields", field, err)
			}
		}
	})
}

// TestCreateSessionIdempotency は冪等キーによる重複排除を検証する。
func TestCreateSessionIdempotency(t *testing.T) {
	t.Parallel()

	t.Run("同じ冪等キーの再送が同じセッションIDを返すこと", func(t *testing.T) {
		t.Parallel()

		provider := &fakeProvider{sessionID: "sess-1"}
		l := newTestLedger(t, provider, nil, "")

		first, err := l.CreateSession(context.Background(), validCreateBody(), "key-1")
		if err != nil {
			t.Fatalf("1回目のCreateSession()でエラーが発生: %v", err)
		}

		// 2回目はプロバイダに到達しない
		provider.sessionID = "sess-other"
		second, err := l.CreateSession(context.Background(), validCreateBody(), "key-1")
		if err != nil {
			t.Fatalf("2回目のCreateSession()でエラーが発生: %v", err)
		}

		if first != second {
			t.Errorf("セッションIDが一致しない: %q != %q", first, second)
		}
		if provider.calls.Load() != 1 {
			t.Errorf("プロバイダ呼び出し回数 = %d, want 1", provider.calls.Load())
		}

		// 行は1つだけ存在する
		sessions, err := l.store.SessionsByWallet(context.Background(), testWallet, 0, 100)
		if err != nil {
			t.Fatalf("SessionsByWallet()でエラーが発生: %v", err)
		}
		if len(sessions) != 1 {
			t.Errorf("セッション行数 = %d, want 1", len(sessions))
		}
	})

	t.Run("冪等キーなしの再送は新しいセッションを作ること", func(t *testing.T) {
		t.Parallel()

		provider := &fakeProvider{sessionID: "sess-1"}
		l := newTestLedger(t, provider, nil, "")

		if _, err := l.CreateSession(context.Background(), validCreateBody(), ""); err != nil {
			t.Fatalf("1回目のCreateSession()でエラーが発生: %v", err)
		}
		provider.sessionID = "sess-2"
		if _, err := l.CreateSession(context.Background(), validCreateBody(), ""); err != nil {
			t.Fatalf("2回目のCreateSession()でエラーが発生: %v", err)
		}

		if provider.calls.Load() != 2 {
			t.Errorf("プロバイダ呼び出し回数 = %d, want 2", provider.calls.Load())
		}
	})
}

// TestCreateSessionUpstreamFailure はプロバイダ失敗時に何も書き込まれないことを検証する。
func TestCreateSessionUpstreamFailure(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{err: errors.New("connection refused")}
	l := newTestLedger(t, provider, nil, "")

	_, err := l.CreateSession(context.Background(), validCreateBody(), "key-1")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}

	sessions, err := l.store.SessionsByWallet(context.Background(), testWallet, 0, 100)
	if err != nil {
		t.Fatalf("SessionsByWallet()でエラーが発生: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("失敗した作成でセッション行が残った: %d行", len(sessions))
	}
}

// signWebhook はテスト用のWebhook署名を計算する。
func signWebhook(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// TestRecordWebhookSignature はWebhook署名検証を検証する。
func TestRecordWebhookSignature(t *testing.T) {
	t.Parallel()

	const secret = "webhook-secret"

	t.Run("正しい署名でステータスが更新されること", func(t *testing.T) {
		t.Parallel()

		l := newTestLedger(t, &fakeProvider{}, nil, secret)
		seedSession(t, l.store, "sess-1", "", testWallet, StatusCreated, 1000)

		body := []byte(`{"type":"payment_status_changed","sessionId":"sess-1","status":"failed"}`)
		if err := l.RecordWebhook(context.Background(), body, signWebhook(secret, body)); err != nil {
			t.Fatalf("RecordWebhook()でエラーが発生: %v", err)
		}

		sess, err := l.store.SessionByID(context.Background(), "sess-1")
		if err != nil {
			t.Fatalf("SessionByID()でエラーが発生: %v", err)
		}
		if sess.Status != StatusFailed {
			t.Errorf("Status = %q, want %q", sess.Status, StatusFailed)
		}

		hooks, err := l.store.WebhooksBySession(context.Background(), "sess-1", 20)
		if err != nil {
			t.Fatalf("WebhooksBySession()でエラーが発生: %v", err)
		}
		if len(hooks) != 1 {
			t.Errorf("監査行数 = %d, want 1", len(hooks))
		}
	})

	t.Run("署名を1バイト変えると拒否され、監査行も残らないこと", func(t *testing.T) {
		t.Parallel()

		l := newTestLedger(t, &fakeProvider{}, nil, secret)
		seedSession(t, l.store, "sess-1", "", testWallet, StatusCreated, 1000)

		body := []byte(`{"type":"payment_status_changed","sessionId":"sess-1","status":"failed"}`)
		sig := []byte(signWebhook(secret, body))
		if sig[0] == 'a' {
			sig[0] = 'b'
		} else {
			sig[0] = 'a'
		}

		err := l.RecordWebhook(context.Background(), body, string(sig))
		if !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("err = %v, want ErrInvalidSignature", err)
		}

		sess, _ := l.store.SessionByID(context.Background(), "sess-1")
		if sess.Status != StatusCreated {
			t.Errorf("拒否されたwebhookでステータスが変化した: %q", sess.Status)
		}
		hooks, _ := l.store.WebhooksBySession(context.Background(), "sess-1", 20)
		if len(hooks) != 0 {
			t.Errorf("拒否されたwebhookの監査行が残った: %d行", len(hooks))
		}
	})

	t.Run("署名鍵未設定の場合は署名なしで受理されること", func(t *testing.T) {
		t.Parallel()

		l := newTestLedger(t, &fakeProvider{}, nil, "")
		seedSession(t, l.store, "sess-1", "", testWallet, StatusCreated, 1000)

		body := []byte(`{"sessionId":"sess-1","status":"success"}`)
		if err := l.RecordWebhook(context.Background(), body, ""); err != nil {
			t.Fatalf("RecordWebhook()でエラーが発生: %v", err)
		}
	})
}

// TestRecordWebhookReconciliation はWebhookとセッションの突き合わせを検証する。
func TestRecordWebhookReconciliation(t *testing.T) {
	t.Parallel()

	t.Run("未知のセッションIDは監査のみでエラーにならないこと", func(t *testing.T) {
		t.Parallel()

		l := newTestLedger(t, &fakeProvider{}, nil, "")

		body := []byte(`{"sessionId":"no-such-session","status":"success"}`)
		if err := l.RecordWebhook(context.Background(), body, ""); err != nil {
			t.Fatalf("RecordWebhook()でエラーが発生: %v", err)
		}

		hooks, err := l.store.WebhooksBySession(context.Background(), "no-such-session", 20)
		if err != nil {
			t.Fatalf("WebhooksBySession()でエラーが発生: %v", err)
		}
		if len(hooks) != 1 {
			t.Errorf("監査行数 = %d, want 1", len(hooks))
		}
	})

	t.Run("ネストしたsessionオブジェクト形式を解釈できること", func(t *testing.T) {
		t.Parallel()

		l := newTestLedger(t, &fakeProvider{}, nil, "")
		seedSession(t, l.store, "sess-1", "", testWallet, StatusCreated, 1000)

		payload := map[string]any{
			"event":   "order_complete",
			"session": map[string]any{"id": "sess-1", "status": "success"},
		}
		body, _ := json.Marshal(payload)
		if err := l.RecordWebhook(context.Background(), body, ""); err != nil {
			t.Fatalf("RecordWebhook()でエラーが発生: %v", err)
		}

		sess, _ := l.store.SessionByID(context.Background(), "sess-1")
		if sess.Status != StatusSuccess {
			t.Errorf("Status = %q, want %q", sess.Status, StatusSuccess)
		}
	})

	t.Run("ステータスを運ばないイベントは監査のみ行うこと", func(t *testing.T) {
		t.Parallel()

		l := newTestLedger(t, &fakeProvider{}, nil, "")
		seedSession(t, l.store, "sess-1", "", testWallet, StatusCreated, 1000)

		body := []byte(`{"type":"kyc_started","sessionId":"sess-1"}`)
		if err := l.RecordWebhook(context.Background(), body, ""); err != nil {
			t.Fatalf("RecordWebhook()でエラーが発生: %v", err)
		}

		sess, _ := l.store.SessionByID(context.Background(), "sess-1")
		if sess.Status != StatusCreated {
			t.Errorf("ステータスなしイベントでステータスが変化した: %q", sess.Status)
		}
	})

	t.Run("JSONとして不正なペイロードが拒否されること", func(t *testing.T) {
		t.Parallel()

		l := newTestLedger(t, &fakeProvider{}, nil, "")
		if err := l.RecordWebhook(context.Background(), []byte(`{broken`), ""); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("err = %v, want ErrInvalidPayload", err)
		}
	})
}

// TestWebhookTriggersPush は成功Webhookがちょうど1回のプッシュ通知を発火することを検証する。
func TestWebhookTriggersPush(t *testing.T) {
	t.Parallel()

	notifier := newFakeNotifier()
	l := newTestLedger(t, &fakeProvider{}, notifier, "")
	seedSession(t, l.store, "sess-1", "", testWallet, StatusCreated, 1000)

	if err := l.RegisterDevice(context.Background(), testWallet, "ext-1", "ios"); err != nil {
		t.Fatalf("RegisterDevice()でエラーが発生: %v", err)
	}

	body := []byte(`{"sessionId":"sess-1","status":"success"}`)
	if err := l.RecordWebhook(context.Background(), body, ""); err != nil {
		t.Fatalf("RecordWebhook()でエラーが発生: %v", err)
	}

	select {
	case extID := <-notifier.attempts:
		if extID != "ext-1" {
			t.Errorf("通知先 = %q, want %q", extID, "ext-1")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("プッシュ通知が発火しなかった")
	}

	// 同じ終端ステータスの再送では再通知しない
	if err := l.RecordWebhook(context.Background(), body, ""); err != nil {
		t.Fatalf("再送のRecordWebhook()でエラーが発生: %v", err)
	}
	select {
	case <-notifier.attempts:
		t.Error("終端ステータスの再送でプッシュ通知が再発火した")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestExpirySweep は台帳サービス経由の期限切れ掃除を検証する。
func TestExpirySweep(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, &fakeProvider{}, nil, "")
	now := time.Now()
	// 25時間前のcreated（保留期限は24時間）
	seedSession(t, l.store, "stale", "", testWallet, StatusCreated, now.Add(-25*time.Hour).UnixMilli())
	seedSession(t, l.store, "fresh", "", testWallet, StatusCreated, now.UnixMilli())

	expired, err := l.ExpirySweep(context.Background(), now)
	if err != nil {
		t.Fatalf("ExpirySweep()でエラーが発生: %v", err)
	}
	if expired != 1 {
		t.Errorf("ExpirySweep() = %d, want 1", expired)
	}
}

// TestPurgeRetention は保持期限切れの監査・分析行の削除を検証する。
func TestPurgeRetention(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, &fakeProvider{}, nil, "")
	ctx := context.Background()
	now := time.Now()
	old := now.Add(-61 * 24 * time.Hour).UnixMilli()

	if err := l.store.AppendWebhook(ctx, &WebhookRecord{ID: "w1", EventType: "unknown", Payload: "{}", CreatedAt: old}); err != nil {
		t.Fatalf("AppendWebhook()でエラーが発生: %v", err)
	}
	if err := l.store.InsertAnalyticsEvent(ctx, &AnalyticsEvent{ID: "e1", EventName: "old", CreatedAt: old}); err != nil {
		t.Fatalf("InsertAnalyticsEvent()でエラーが発生: %v", err)
	}
	if err := l.TrackEvent(ctx, "recent", "", "", nil); err != nil {
		t.Fatalf("TrackEvent()でエラーが発生: %v", err)
	}

	webhooks, analytics, err := l.PurgeRetention(ctx, now)
	if err != nil {
		t.Fatalf("PurgeRetention()でエラーが発生: %v", err)
	}
	if webhooks != 1 || analytics != 1 {
		t.Errorf("PurgeRetention() = (%d, %d), want (1, 1)", webhooks, analytics)
	}
}

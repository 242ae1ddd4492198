package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrInvalidWalletAddress はウォレットアドレスが形式不正であることを表す。
	ErrInvalidWalletAddress = errors.New("ウォレットアドレスの形式が不正です")
	// ErrMissingFields は必須フィールドが欠けていることを表す。
	ErrMissingFields = errors.New("必須フィールドが欠けています")
	// ErrInvalidSignature はWebhook署名の検証に失敗したことを表す。
	ErrInvalidSignature = errors.New("webhook署名の検証に失敗しました")
	// ErrInvalidPayload はWebhookペイロードがJSONとして解釈できないことを表す。
	ErrInvalidPayload = errors.New("webhookペイロードが不正です")
	// ErrUpstream はプロバイダ呼び出しの失敗を表す。
	// この場合セッション行は一切書き込まれない。
	ErrUpstream = errors.New("プロバイダ呼び出しに失敗しました")
)

// Webhook処理のメトリクス。
var (
	webhooksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_webhooks_received_total",
			Help: "Total number of webhooks accepted for audit, by event type",
		},
		[]string{"event_type"},
	)

	webhooksOrphanTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_webhooks_orphan_total",
			Help: "Total number of webhooks referencing an unknown session id",
		},
	)

	pushAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_push_attempts_total",
			Help: "Total number of push notification attempts, by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(webhooksReceivedTotal)
	prometheus.MustRegister(webhooksOrphanTotal)
	prometheus.MustRegister(pushAttemptsTotal)
}

// Provider はオンランププロバイダのセッション作成API。
// 非2xxやセッションIDを含まないレスポンスはエラーとして返す。
type Provider interface {
	// CreateSession はプロバイダにセッション作成を依頼し、発行されたIDを返す。
	CreateSession(ctx context.Context, payload map[string]any) (string, error)
}

// Notifier はプッシュ通知サービスのクライアント。
// 通知の失敗は呼び出し元に伝播させないため、エラーではなく成否を返す。
type Notifier interface {
	// Notify はexternalUserIDあてにプッシュ通知を送り、成否を返す。
	Notify(ctx context.Context, externalUserID, title, message string) bool
}

// Config は台帳サービスの設定。
type Config struct {
	// Env はプロバイダ環境（sandbox|production）。セッション行に記録される。
	Env string
	// PartnerID はプロバイダのパートナーID。クライアントが送らない場合に補完する。
	PartnerID string
	// WebhookSecret はWebhook署名の検証鍵。空の場合は署名検証を行わない。
	WebhookSecret string
	// PendingExpiry はcreatedのまま放置されたセッションを期限切れとみなすまでの時間。
	PendingExpiry time.Duration
	// Retention はWebhook監査行・分析イベント行の保持期間。
	Retention time.Duration
}

// Ledger はオンランプセッションの台帳サービス。
// セッションの冪等な作成とWebhookイベントの突き合わせを担当する。
type Ledger struct {
	// store は台帳テーブルへのクエリ実行オブジェクト。
	store *Store
	// provider はオンランププロバイダのクライアント。
	provider Provider
	// notifier はプッシュ通知クライアント。nilの場合は通知しない。
	notifier Notifier
	// cfg は台帳の設定。
	cfg Config
	// now は現在時刻の取得関数。テストで差し替えるために持つ。
	now func() time.Time
}

// New は新しい台帳サービスを生成する。
func New(store *Store, provider Provider, notifier Notifier, cfg Config) *Ledger {
	return &Ledger{
		store:    store,
		provider: provider,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Store は台帳の下位クエリ層を返す。ハンドラの読み取り系で使用する。
func (l *Ledger) Store() *Store {
	return l.store
}

// CreateSession はオンランプセッションを作成し、プロバイダ発行のセッションIDを返す。
//
// idemKeyが指定され、同じキーのセッションが既に存在する場合は、
// プロバイダに問い合わせることなく既存のセッションIDを返す（冪等な再送）。
// プロバイダ呼び出しが失敗した場合は何も書き込まない。
func (l *Ledger) CreateSession(ctx context.Context, body map[string]any, idemKey string) (string, error) {
	wallet, _ := body["wallet_address"].(string)
	if !ValidWalletAddress(wallet) {
		return "", ErrInvalidWalletAddress
	}
	currency, _ := body["currency"].(string)
	commodity, _ := body["commodity"].(string)
	network, _ := body["network"].(string)
	if currency == "" || commodity == "" || network == "" {
		return "", ErrMissingFields
	}

	if idemKey != "" {
		existing, err := l.store.SessionByIdempotencyKey(ctx, idemKey)
		if err == nil {
			return existing.SessionID, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}

	// クライアントのボディをそのままプロバイダに渡す。partner_idのみ補完する。
	payload := make(map[string]any, len(body)+1)
	for k, v := range body {
		payload[k] = v
	}
	if _, ok := payload["partner_id"]; !ok && l.cfg.PartnerID != "" {
		payload["partner_id"] = l.cfg.PartnerID
	}

	sessionID, err := l.provider.CreateSession(ctx, payload)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	currencyAmount, _ := body["currency_amount"].(float64)
	meta := ""
	if flowType, ok := body["flow_type"].(string); ok && flowType != "" {
		metaJSON, _ := json.Marshal(map[string]string{"flow_type": flowType})
		meta = string(metaJSON)
	}

	nowMillis := l.now().UnixMilli()
	inserted, err := l.store.InsertSession(ctx, &Session{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		IdempotencyKey: idemKey,
		WalletAddress:  wallet,
		Env:            l.cfg.Env,
		Commodity:      commodity,
		Currency:       currency,
		CurrencyAmount: currencyAmount,
		Network:        network,
		Status:         StatusCreated,
		Meta:           meta,
		CreatedAt:      nowMillis,
		UpdatedAt:      nowMillis,
	})
	if err != nil {
		return "", err
	}
	if !inserted && idemKey != "" {
		// 並行する同一キーの作成に敗れた。勝者の行を読み直して収束させる。
		existing, err := l.store.SessionByIdempotencyKey(ctx, idemKey)
		if err != nil {
			return "", err
		}
		return existing.SessionID, nil
	}
	return sessionID, nil
}

// RecordWebhook は受信したWebhookを処理する。
//
// 署名鍵が設定されている場合、生ボディに対するHMAC-SHA256署名が一致しない
// イベントは拒否され、監査行も残さない（改ざんされたボディで監査テーブルを
// 太らせない）。署名に問題がなければ対象セッションの有無に関わらず監査行を
// 追記し、ペイロードがセッションIDとステータスの両方を運ぶ場合のみ
// ステータス遷移を適用する。未知のセッションIDは監査のみ行い、
// 孤児Webhookとしてメトリクスに計上する。
func (l *Ledger) RecordWebhook(ctx context.Context, rawBody []byte, signature string) error {
	if l.cfg.WebhookSecret != "" {
		mac := hmac.New(sha256.New, []byte(l.cfg.WebhookSecret))
		mac.Write(rawBody)
		expected := hex.EncodeToString(mac.Sum(nil))
		if signature == "" || !hmac.Equal([]byte(expected), []byte(signature)) {
			return ErrInvalidSignature
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	sessionID := extractSessionID(payload)
	eventType := firstString(payload, "type", "event")
	if eventType == "" {
		eventType = "unknown"
	}
	status := extractStatus(payload)

	webhooksReceivedTotal.WithLabelValues(eventType).Inc()

	nowMillis := l.now().UnixMilli()
	if err := l.store.AppendWebhook(ctx, &WebhookRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		EventType: eventType,
		Payload:   string(rawBody),
		CreatedAt: nowMillis,
	}); err != nil {
		// Webhookはクライアント都合で再配送されないため、監査の書き込み失敗は
		// 握りつぶさずエラーとして返す（プロバイダの再送に委ねる）。
		return err
	}

	if sessionID == "" || status == "" {
		return nil
	}

	sess, err := l.store.SessionByID(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		// 帯域外または削除済みセッションへのWebhookはエラーではない。
		webhooksOrphanTotal.Inc()
		log.Printf("[Ledger] 未知のセッションへのwebhookを記録しました: session_id=%s", sessionID)
		return nil
	}
	if err != nil {
		return err
	}

	updated, err := l.store.UpdateSessionStatus(ctx, sessionID, Status(status), nowMillis)
	if err != nil {
		return err
	}
	if updated && !sess.Status.Terminal() && (status == "success" || status == "completed") {
		l.notifyPurchaseComplete(sessionID, sess.WalletAddress)
	}
	return nil
}

// notifyPurchaseComplete は購入完了のプッシュ通知を非同期で送る。
// Webhookの応答は通知の成否に関わらず返す必要があるため、リクエストの
// コンテキストから独立したタスクとして実行し、失敗はログに留める。
func (l *Ledger) notifyPurchaseComplete(sessionID, wallet string) {
	if l.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		device, err := l.store.LatestDeviceByWallet(ctx, wallet)
		if errors.Is(err, ErrNotFound) {
			return
		}
		if err != nil {
			log.Printf("[Ledger] 通知先デバイスの検索に失敗: %v", err)
			return
		}

		ok := l.notifier.Notify(ctx, device.ExternalUserID, "購入が完了しました",
			fmt.Sprintf("セッション %s が完了しました", sessionID))
		if ok {
			pushAttemptsTotal.WithLabelValues("success").Inc()
		} else {
			pushAttemptsTotal.WithLabelValues("failure").Inc()
			log.Printf("[Ledger] プッシュ通知の送信に失敗: session_id=%s", sessionID)
		}
	}()
}

// ExpirySweep は保留期限を過ぎてもcreatedのままのセッションをexpiredに遷移させる。
func (l *Ledger) ExpirySweep(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-l.cfg.PendingExpiry).UnixMilli()
	return l.store.ExpirePending(ctx, cutoff, now.UnixMilli())
}

// PurgeRetention は保持期限を過ぎたWebhook監査行と分析イベント行を削除する。
func (l *Ledger) PurgeRetention(ctx context.Context, now time.Time) (webhooks, analytics int64, err error) {
	cutoff := now.Add(-l.cfg.Retention).UnixMilli()
	webhooks, err = l.store.PurgeWebhooks(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}
	analytics, err = l.store.PurgeAnalytics(ctx, cutoff)
	if err != nil {
		return webhooks, 0, err
	}
	return webhooks, analytics, nil
}

// RegisterDevice はプッシュ通知先デバイスを登録する。
func (l *Ledger) RegisterDevice(ctx context.Context, wallet, externalUserID, platform string) error {
	if !ValidWalletAddress(wallet) {
		return ErrInvalidWalletAddress
	}
	if externalUserID == "" {
		return ErrMissingFields
	}
	return l.store.RegisterDevice(ctx, &Device{
		ID:             uuid.NewString(),
		WalletAddress:  wallet,
		ExternalUserID: externalUserID,
		Platform:       platform,
		CreatedAt:      l.now().UnixMilli(),
	})
}

// TrackEvent は分析イベントを記録する。
func (l *Ledger) TrackEvent(ctx context.Context, name, sessionID, wallet string, props map[string]any) error {
	if name == "" {
		return ErrMissingFields
	}
	propsJSON := ""
	if len(props) > 0 {
		b, err := json.Marshal(props)
		if err != nil {
			return fmt.Errorf("分析イベントのプロパティのシリアライズに失敗: %w", err)
		}
		propsJSON = string(b)
	}
	return l.store.InsertAnalyticsEvent(ctx, &AnalyticsEvent{
		ID:            uuid.NewString(),
		EventName:     name,
		SessionID:     sessionID,
		WalletAddress: wallet,
		Props:         propsJSON,
		CreatedAt:     l.now().UnixMilli(),
	})
}

// extractSessionID はWebhookペイロードからセッションIDを取り出す。
// プロバイダのキー揺れ（sessionId / session_id / session.id）を吸収する。
func extractSessionID(payload map[string]any) string {
	if id := firstString(payload, "sessionId", "session_id"); id != "" {
		return id
	}
	if session, ok := payload["session"].(map[string]any); ok {
		if id, ok := session["id"].(string); ok {
			return id
		}
	}
	return ""
}

// extractStatus はWebhookペイロードからステータスを取り出す。
func extractStatus(payload map[string]any) string {
	if s := firstString(payload, "status"); s != "" {
		return s
	}
	if session, ok := payload["session"].(map[string]any); ok {
		if s, ok := session["status"].(string); ok {
			return s
		}
	}
	return ""
}

// firstString は指定キーのうち最初に見つかった空でない文字列値を返す。
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

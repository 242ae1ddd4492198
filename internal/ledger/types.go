package ledger

import "regexp"

// Status はオンランプセッションのステータス。
// プロバイダは任意の文字列を送ってくるため列挙には閉じないが、
// 終端状態からの遷移は台帳側で禁止する。
type Status string

const (
	// StatusCreated はセッション作成直後の初期状態。
	StatusCreated Status = "created"
	// StatusSuccess は決済が成功した終端状態。
	StatusSuccess Status = "success"
	// StatusFailed は決済が失敗した終端状態。
	StatusFailed Status = "failed"
	// StatusExpired は保留期限切れ掃除によって到達する終端状態。
	StatusExpired Status = "expired"
)

// Terminal はこのステータスが終端状態（それ以上遷移しない）かを返す。
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// walletAddressPattern はウォレットアドレスの形式（0x + 40桁hex、計42文字）。
var walletAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidWalletAddress はウォレットアドレスが正しい形式かを返す。
func ValidWalletAddress(addr string) bool {
	return walletAddressPattern.MatchString(addr)
}

// Session はオンランプセッションの台帳行。
// session_idとidempotency_keyにはそれぞれユニーク制約があり、
// 同一キーでの並行作成は1行に収束する。
type Session struct {
	// ID は台帳行の一意識別子（UUID）。
	ID string `json:"-"`
	// SessionID はプロバイダが発行したセッションID。
	SessionID string `json:"session_id"`
	// IdempotencyKey はクライアントが指定した冪等キー。未指定なら空。
	IdempotencyKey string `json:"-"`
	// WalletAddress は購入者のウォレットアドレス。
	WalletAddress string `json:"wallet_address"`
	// Env はプロバイダ環境（sandbox|production）。
	Env string `json:"env"`
	// Commodity は購入対象のトークン。
	Commodity string `json:"commodity"`
	// Currency は決済通貨。
	Currency string `json:"currency"`
	// CurrencyAmount は決済金額。
	CurrencyAmount float64 `json:"currency_amount"`
	// Network は対象ネットワーク。
	Network string `json:"network"`
	// Status は現在のセッションステータス。
	Status Status `json:"status"`
	// Meta は付随メタデータ（JSON文字列）。
	Meta string `json:"meta,omitempty"`
	// CreatedAt は作成日時（unixミリ秒）。
	CreatedAt int64 `json:"created_at"`
	// UpdatedAt は更新日時（unixミリ秒）。
	UpdatedAt int64 `json:"updated_at"`
}

// WebhookRecord は受信したWebhookの監査行。追記専用で変更されない。
type WebhookRecord struct {
	// ID は監査行の一意識別子（UUID）。
	ID string `json:"-"`
	// SessionID はペイロードから抽出した対象セッションID。不明なら空。
	SessionID string `json:"session_id,omitempty"`
	// EventType はイベント種別。抽出できない場合は"unknown"。
	EventType string `json:"event_type"`
	// Payload は受信した生ペイロード。
	Payload string `json:"payload"`
	// CreatedAt は受信日時（unixミリ秒）。
	CreatedAt int64 `json:"created_at"`
}

// Device はプッシュ通知先デバイスの登録行。追記専用で、
// 同一ウォレットに複数の登録がある場合は最新の登録が優先される。
type Device struct {
	// ID は登録行の一意識別子（UUID）。
	ID string
	// WalletAddress はデバイスを所有するウォレットアドレス。
	WalletAddress string
	// ExternalUserID はプッシュ通知サービス側のユーザーID。
	ExternalUserID string
	// Platform はプラットフォーム（ios|android|web）。
	Platform string
	// CreatedAt は登録日時（unixミリ秒）。
	CreatedAt int64
}

// AnalyticsEvent は書き込み専用の分析イベント行。
// コアの判断経路からは読まれず、保持期限で削除される。
type AnalyticsEvent struct {
	// ID はイベント行の一意識別子（UUID）。
	ID string
	// EventName はイベント名。
	EventName string
	// SessionID は関連セッションID（任意）。
	SessionID string
	// WalletAddress は関連ウォレットアドレス（任意）。
	WalletAddress string
	// Props は付随プロパティ（JSON文字列、任意）。
	Props string
	// CreatedAt は記録日時（unixミリ秒）。
	CreatedAt int64
}

// EventCount は分析イベント集計の1行。
type EventCount struct {
	// EventName はイベント名。
	EventName string `json:"event_name"`
	// Count は件数。
	Count int64 `json:"count"`
}

package gateway

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はゲートウェイサーバーの設定。すべて環境変数から読み込む。
type Config struct {
	// Port はサーバーのリッスンポート。
	Port string
	// DBPath はSQLiteデータベースのファイルパス。
	DBPath string
	// CORSOrigins はCORSで許可するオリジン。空の場合はすべて許可する。
	CORSOrigins []string

	// OnrampEnv はオンランププロバイダの環境（sandbox|production）。
	OnrampEnv string
	// OnrampPartnerID はプロバイダのパートナーID。
	OnrampPartnerID string
	// OnrampAPIKey はプロバイダAPIの認証キー。
	OnrampAPIKey string
	// OnrampAuthScheme はプロバイダAPIの認証方式（bearer|api-key）。
	OnrampAuthScheme string
	// OnrampCreateSessionURL はセッション作成APIのURL。
	OnrampCreateSessionURL string
	// OnrampWebhookSecret はWebhook署名の検証鍵。
	OnrampWebhookSecret string

	// AggregatorAPIKey はDEXアグリゲータAPIの認証キー。
	AggregatorAPIKey string
	// AggregatorBase はDEXアグリゲータAPIのベースURL。
	AggregatorBase string
	// PriceAPIKey は価格APIの認証キー。
	PriceAPIKey string
	// PriceBase は価格APIのベースURL。
	PriceBase string

	// TokenRegistryURL はトークンレジストリJSONの取得先URL。
	TokenRegistryURL string
	// TokenRegistryTTL はトークンレジストリのキャッシュ期間。
	TokenRegistryTTL time.Duration
	// AllowTokens はスワップを許可するトークンアドレス。空の場合は制限しない。
	AllowTokens []string
	// DenyTokens はスワップを拒否するトークンアドレス。
	DenyTokens []string

	// PrivateRPCURLs はJSON-RPC中継先のプライベートノードURL。
	PrivateRPCURLs []string

	// PendingExpiry は未完了セッションを期限切れにするまでの時間。
	PendingExpiry time.Duration
	// Retention はWebhook監査行・分析イベント行の保持期間。
	Retention time.Duration

	// JWTSecret はアプリ認証のJWT検証鍵。
	JWTSecret string
	// HMACSecret はアプリ認証のHMAC検証鍵。
	HMACSecret string
	// BasicAuthUser は管理APIのBasic認証ユーザー名。
	BasicAuthUser string
	// BasicAuthPass は管理APIのBasic認証パスワード。
	BasicAuthPass string

	// PushAppID はプッシュ通知サービスのアプリケーションID。
	PushAppID string
	// PushAPIKey はプッシュ通知サービスのAPIキー。
	PushAPIKey string
}

// LoadConfig は環境変数からゲートウェイ設定を組み立てる。
func LoadConfig() Config {
	return Config{
		Port:        getEnvOr("PORT", "8080"),
		DBPath:      getEnvOr("DB_PATH", "/data/gateway.db"),
		CORSOrigins: splitList(os.Getenv("CORS_ORIGINS")),

		OnrampEnv:              getEnvOr("ONRAMP_ENV", "sandbox"),
		OnrampPartnerID:        os.Getenv("ONRAMP_PARTNER_ID"),
		OnrampAPIKey:           os.Getenv("ONRAMP_API_KEY"),
		OnrampAuthScheme:       getEnvOr("ONRAMP_AUTH_SCHEME", "api-key"),
		OnrampCreateSessionURL: os.Getenv("ONRAMP_CREATE_SESSION_URL"),
		OnrampWebhookSecret:    os.Getenv("ONRAMP_WEBHOOK_SECRET"),

		AggregatorAPIKey: os.Getenv("AGGREGATOR_API_KEY"),
		AggregatorBase:   getEnvOr("AGGREGATOR_UPSTREAM_BASE", "https://api.1inch.dev/swap"),
		PriceAPIKey:      os.Getenv("PRICE_API_KEY"),
		PriceBase:        getEnvOr("PRICE_UPSTREAM_BASE", "https://deep-index.moralis.io/api/v2.2"),

		TokenRegistryURL: os.Getenv("TOKEN_REGISTRY_URL"),
		TokenRegistryTTL: time.Duration(getEnvInt("TOKEN_REGISTRY_CACHE_TTL", 3600)) * time.Second,
		AllowTokens:      splitList(os.Getenv("ALLOW_TOKENS")),
		DenyTokens:       splitList(os.Getenv("DENY_TOKENS")),

		PrivateRPCURLs: splitList(os.Getenv("PRIVATE_RPC_URLS")),

		PendingExpiry: time.Duration(getEnvInt("PENDING_EXPIRY_HOURS", 24)) * time.Hour,
		Retention:     time.Duration(getEnvInt("RETENTION_DAYS", 30)) * 24 * time.Hour,

		JWTSecret:     os.Getenv("JWT_SECRET"),
		HMACSecret:    os.Getenv("HMAC_SECRET"),
		BasicAuthUser: os.Getenv("BASIC_AUTH_USER"),
		BasicAuthPass: os.Getenv("BASIC_AUTH_PASS"),

		PushAppID:  os.Getenv("PUSH_APP_ID"),
		PushAPIKey: os.Getenv("PUSH_API_KEY"),
	}
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// getEnvInt は整数の環境変数を取得する。未設定・不正値の場合はデフォルト値を返す。
func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

// splitList はカンマ区切りの環境変数値をトリムして分割する。
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			values = append(values, p)
		}
	}
	return values
}

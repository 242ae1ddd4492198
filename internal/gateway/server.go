package gateway

import (
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "modernc.org/sqlite"

	"github.com/nao1215/onramp-gateway/pkg/cache"
	"github.com/nao1215/onramp-gateway/pkg/middleware"

	"github.com/nao1215/onramp-gateway/internal/ledger"
	"github.com/nao1215/onramp-gateway/internal/relay"
	"github.com/nao1215/onramp-gateway/internal/upstream"
)

// cacheSweepInterval は中継キャッシュの期限切れ掃除の間隔。
const cacheSweepInterval = time.Minute

// Server は統合ゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はゲートウェイの設定。
	cfg Config
	// db はSQLiteデータベース接続。
	db *sql.DB
	// ledger はオンランプセッションの台帳サービス。
	ledger *ledger.Ledger
	// registry はトークンレジストリのクライアント。
	registry *upstream.RegistryClient
	// proxyCache は中継系統で共有するTTLキャッシュ。
	proxyCache *cache.Store[relay.CachedResponse]
}

// NewServer は新しいゲートウェイサーバーを生成する。
func NewServer(cfg Config) (*Server, error) {
	sqlDB, err := sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := ledger.InitSchema(sqlDB); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	store := ledger.NewStore(sqlDB)
	provider := upstream.NewProviderClient(cfg.OnrampCreateSessionURL, cfg.OnrampAPIKey, cfg.OnrampAuthScheme)
	notifier := upstream.NewPushClient(cfg.PushAppID, cfg.PushAPIKey)
	ldg := ledger.New(store, provider, notifier, ledger.Config{
		Env:           cfg.OnrampEnv,
		PartnerID:     cfg.OnrampPartnerID,
		WebhookSecret: cfg.OnrampWebhookSecret,
		PendingExpiry: cfg.PendingExpiry,
		Retention:     cfg.Retention,
	})

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS(cfg.CORSOrigins))
	router.Use(middleware.Metrics())
	router.Use(middleware.RawBody())

	s := &Server{
		router:     router,
		cfg:        cfg,
		db:         sqlDB,
		ledger:     ldg,
		registry:   upstream.NewRegistryClient(cfg.TokenRegistryURL, cfg.TokenRegistryTTL),
		proxyCache: cache.New[relay.CachedResponse](),
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。キャッシュの掃除ゴルーチンもここで始動する。
func (s *Server) Run() error {
	go s.sweepLoop()
	return s.router.Run(fmt.Sprintf(":%s", s.cfg.Port))
}

// sweepLoop は中継キャッシュの期限切れエントリを定期的に削除する。
func (s *Server) sweepLoop() {
	ticker := time.NewTicker(cacheSweepInterval)
	defer ticker.Stop()
	for range ticker.C {
		s.proxyCache.Sweep()
	}
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	tokenFilter := relay.NewTokenFilter(s.cfg.AllowTokens, s.cfg.DenyTokens)
	aggregator := relay.NewProxy(relay.ProxyConfig{
		Name:       "aggregator",
		BaseURL:    s.cfg.AggregatorBase,
		APIKey:     s.cfg.AggregatorAPIKey,
		AuthScheme: upstream.AuthSchemeBearer,
		TTL:        30 * time.Second,
		Filter:     tokenFilter,
	}, s.proxyCache)
	priceIndex := relay.NewProxy(relay.ProxyConfig{
		Name:       "price-index",
		BaseURL:    s.cfg.PriceBase,
		APIKey:     s.cfg.PriceAPIKey,
		AuthScheme: upstream.AuthSchemeAPIKey,
		TTL:        20 * time.Second,
	}, s.proxyCache)
	prices := upstream.NewPriceClient(s.cfg.PriceBase, s.cfg.PriceAPIKey)
	stream := relay.NewStream(prices, 0)
	rpc := relay.NewRPC(relay.NewRandomSelector(s.cfg.PrivateRPCURLs))

	// 運用エンドポイント（認証不要）
	s.router.GET("/healthz", s.handleHealthz())
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/openapi.json", s.handleOpenAPI())

	// 公開API。GETはアプリ認証の対象外のため同居できる
	api := s.router.Group("/api")
	api.Use(middleware.AppAuth(s.cfg.JWTSecret, s.cfg.HMACSecret))
	{
		api.GET("/config", s.handleConfig())
		api.GET("/tokens", s.handleTokens())

		api.POST("/onramp/session", s.handleCreateSession())
		api.GET("/onramp/sessions", s.handleListSessions())
		api.GET("/onramp/session/:id", s.handleGetSession())

		api.POST("/analytics/track", s.handleTrackAnalytics())
		api.POST("/notify/register", s.handleRegisterDevice())
		api.POST("/rpc", rpc.Handler())

		api.GET("/aggregator/*path", aggregator.Handler())
		api.GET("/price-index/*path", priceIndex.Handler())
		api.GET("/prices/stream", stream.Handler())
	}

	// プロバイダからの受信のためWebhookはアプリ認証の外に置く
	s.router.POST("/api/onramp/webhook", s.handleWebhook())

	// 管理API
	admin := s.router.Group("/admin")
	admin.Use(middleware.AdminBasicAuth(s.cfg.BasicAuthUser, s.cfg.BasicAuthPass))
	{
		admin.GET("/analytics/summary", s.handleAnalyticsSummary())
		admin.POST("/cron/run", s.handleCronRun())
	}
}

// handleHealthz はデータベース疎通を含むヘルスチェックを返す。
func (s *Server) handleHealthz() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.ledger.Store().Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "ng", "error": "database_unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "onramp-gateway"})
	}
}

// handleConfig はクライアント向けの機能フラグを返すハンドラを返す。
// どの機能が使えるかだけを伝え、鍵やURLは一切含めない。
func (s *Server) handleConfig() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"env":             s.cfg.OnrampEnv,
			"onramp_enabled":  s.cfg.OnrampCreateSessionURL != "" && s.cfg.OnrampAPIKey != "",
			"swap_enabled":    s.cfg.AggregatorAPIKey != "",
			"prices_enabled":  s.cfg.PriceAPIKey != "",
			"rpc_enabled":     len(s.cfg.PrivateRPCURLs) > 0,
			"push_enabled":    s.cfg.PushAppID != "" && s.cfg.PushAPIKey != "",
			"tokens_filtered": len(s.cfg.AllowTokens) > 0 || len(s.cfg.DenyTokens) > 0,
		})
	}
}

// handleTokens はトークンレジストリを返すハンドラを返す。
// 取得に失敗した場合も最後に成功した内容か空のレジストリを返し、エラーにはしない。
func (s *Server) handleTokens() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Data(http.StatusOK, "application/json", s.registry.Tokens(c.Request.Context()))
	}
}

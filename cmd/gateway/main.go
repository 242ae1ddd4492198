// 統合ゲートウェイサービスのエントリポイント。
// オンランプセッションの台帳、DEXアグリゲータ・価格APIの中継、
// トークン価格のSSE配信、プライベートRPC中継を担当する。
// ウォレットアプリの各機能のAPIキーをサーバー側に隠蔽する境界線となる。
package main

import (
	"log"

	"github.com/nao1215/onramp-gateway/internal/gateway"
)

func main() {
	cfg := gateway.LoadConfig()

	server, err := gateway.NewServer(cfg)
	if err != nil {
		log.Fatalf("ゲートウェイサーバーの初期化に失敗: %v", err)
	}

	log.Printf("ゲートウェイサービスを起動します: :%s", cfg.Port)
	if err := server.Run(); err != nil {
		log.Fatalf("ゲートウェイサービスの起動に失敗: %v", err)
	}
}

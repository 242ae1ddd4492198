// Package gateway はウォレットアプリ向け統合ゲートウェイのHTTPサーバーを提供する。
//
// オンランプセッションの台帳、DEXアグリゲータ・価格APIの中継、
// トークン価格のSSE配信、プライベートRPC中継を1つのサーバーに束ねる。
package gateway

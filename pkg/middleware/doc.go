// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// アプリ認証（JWTまたはタイムスタンプ付きHMAC署名）、生リクエストボディの
// 捕捉、管理エンドポイント用のBasic認証、CORS設定、パニックリカバリ、
// Prometheusメトリクス計測を含む。
package middleware

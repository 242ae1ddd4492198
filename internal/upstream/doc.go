// Package upstream は外部サービスのクライアント群を提供する。
//
// オンランププロバイダのセッション作成、トークン価格API、プッシュ通知
// サービス、トークンレジストリへのアクセスを含む。各クライアントは
// 呼び出しごとの固定タイムアウトを持ち、障害時はハングせずにエラーを返す。
package upstream

// Package httpclient は外部APIとの通信用HTTPクライアントを提供する。
//
// プロキシ中継・RPC中継・オンランププロバイダ・価格API・プッシュ通知など、
// すべての上流呼び出しで共用する。固定タイムアウトを持ち、上流の非2xx
// レスポンスはエラーではなくステータスとボディのまま呼び出し元に返す
// （JSON-RPCのエラーボディ等は意味のあるペイロードであるため）。
package httpclient

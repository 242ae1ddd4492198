// Package cache はTTL付きのインメモリキーバリューストアを提供する。
//
// レート制限のある外部APIへのアクセスを抑えるために、プロキシ中継や
// トークンレジストリのレスポンスを一定時間保持する。永続化は行わず、
// プロセス再起動後は空のキャッシュから開始する（コールドキャッシュは
// 上流への再取得で埋まる）。
package cache

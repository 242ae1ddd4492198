// Package relay はクライアントと上流APIの間の中継処理を提供する。
//
// TTLキャッシュとトークン許可リストを備えたGETプロキシ中継、
// メソッド許可リストとノード選択を備えたJSON-RPC中継、
// 一定間隔の価格ポーリングをSSEイベントに多重化するストリーミング中継を含む。
package relay

// Package ledger はオンランプセッションの台帳を提供する。
//
// セッション作成の冪等な記録、Webhookイベントによるステータス遷移の
// 突き合わせ、監査用Webhook履歴、プッシュ通知先デバイスの登録、
// 分析イベントの書き込みを担当する。セッション行の一意性
// （session_idとidempotency_key）はストレージ層のユニーク制約で保証され、
// アプリケーション側のチェック後挿入には依存しない。
package ledger

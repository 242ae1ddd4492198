package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound は対象の行が存在しないことを表す。
var ErrNotFound = errors.New("行が見つかりません")

// Store は台帳テーブル群へのクエリ実行オブジェクト。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// sessionColumns はセッション行のSELECT対象カラム。
const sessionColumns = `
	id, session_id, COALESCE(idempotency_key, ''), wallet_address, env,
	COALESCE(commodity, ''), COALESCE(currency, ''), COALESCE(currency_amount, 0),
	COALESCE(network, ''), status, COALESCE(meta, ''), created_at, updated_at
`

// scanSession は1行分のセッションを読み取る。
func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	err := row.Scan(
		&s.ID, &s.SessionID, &s.IdempotencyKey, &s.WalletAddress, &s.Env,
		&s.Commodity, &s.Currency, &s.CurrencyAmount,
		&s.Network, &s.Status, &s.Meta, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertSession はセッション行を挿入する。
// session_idまたはidempotency_keyのユニーク制約に衝突した場合は
// 挿入せずfalseを返す（INSERT OR IGNORE）。並行する冪等作成は
// この原子的な挿入によって1行に収束し、敗者は既存行を読み直す。
func (st *Store) InsertSession(ctx context.Context, s *Session) (bool, error) {
	idemKey := sql.NullString{String: s.IdempotencyKey, Valid: s.IdempotencyKey != ""}
	res, err := st.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO onramp_sessions
			(id, session_id, idempotency_key, wallet_address, env, commodity,
			 currency, currency_amount, network, status, meta, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.SessionID, idemKey, s.WalletAddress, s.Env, s.Commodity,
		s.Currency, s.CurrencyAmount, s.Network, s.Status, s.Meta, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("セッション行の挿入に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("挿入結果の取得に失敗: %w", err)
	}
	return n > 0, nil
}

// SessionByIdempotencyKey は冪等キーでセッションを検索する。
func (st *Store) SessionByIdempotencyKey(ctx context.Context, key string) (*Session, error) {
	row := st.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM onramp_sessions WHERE idempotency_key = ?`, key)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("冪等キーでのセッション検索に失敗: %w", err)
	}
	return s, nil
}

// SessionByID はプロバイダ発行のセッションIDでセッションを検索する。
func (st *Store) SessionByID(ctx context.Context, sessionID string) (*Session, error) {
	row := st.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM onramp_sessions WHERE session_id = ?`, sessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("セッションIDでの検索に失敗: %w", err)
	}
	return s, nil
}

// SessionsByWallet はウォレットのセッションを作成日時降順で返す。
// cursorが正の場合はcreated_at < cursorの行のみを返す（カーソルページング）。
// limitは1..100にクランプされる。
func (st *Store) SessionsByWallet(ctx context.Context, wallet string, cursor int64, limit int) ([]*Session, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	query := `SELECT ` + sessionColumns + ` FROM onramp_sessions WHERE wallet_address = ?`
	args := []any{wallet}
	if cursor > 0 {
		query += ` AND created_at < ?`
		args = append(args, cursor)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := st.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ウォレット別セッション一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("セッション行の読み取りに失敗: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus はセッションのステータスと更新日時を変更する。
// 終端状態（success/failed/expired）からの遷移は拒否するが、
// 同一の終端ステータスの再送は冪等な成功として扱う。
// 更新が行われた場合にtrueを返す。
func (st *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status Status, nowMillis int64) (bool, error) {
	res, err := st.db.ExecContext(ctx, `
		UPDATE onramp_sessions SET status = ?, updated_at = ?
		WHERE session_id = ?
		  AND (status NOT IN ('success', 'failed', 'expired') OR status = ?)
	`, status, nowMillis, sessionID, status)
	if err != nil {
		return false, fmt.Errorf("セッションステータスの更新に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新結果の取得に失敗: %w", err)
	}
	return n > 0, nil
}

// ExpirePending は保留期限を過ぎてもcreatedのままのセッションをexpiredに遷移させる。
// 終端状態の行には決して触れない。遷移させた行数を返す。
func (st *Store) ExpirePending(ctx context.Context, cutoffMillis, nowMillis int64) (int64, error) {
	res, err := st.db.ExecContext(ctx, `
		UPDATE onramp_sessions SET status = 'expired', updated_at = ?
		WHERE status = 'created' AND created_at < ?
	`, nowMillis, cutoffMillis)
	if err != nil {
		return 0, fmt.Errorf("保留セッションの期限切れ処理に失敗: %w", err)
	}
	return res.RowsAffected()
}

// AppendWebhook はWebhook監査行を追記する。
func (st *Store) AppendWebhook(ctx context.Context, w *WebhookRecord) error {
	sessionID := sql.NullString{String: w.SessionID, Valid: w.SessionID != ""}
	_, err := st.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, session_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, w.ID, sessionID, w.EventType, w.Payload, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("webhook監査行の追記に失敗: %w", err)
	}
	return nil
}

// WebhooksBySession はセッションに紐づくWebhook履歴を受信日時降順で返す。
func (st *Store) WebhooksBySession(ctx context.Context, sessionID string, limit int) ([]*WebhookRecord, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT id, COALESCE(session_id, ''), event_type, payload, created_at
		FROM webhooks WHERE session_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("webhook履歴の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*WebhookRecord
	for rows.Next() {
		var w WebhookRecord
		if err := rows.Scan(&w.ID, &w.SessionID, &w.EventType, &w.Payload, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("webhook行の読み取りに失敗: %w", err)
		}
		records = append(records, &w)
	}
	return records, rows.Err()
}

// PurgeWebhooks は保持期限を過ぎたWebhook監査行を削除し、削除数を返す。
func (st *Store) PurgeWebhooks(ctx context.Context, cutoffMillis int64) (int64, error) {
	res, err := st.db.ExecContext(ctx, `DELETE FROM webhooks WHERE created_at < ?`, cutoffMillis)
	if err != nil {
		return 0, fmt.Errorf("webhook監査行の削除に失敗: %w", err)
	}
	return res.RowsAffected()
}

// RegisterDevice はプッシュ通知先デバイスの登録行を追記する。
func (st *Store) RegisterDevice(ctx context.Context, d *Device) error {
	platform := sql.NullString{String: d.Platform, Valid: d.Platform != ""}
	_, err := st.db.ExecContext(ctx, `
		INSERT INTO devices (id, wallet_address, external_user_id, platform, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, d.ID, d.WalletAddress, d.ExternalUserID, platform, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("デバイス登録行の追記に失敗: %w", err)
	}
	return nil
}

// LatestDeviceByWallet はウォレットの最新デバイス登録を返す。
// 同一ウォレットに複数の登録がある場合は最後の登録が優先される。
func (st *Store) LatestDeviceByWallet(ctx context.Context, wallet string) (*Device, error) {
	row := st.db.QueryRowContext(ctx, `
		SELECT id, wallet_address, external_user_id, COALESCE(platform, ''), created_at
		FROM devices WHERE wallet_address = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, wallet)

	var d Device
	err := row.Scan(&d.ID, &d.WalletAddress, &d.ExternalUserID, &d.Platform, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("デバイス登録の検索に失敗: %w", err)
	}
	return &d, nil
}

// InsertAnalyticsEvent は分析イベント行を追記する。
func (st *Store) InsertAnalyticsEvent(ctx context.Context, e *AnalyticsEvent) error {
	sessionID := sql.NullString{String: e.SessionID, Valid: e.SessionID != ""}
	wallet := sql.NullString{String: e.WalletAddress, Valid: e.WalletAddress != ""}
	props := sql.NullString{String: e.Props, Valid: e.Props != ""}
	_, err := st.db.ExecContext(ctx, `
		INSERT INTO analytics_events (id, event_name, session_id, wallet_address, props, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.EventName, sessionID, wallet, props, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("分析イベント行の追記に失敗: %w", err)
	}
	return nil
}

// AnalyticsSummary はイベント名ごとの件数を件数降順で返す（最大100行）。
func (st *Store) AnalyticsSummary(ctx context.Context) ([]EventCount, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT event_name, COUNT(*) AS cnt
		FROM analytics_events
		GROUP BY event_name
		ORDER BY cnt DESC
		LIMIT 100
	`)
	if err != nil {
		return nil, fmt.Errorf("分析イベント集計の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var counts []EventCount
	for rows.Next() {
		var ec EventCount
		if err := rows.Scan(&ec.EventName, &ec.Count); err != nil {
			return nil, fmt.Errorf("集計行の読み取りに失敗: %w", err)
		}
		counts = append(counts, ec)
	}
	return counts, rows.Err()
}

// PurgeAnalytics は保持期限を過ぎた分析イベント行を削除し、削除数を返す。
func (st *Store) PurgeAnalytics(ctx context.Context, cutoffMillis int64) (int64, error) {
	res, err := st.db.ExecContext(ctx, `DELETE FROM analytics_events WHERE created_at < ?`, cutoffMillis)
	if err != nil {
		return 0, fmt.Errorf("分析イベント行の削除に失敗: %w", err)
	}
	return res.RowsAffected()
}

// Ping はデータベース接続の生存確認を行う。
func (st *Store) Ping(ctx context.Context) error {
	var one int
	if err := st.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("データベースの生存確認に失敗: %w", err)
	}
	return nil
}

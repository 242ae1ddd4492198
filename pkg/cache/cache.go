package cache

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// entry はTTL付きのキャッシュエントリ。
type entry[V any] struct {
	// value は保持する値。
	value V
	// expiresAt はこのエントリの有効期限。これを過ぎた読み出しは不在として扱う。
	expiresAt time.Time
}

// Store はTTL付きのスレッドセーフなキーバリューストア。
// 期限切れエントリはGet時に遅延削除されるため、バックグラウンドのSweepが
// 動作していなくても観測される振る舞いは変わらない。
type Store[V any] struct {
	// mu はentriesへのアクセスを保護する。
	mu sync.Mutex
	// entries はキーからエントリへのマップ。
	entries map[string]entry[V]
	// now は現在時刻の取得関数。テストで差し替えるために持つ。
	now func() time.Time
}

// New は新しい空のStoreを生成する。
func New[V any]() *Store[V] {
	return &Store[V]{
		entries: make(map[string]entry[V]),
		now:     time.Now,
	}
}

// Get はキーに対応する値を返す。
// エントリが存在しない、または期限切れの場合はfalseを返す。
// 期限切れエントリはこの時点で削除される。
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set は値をTTL付きで保存する。既存のエントリは上書きされる。
func (s *Store[V]) Set(key string, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = entry[V]{
		value:     value,
		expiresAt: s.now().Add(ttl),
	}
}

// Sweep は期限切れの全エントリを削除し、削除数を返す。
// Getの遅延削除があるためメモリ回収のための最適化であり、正しさには寄与しない。
func (s *Store[V]) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.now()
	removed := 0
	for k, e := range s.entries {
		if t.After(e.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Len は現在保持しているエントリ数を返す（期限切れ含む）。
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Key は上流ベースURL・パスサフィックス・クエリパラメータから決定的な
// キャッシュキーを生成する。クエリはキーの昇順で正規化するため、
// パラメータの並び順が異なる同一リクエストは同じキーになる。
func Key(base, pathSuffix string, query url.Values) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(base)
	b.WriteString(pathSuffix)
	b.WriteString("?")
	for i, k := range keys {
		for j, v := range query[k] {
			if i > 0 || j > 0 {
				b.WriteString("&")
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteString("=")
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

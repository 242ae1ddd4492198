package cache

import (
	"net/url"
	"testing"
	"time"
)

// TestStoreGetSet はキャッシュの基本的な読み書きを検証する。
func TestStoreGetSet(t *testing.T) {
	t.Parallel()

	t.Run("TTL内の読み出しで保存した値が返ること", func(t *testing.T) {
		t.Parallel()

		s := New[string]()
		s.Set("k1", "value-1", time.Minute)

		got, ok := s.Get("k1")
		if !ok {
			t.Fatal("Get()がエントリ不在を返した")
		}
		if got != "value-1" {
			t.Errorf("Get() = %q, want %q", got, "value-1")
		}
	})

	t.Run("存在しないキーの読み出しで不在が返ること", func(t *testing.T) {
		t.Parallel()

		s := New[string]()
		if _, ok := s.Get("missing"); ok {
			t.Error("Get()が存在しないキーに対してokを返した")
		}
	})

	t.Run("同じキーへのSetで値が上書きされること", func(t *testing.T) {
		t.Parallel()

		s := New[int]()
		s.Set("k", 1, time.Minute)
		s.Set("k", 2, time.Minute)

		got, ok := s.Get("k")
		if !ok {
			t.Fatal("Get()がエントリ不在を返した")
		}
		if got != 2 {
			t.Errorf("Get() = %d, want 2", got)
		}
	})
}

// TestStoreExpiry はTTL経過後のエントリが不在として扱われることを検証する。
func TestStoreExpiry(t *testing.T) {
	t.Parallel()

	t.Run("TTL経過後の読み出しで不在が返り、エントリが削除されること", func(t *testing.T) {
		t.Parallel()

		s := New[string]()
		base := time.Now()
		s.now = func() time.Time { return base }
		s.Set("k", "v", 30*time.Second)

		// 期限ちょうどまで進めても有効
		s.now = func() time.Time { return base.Add(30 * time.Second) }
		if _, ok := s.Get("k"); !ok {
			t.Error("期限内のGet()が不在を返した")
		}

		// 期限を越えたら不在かつ遅延削除される
		s.now = func() time.Time { return base.Add(31 * time.Second) }
		if _, ok := s.Get("k"); ok {
			t.Error("期限切れのGet()がokを返した")
		}
		if s.Len() != 0 {
			t.Errorf("Len() = %d, want 0（遅延削除が行われていない）", s.Len())
		}
	})
}

// TestStoreSweep はバックグラウンド掃除が期限切れエントリのみを削除することを検証する。
func TestStoreSweep(t *testing.T) {
	t.Parallel()

	s := New[string]()
	base := time.Now()
	s.now = func() time.Time { return base }
	s.Set("fresh", "a", time.Hour)
	s.Set("stale-1", "b", time.Second)
	s.Set("stale-2", "c", time.Second)

	s.now = func() time.Time { return base.Add(time.Minute) }
	removed := s.Sweep()
	if removed != 2 {
		t.Errorf("Sweep() = %d, want 2", removed)
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Error("Sweep()が有効なエントリを削除した")
	}
}

// TestKey はキャッシュキー生成の決定性を検証する。
func TestKey(t *testing.T) {
	t.Parallel()

	t.Run("クエリの並び順が異なっても同じキーになること", func(t *testing.T) {
		t.Parallel()

		q1 := url.Values{}
		q1.Set("b", "2")
		q1.Set("a", "1")
		q2 := url.Values{}
		q2.Set("a", "1")
		q2.Set("b", "2")

		k1 := Key("https://api.example.com", "/swap/v6.0/1/quote", q1)
		k2 := Key("https://api.example.com", "/swap/v6.0/1/quote", q2)
		if k1 != k2 {
			t.Errorf("Key()が一致しない: %q != %q", k1, k2)
		}
	})

	t.Run("パスが異なれば別のキーになること", func(t *testing.T) {
		t.Parallel()

		q := url.Values{}
		q.Set("chain", "eth")
		k1 := Key("https://api.example.com", "/path-a", q)
		k2 := Key("https://api.example.com", "/path-b", q)
		if k1 == k2 {
			t.Error("パスが異なるのにKey()が一致した")
		}
	})

	t.Run("複数値パラメータがすべてキーに含まれること", func(t *testing.T) {
		t.Parallel()

		q := url.Values{}
		q.Add("addr", "0xaaa")
		q.Add("addr", "0xbbb")
		k := Key("https://api.example.com", "/p", q)
		want := "https://api.example.com/p?addr=0xaaa&addr=0xbbb"
		if k != want {
			t.Errorf("Key() = %q, want %q", k, want)
		}
	})
}

package capture

import (
	"strings"
	"sync"
)

// Entry はメタデータの1項目
type Entry struct {
	Key   string
	Value interface{} // string, int, float64, bool
}

// Metadata はスナップショットに付与する追加情報
// 挿入順を保持する。同じキーへの再設定は値を上書きする。
type Metadata struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMetadata は空のメタデータを作成する
func NewMetadata() *Metadata {
	return &Metadata{}
}

// Put は項目を追加する。キーは大文字に正規化される。
func (m *Metadata) Put(key string, value interface{}) {
	key = strings.ToUpper(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].Key == key {
			m.entries[i].Value = value
			return
		}
	}
	m.entries = append(m.entries, Entry{Key: key, Value: value})
}

// Get は項目の値を返す
func (m *Metadata) Get(key string) (interface{}, bool) {
	key = strings.ToUpper(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Entries は項目のコピーを返す
func (m *Metadata) Entries() []Entry {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

package server

import (
	"sync"

	"keikou/internal/camera"
)

// defaultRegistryLimit は保持するリクエスト数の上限
const defaultRegistryLimit = 1024

// registry はHTTP経由で作られたリクエストをIDで引けるように保持する
// 上限を超えたら古い終了済みのものから捨てる。
type registry struct {
	mu    sync.Mutex
	limit int
	items map[string]camera.Request
	order []string
}

func newRegistry(limit int) *registry {
	if limit <= 0 {
		limit = defaultRegistryLimit
	}
	return &registry{
		limit: limit,
		items: make(map[string]camera.Request),
	}
}

func (r *registry) add(req camera.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[req.ID()]; ok {
		return
	}
	r.items[req.ID()] = req
	r.order = append(r.order, req.ID())
	r.pruneLocked()
}

func (r *registry) get(id string) (camera.Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.items[id]
	return req, ok
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// pruneLocked は終了済みのリクエストを古い順に捨てる。処理中のものは残す。
func (r *registry) pruneLocked() {
	excess := len(r.items) - r.limit
	if excess <= 0 {
		return
	}
	kept := r.order[:0]
	for _, id := range r.order {
		if excess > 0 && r.items[id].Status().IsTerminal() {
			delete(r.items, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

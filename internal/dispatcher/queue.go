package dispatcher

import (
	"sync"

	"github.com/google/uuid"

	"github.com/weblite/weblite/internal/protocol"
)

// inbox 是 Dispatcher 的无界事件队列：任意 goroutine 可 push，事件循环 drain。
// 无界保证 Handler 上报事件时永远不会阻塞在事件循环上。
type inbox struct {
	mu     sync.Mutex
	items  []any
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (q *inbox) push(ev any) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *inbox) drain() []any {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// pending 是一条被延后的后台请求。
type pending struct {
	req  protocol.Request
	peer protocol.Peer
}

// requestQueue 是后台请求的 FIFO 队列，以 URL 为键：同一 URL 的新请求取代旧请求并排到队尾。
// 只在事件循环中使用。
type requestQueue struct {
	items []pending
}

// push 入队并返回被取代的旧请求（若有）。
func (q *requestQueue) push(p pending) (pending, bool) {
	for i, item := range q.items {
		if item.req.URL == p.req.URL {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.items = append(q.items, p)
			return item, true
		}
	}
	q.items = append(q.items, p)
	return pending{}, false
}

func (q *requestQueue) pop() (pending, bool) {
	if len(q.items) == 0 {
		return pending{}, false
	}
	p := q.items[0]
	q.items[0] = pending{}
	q.items = q.items[1:]
	return p, true
}

// removeClient 删除 clientId 对应的排队请求。
func (q *requestQueue) removeClient(id uuid.UUID) (pending, bool) {
	for i, item := range q.items {
		if item.req.ClientID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return item, true
		}
	}
	return pending{}, false
}

func (q *requestQueue) drainAll() []pending {
	items := q.items
	q.items = nil
	return items
}

func (q *requestQueue) len() int {
	return len(q.items)
}

func (q *requestQueue) urls() []string {
	urls := make([]string, 0, len(q.items))
	for _, item := range q.items {
		urls = append(urls, item.req.URL)
	}
	return urls
}

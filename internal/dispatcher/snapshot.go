package dispatcher

import (
	"context"
	"sort"
	"time"

	"github.com/weblite/weblite/internal/cache"
)

// HandlerInfo 描述一个在途 Handler。
type HandlerInfo struct {
	URL     string    `json:"url"`
	State   string    `json:"state"`
	Clients int       `json:"clients"`
	Started time.Time `json:"started"`
}

// Snapshot 是事件循环上某一时刻的只读视图。
type Snapshot struct {
	Offline   bool          `json:"offline"`
	Inflight  int           `json:"inflight"`
	Handlers  []HandlerInfo `json:"handlers"`
	Queued    []string      `json:"queued"`
	Quotas    []cache.Quota `json:"quotas"`
	Entries   []cache.Entry `json:"entries"`
	LastValue int64         `json:"last_value"`
}

// Snapshot 在事件循环上采集当前状态；Run 未运行时会一直等待到 ctx 结束。
func (d *Dispatcher) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	d.inbox.push(snapshotEvent{reply: reply})
	select {
	case snap := <-reply:
		return snap, nil
	case <-d.stopped:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (d *Dispatcher) snapshot() Snapshot {
	handlers := make([]HandlerInfo, 0, len(d.handlers))
	for _, h := range d.handlers {
		handlers = append(handlers, HandlerInfo{
			URL:     h.URL(),
			State:   h.State().String(),
			Clients: h.ClientCount(),
			Started: h.Started(),
		})
	}
	sort.Slice(handlers, func(i, j int) bool { return handlers[i].URL < handlers[j].URL })

	return Snapshot{
		Offline:   d.offline.Load(),
		Inflight:  d.inflight,
		Handlers:  handlers,
		Queued:    d.queue.urls(),
		Quotas:    d.index.Quotas(),
		Entries:   d.index.Entries(),
		LastValue: d.index.LastValue(),
	}
}

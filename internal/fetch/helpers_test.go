package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/weblite/weblite/internal/cache"
	"github.com/weblite/weblite/internal/protocol"
)

// upstreamStub 统计 HEAD/GET 次数的测试上游。
type upstreamStub struct {
	*httptest.Server
	heads   atomic.Int32
	gets    atomic.Int32
	lastURI atomic.Pointer[string]
}

func newUpstreamStub(t *testing.T, handler http.HandlerFunc) *upstreamStub {
	t.Helper()
	stub := &upstreamStub{}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			stub.heads.Add(1)
		case http.MethodGet:
			stub.gets.Add(1)
		}
		uri := r.RequestURI
		stub.lastURI.Store(&uri)
		handler(w, r)
	}))
	t.Cleanup(stub.Close)
	return stub
}

func newFetchLayout(t *testing.T) *cache.Layout {
	t.Helper()
	layout, err := cache.NewLayout(t.TempDir(), []cache.PathSpec{
		{Name: "default", Quota: 1 << 30},
		{Name: "media", Quota: 1 << 30, ContentTypes: []string{"image/", "video/"}},
	})
	if err != nil {
		t.Fatalf("layout error: %v", err)
	}
	return layout
}

func cachedEntry(t *testing.T, layout *cache.Layout, url, contentType string, size int, modified time.Time) *cache.Entry {
	t.Helper()
	cachePath := layout.PathFor(contentType)
	filename := layout.FileFor(url, cachePath)
	if err := os.WriteFile(filename, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write cached file: %v", err)
	}
	return &cache.Entry{
		URL:          url,
		Filename:     filename,
		ContentType:  contentType,
		TotalBytes:   int64(size),
		LastModified: modified,
		CachePath:    cachePath,
		CacheValue:   1,
	}
}

// runHandler 启动 Handler 并收集事件直到 Closed。
func runHandler(t *testing.T, url string, opts Options) []Event {
	t.Helper()
	ch := make(chan Event, 4096)
	opts.Emit = func(ev Event) { ch <- ev }
	h := New(url, opts)
	h.Start(context.Background())
	events := drain(t, ch)
	<-h.Done()
	return events
}

func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
			if ev.Closed {
				return events
			}
		case <-timeout:
			t.Fatalf("handler did not close, events so far: %d", len(events))
		}
	}
}

func waitForStatus(t *testing.T, ch <-chan Event, status protocol.Status) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Response.Status == status {
				return
			}
			if ev.Closed {
				t.Fatalf("handler closed before %s", status)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", status)
		}
	}
}

func responseStatuses(events []Event) []protocol.Status {
	var statuses []protocol.Status
	for _, ev := range events {
		if !ev.Closed {
			statuses = append(statuses, ev.Response.Status)
		}
	}
	return statuses
}

func terminalEvent(events []Event) Event {
	for i := len(events) - 1; i >= 0; i-- {
		if !events[i].Closed && events[i].Response.Status.Terminal() {
			return events[i]
		}
	}
	return Event{}
}

func terminal(t *testing.T, events []Event) protocol.Response {
	t.Helper()
	ev := terminalEvent(events)
	if !ev.Response.Status.Terminal() {
		t.Fatalf("no terminal response among %v", responseStatuses(events))
	}
	return ev.Response
}

func closedEvent(events []Event) Event {
	if len(events) == 0 {
		return Event{}
	}
	return events[len(events)-1]
}

func assertTempEmpty(t *testing.T, layout *cache.Layout) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(layout.Base(), ".tmp"))
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("temp dir should be empty, found %d files", len(entries))
	}
}

func newID() uuid.UUID {
	return uuid.New()
}

type recordingPeer struct {
	mu  sync.Mutex
	got []protocol.Response
}

func (p *recordingPeer) Deliver(resp protocol.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, resp)
}

// writeTruncated 声明 declared 字节的响应体，只写出 body 后直接断开连接。
func writeTruncated(t *testing.T, w http.ResponseWriter, contentType string, declared int, body string) {
	t.Helper()
	hj, ok := w.(http.Hijacker)
	if !ok {
		t.Errorf("response writer does not support hijacking")
		return
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		t.Errorf("hijack: %v", err)
		return
	}
	defer conn.Close()
	fmt.Fprintf(buf, "HTTP/1.1 200 OK\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n%s", contentType, declared, body)
	_ = buf.Flush()
}

package dispatcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/weblite/weblite/internal/cache"
	"github.com/weblite/weblite/internal/protocol"
)

type harness struct {
	d      *Dispatcher
	ix     *cache.Index
	layout *cache.Layout
	done   chan error
	cancel context.CancelFunc
	once   sync.Once
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	dir := t.TempDir()
	layout, err := cache.NewLayout(filepath.Join(dir, "storage"), []cache.PathSpec{
		{Name: "default", Quota: 1 << 20},
		{Name: "images", Quota: 1 << 20, ContentTypes: []string{"image/"}},
	})
	if err != nil {
		t.Fatalf("layout error: %v", err)
	}
	ix, err := cache.Open(layout, cache.Options{IndexFile: filepath.Join(dir, "index.json")})
	if err != nil {
		t.Fatalf("open index error: %v", err)
	}

	opts := Options{Index: ix, MaxRedirects: 5}
	if configure != nil {
		configure(&opts)
	}
	d, err := New(opts)
	if err != nil {
		t.Fatalf("new dispatcher error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{d: d, ix: ix, layout: layout, done: make(chan error, 1), cancel: cancel}
	go func() { h.done <- d.Run(ctx) }()
	t.Cleanup(func() {
		h.stop(t)
		_ = ix.Close()
	})
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.once.Do(func() {
		h.cancel()
		select {
		case <-h.done:
		case <-time.After(10 * time.Second):
			t.Fatalf("dispatcher did not stop")
		}
	})
}

// seed 在事件循环空闲时写入一条缓存，必须在发出任何请求之前调用。
func (h *harness) seed(t *testing.T, url, contentType string, body string, modified time.Time) cache.Entry {
	t.Helper()
	cachePath := h.layout.PathFor(contentType)
	filename := h.layout.FileFor(url, cachePath)
	if err := os.WriteFile(filename, []byte(body), 0o644); err != nil {
		t.Fatalf("write cached file: %v", err)
	}
	entry, err := h.ix.Add(cache.Entry{
		URL:          url,
		Filename:     filename,
		ContentType:  contentType,
		TotalBytes:   int64(len(body)),
		LastModified: modified,
	})
	if err != nil {
		t.Fatalf("seed add error: %v", err)
	}
	return entry
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := h.d.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot error: %v", err)
	}
	return snap
}

func (h *harness) eventually(t *testing.T, what string, cond func(Snapshot) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond(h.snapshot(t)) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// collector 记录投递给某个请求方的所有响应。
type collector struct {
	ch chan protocol.Response
}

func newCollector() *collector {
	return &collector{ch: make(chan protocol.Response, 4096)}
}

func (c *collector) Deliver(resp protocol.Response) {
	c.ch <- resp
}

func (c *collector) terminal(t *testing.T) protocol.Response {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case resp := <-c.ch:
			if resp.Status.Terminal() {
				return resp
			}
		case <-timeout:
			t.Fatalf("no terminal response")
		}
	}
}

func (c *collector) expectSilent(t *testing.T, d time.Duration) {
	t.Helper()
	timeout := time.After(d)
	for {
		select {
		case resp := <-c.ch:
			if resp.Status.Terminal() {
				t.Fatalf("unexpected terminal response %s", resp.Status)
			}
		case <-timeout:
			return
		}
	}
}

func request(url string, background bool) protocol.Request {
	return protocol.Request{ClientID: uuid.New(), URL: url, BackgroundDownload: background}
}

// upstream 是按 "METHOD path" 计数的测试上游。
type upstream struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newUpstream(t *testing.T, handler http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{hits: make(map[string]int)}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.hits[r.Method+" "+r.URL.Path]++
		u.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) count(method, path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[method+" "+path]
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

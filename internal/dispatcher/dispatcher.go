// Package dispatcher implements the request dispatcher: a single event loop
// that routes every request to a file answer, an existing fetch handler, a new
// fetch handler or the background queue, and that owns the cache index.
//
// All routing state (handler table, client table, background queue, in-flight
// counter) and every cache index mutation live on the goroutine running Run.
// Public methods only enqueue events, so they are safe to call from any
// goroutine, including from inside a Peer's Deliver.
package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/weblite/weblite/internal/cache"
	"github.com/weblite/weblite/internal/fetch"
	"github.com/weblite/weblite/internal/logging"
	"github.com/weblite/weblite/internal/metrics"
	"github.com/weblite/weblite/internal/protocol"
)

// shutdownGrace 是退出时等待 Handler goroutine 收尾的上限。
const shutdownGrace = 5 * time.Second

var (
	// ErrRunning 表示 Run 被重复调用。
	ErrRunning = errors.New("dispatcher already running")
	// ErrStopped 表示事件循环已经退出。
	ErrStopped = errors.New("dispatcher stopped")
)

// Options 注入 Dispatcher 的依赖。
type Options struct {
	Index        *cache.Index
	Client       *http.Client
	MaxRedirects int
	UserAgent    string
	Offline      bool
	Logger       *logrus.Logger
	Metrics      *metrics.Metrics
}

// Dispatcher 是进程内唯一的请求分发器。
type Dispatcher struct {
	opts    Options
	index   *cache.Index
	logger  *logrus.Entry
	metrics *metrics.Metrics
	inbox   *inbox
	offline atomic.Bool
	running atomic.Bool
	stopped chan struct{}

	// 以下字段只在事件循环中访问。
	ctx      context.Context
	handlers map[string]*fetch.Handler
	owners   map[uuid.UUID]*fetch.Handler
	live     map[*fetch.Handler]struct{}
	queue    requestQueue
	inflight int
}

type requestEvent struct {
	req  protocol.Request
	peer protocol.Peer
}

type abortEvent struct {
	clientID uuid.UUID
}

type snapshotEvent struct {
	reply chan Snapshot
}

// New 创建 Dispatcher，并让索引在淘汰时跳过仍有订阅者的 URL。
func New(opts Options) (*Dispatcher, error) {
	if opts.Index == nil {
		return nil, errors.New("dispatcher requires a cache index")
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	d := &Dispatcher{
		opts:     opts,
		index:    opts.Index,
		logger:   logging.Component(opts.Logger, "dispatcher"),
		metrics:  opts.Metrics,
		inbox:    newInbox(),
		stopped:  make(chan struct{}),
		handlers: make(map[string]*fetch.Handler),
		owners:   make(map[uuid.UUID]*fetch.Handler),
		live:     make(map[*fetch.Handler]struct{}),
	}
	d.offline.Store(opts.Offline)
	d.index.SetInUse(d.inUse)
	return d, nil
}

// Run 运行事件循环直到 ctx 取消；退出前取消所有 Handler 并持久化索引。
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(d.stopped)

	d.ctx = ctx
	d.logger.WithFields(logrus.Fields{
		"action":  "dispatcher_start",
		"offline": d.offline.Load(),
	}).Info("dispatcher_started")

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case <-d.inbox.signal:
			for _, ev := range d.inbox.drain() {
				d.process(ev)
			}
		}
	}
}

// HandleMessage 解码一条 wire 消息并投递；Response 消息不接受。
func (d *Dispatcher) HandleMessage(data []byte, peer protocol.Peer) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		d.logger.WithError(err).WithField("action", "protocol").Warn("protocol_error")
		return err
	}
	switch msg.Kind {
	case protocol.KindRequest:
		d.Request(*msg.Request, peer)
	case protocol.KindAbort:
		d.Abort(msg.Abort.ClientID)
	default:
		err := &protocol.ProtocolError{Reason: "dispatcher does not accept " + string(msg.Kind) + " messages"}
		d.logger.WithError(err).WithField("action", "protocol").Warn("protocol_error")
		return err
	}
	return nil
}

// Request 接收一个 FetchRequest。file:// 在调用方 goroutine 上同步应答。
func (d *Dispatcher) Request(req protocol.Request, peer protocol.Peer) {
	if peer == nil {
		peer = protocol.PeerFunc(func(protocol.Response) {})
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		d.reject(req, peer, protocol.ErrorBadRequest)
		return
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		d.serveFile(req, u, peer)
	case "http", "https":
		d.inbox.push(requestEvent{req: req, peer: peer})
	default:
		d.reject(req, peer, protocol.ErrorUnsupportedScheme)
	}
}

// Abort 取消 clientId 对应的请求；重复调用或未知 clientId 都是无操作。
func (d *Dispatcher) Abort(clientID uuid.UUID) {
	d.inbox.push(abortEvent{clientID: clientID})
}

// SetOffline 切换离线模式；离线时 http 请求只从缓存应答。
func (d *Dispatcher) SetOffline(offline bool) {
	if d.offline.Swap(offline) != offline {
		d.logger.WithFields(logrus.Fields{"action": "offline", "offline": offline}).Info("offline_mode_changed")
	}
}

// Offline 返回当前是否处于离线模式。
func (d *Dispatcher) Offline() bool {
	return d.offline.Load()
}

func (d *Dispatcher) reject(req protocol.Request, peer protocol.Peer, code protocol.ErrorCode) {
	d.metrics.Request(metrics.KindRejected)
	d.logger.WithFields(logging.FetchFields("reject", req.ClientID, req.URL, req.BackgroundDownload)).
		WithField("error", code.String()).Debug("request_rejected")
	peer.Deliver(protocol.Response{
		ClientID: req.ClientID,
		Record:   protocol.Record{URL: req.URL},
		Status:   protocol.StatusError,
		Error:    code,
	})
}

func (d *Dispatcher) process(ev any) {
	switch ev := ev.(type) {
	case requestEvent:
		d.handleRequest(ev.req, ev.peer)
	case abortEvent:
		d.handleAbort(ev.clientID)
	case fetch.Event:
		d.handleFetchEvent(ev)
	case snapshotEvent:
		ev.reply <- d.snapshot()
	}
}

func (d *Dispatcher) handleRequest(req protocol.Request, peer protocol.Peer) {
	fields := logging.FetchFields("route", req.ClientID, req.URL, req.BackgroundDownload)
	peer.Deliver(protocol.Response{
		ClientID: req.ClientID,
		Record:   protocol.Record{URL: req.URL},
		Status:   protocol.StatusRequestAcknowledged,
	})

	if prev, ok := d.owners[req.ClientID]; ok && prev.URL() != req.URL {
		d.detach(req.ClientID, prev)
	}

	// 离线模式下仍可加入已在途的传输，只是不再发起新的传输。
	if h, ok := d.handlers[req.URL]; ok {
		d.owners[req.ClientID] = h
		if latest, ok := h.Join(req.ClientID, peer); ok {
			peer.Deliver(latest)
		}
		d.metrics.Request(metrics.KindJoined)
		d.logger.WithFields(fields).WithField("clients", h.ClientCount()).Debug("request_joined")
		return
	}

	if d.offline.Load() {
		d.metrics.Request(metrics.KindOffline)
		d.serveOffline(req, peer)
		return
	}

	if req.BackgroundDownload && d.inflight > 0 {
		if prev, ok := d.queue.push(pending{req: req, peer: peer}); ok && prev.req.ClientID != req.ClientID {
			prev.peer.Deliver(abortedResponse(prev.req.ClientID, prev.req.URL))
		}
		d.metrics.Request(metrics.KindQueued)
		d.metrics.SetQueueLength(d.queue.len())
		d.logger.WithFields(fields).WithField("queued", d.queue.len()).Debug("request_queued")
		return
	}

	d.start(req, peer)
}

// start 为 URL 创建并启动新的 Handler。
func (d *Dispatcher) start(req protocol.Request, peer protocol.Peer) {
	var cached *cache.Entry
	if entry, ok := d.index.Verify(req.URL); ok {
		cached = &entry
	}

	h := fetch.New(req.URL, fetch.Options{
		Client:       d.opts.Client,
		Layout:       d.index.Layout(),
		Cached:       cached,
		Direct:       req.Direct,
		MaxRedirects: d.opts.MaxRedirects,
		UserAgent:    d.opts.UserAgent,
		Emit:         d.emit,
		Logger:       d.opts.Logger,
		Metrics:      d.metrics,
	})
	h.Join(req.ClientID, peer)
	d.handlers[req.URL] = h
	d.owners[req.ClientID] = h
	d.live[h] = struct{}{}
	d.inflight++
	d.metrics.SetInflight(d.inflight)

	kind := metrics.KindHTTP
	if req.BackgroundDownload {
		kind = metrics.KindBackground
	}
	d.metrics.Request(kind)
	d.logger.WithFields(logging.FetchFields("start", req.ClientID, req.URL, req.BackgroundDownload)).
		WithFields(logrus.Fields{"cached": cached != nil, "inflight": d.inflight}).
		Debug("handler_started")

	h.Start(d.ctx)
}

// emit 是 Handler 的上报入口，在 Handler goroutine 中调用。
func (d *Dispatcher) emit(ev fetch.Event) {
	d.inbox.push(ev)
}

func (d *Dispatcher) handleFetchEvent(ev fetch.Event) {
	h := ev.Handler
	current := d.handlers[h.URL()] == h

	if ev.Closed {
		delete(d.live, h)
		d.inflight--
		d.metrics.SetInflight(d.inflight)
		if current {
			if h.ClientCount() > 0 {
				h.Broadcast(abortedResponse(uuid.Nil, h.URL()))
			}
			d.retire(h)
		}
		if d.inflight == 0 {
			d.dequeue()
		}
		return
	}
	if !current {
		return
	}

	resp := ev.Response
	if !resp.Status.Terminal() {
		h.Broadcast(resp)
		return
	}

	resp = d.finish(resp)
	h.Broadcast(resp)
	d.metrics.Result(resp.Status.String())
	d.logger.WithFields(logrus.Fields{
		"action":     "fetch_result",
		"url":        resp.URL,
		"status":     resp.Status.String(),
		"error":      resp.Error.String(),
		"cache_hit":  ev.CacheHit,
		"bytes":      resp.TotalBytes,
		"clients":    h.ClientCount(),
		"elapsed_ms": time.Since(h.Started()).Milliseconds(),
	}).Info("handler_finished")
	d.retire(h)
}

// finish 在终态响应广播前更新缓存索引，并对失败应用离线兜底。
func (d *Dispatcher) finish(resp protocol.Response) protocol.Response {
	switch {
	case resp.Status == protocol.StatusComplete:
		if resp.TotalBytes > 0 {
			resp.Record = d.store(resp.Record)
		}
	case resp.Failed():
		entry, ok := d.index.Verify(resp.URL)
		if !ok {
			return resp
		}
		d.metrics.CacheHit(metrics.HitOfflineFallback)
		d.logger.WithFields(logging.CacheFields("offline_fallback", entry.URL, entry.CachePath, entry.TotalBytes)).
			WithField("error", resp.Error.String()).Info("offline_fallback")
		resp = protocol.Response{
			Record:      d.store(entry),
			LoadedBytes: entry.TotalBytes,
			Status:      protocol.StatusComplete,
		}
	}
	return resp
}

// store 写入（或刷新）缓存索引；失败时原样返回记录。
func (d *Dispatcher) store(record protocol.Record) protocol.Record {
	stored, err := d.index.Add(record)
	if err != nil {
		d.logger.WithError(err).WithFields(logging.CacheFields("cache_add", record.URL, record.CachePath, record.TotalBytes)).
			Warn("cache_add_failed")
		return record
	}
	return stored
}

func (d *Dispatcher) handleAbort(id uuid.UUID) {
	if p, ok := d.queue.removeClient(id); ok {
		d.metrics.SetQueueLength(d.queue.len())
		p.peer.Deliver(abortedResponse(id, p.req.URL))
		return
	}
	h, ok := d.owners[id]
	if !ok {
		return
	}
	h.Send(id, abortedResponse(id, h.URL()))
	d.detach(id, h)
}

// detach 把 clientId 从 Handler 中移除；最后一个订阅者离开时取消传输。
func (d *Dispatcher) detach(id uuid.UUID, h *fetch.Handler) {
	delete(d.owners, id)
	if h.Leave(id) > 0 {
		return
	}
	h.Cancel()
	d.retire(h)
	d.logger.WithFields(logrus.Fields{"action": "fetch_cancel", "url": h.URL()}).Debug("handler_cancelled")
}

// retire 把 Handler 从路由表中移除；其 goroutine 的 Closed 事件随后仍会计入 in-flight。
func (d *Dispatcher) retire(h *fetch.Handler) {
	if d.handlers[h.URL()] == h {
		delete(d.handlers, h.URL())
	}
	for _, id := range h.Clients() {
		if d.owners[id] == h {
			delete(d.owners, id)
		}
	}
	h.Release()
}

// dequeue 在系统空闲时启动下一条后台请求。
func (d *Dispatcher) dequeue() {
	for d.inflight == 0 {
		p, ok := d.queue.pop()
		if !ok {
			break
		}
		d.metrics.SetQueueLength(d.queue.len())
		if d.offline.Load() {
			d.serveOffline(p.req, p.peer)
			continue
		}
		d.logger.WithFields(logging.FetchFields("dequeue", p.req.ClientID, p.req.URL, true)).Debug("request_dequeued")
		d.start(p.req, p.peer)
	}
}

func (d *Dispatcher) serveOffline(req protocol.Request, peer protocol.Peer) {
	entry, ok := d.index.Verify(req.URL)
	if !ok {
		peer.Deliver(protocol.Response{
			ClientID: req.ClientID,
			Record:   protocol.Record{URL: req.URL},
			Status:   protocol.StatusError,
			Error:    protocol.ErrorOffline,
		})
		return
	}
	d.metrics.CacheHit(metrics.HitOffline)
	peer.Deliver(protocol.Response{
		ClientID:    req.ClientID,
		Record:      entry,
		LoadedBytes: entry.TotalBytes,
		Status:      protocol.StatusOfflineData,
	})
}

// inUse 供索引淘汰时判断 URL 是否仍有订阅者。
func (d *Dispatcher) inUse(rawURL string) bool {
	h, ok := d.handlers[rawURL]
	return ok && h.ClientCount() > 0
}

func (d *Dispatcher) shutdown() {
	for _, p := range d.queue.drainAll() {
		p.peer.Deliver(abortedResponse(p.req.ClientID, p.req.URL))
	}
	for _, h := range d.handlers {
		h.Broadcast(abortedResponse(uuid.Nil, h.URL()))
		d.retire(h)
	}
	for h := range d.live {
		h.Cancel()
	}

	deadline := time.NewTimer(shutdownGrace)
	defer deadline.Stop()
wait:
	for h := range d.live {
		select {
		case <-h.Done():
		case <-deadline.C:
			d.logger.WithField("action", "dispatcher_stop").Warn("handlers_still_running")
			break wait
		}
	}

	if err := d.index.Persist(); err != nil {
		d.logger.WithError(err).WithField("action", "dispatcher_stop").Warn("index_persist_failed")
	}
	d.logger.WithField("action", "dispatcher_stop").Info("dispatcher_stopped")
}

func abortedResponse(id uuid.UUID, rawURL string) protocol.Response {
	return protocol.Response{
		ClientID: id,
		Record:   protocol.Record{URL: rawURL},
		Status:   protocol.StatusAborted,
		Error:    protocol.ErrorAborted,
	}
}

package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/weblite/weblite/internal/protocol"
)

func TestPostRequestWaitsForTerminalResponse(t *testing.T) {
	fake := &fakeDispatcher{reply: func(req protocol.Request, peer protocol.Peer) {
		peer.Deliver(protocol.Response{ClientID: req.ClientID, Status: protocol.StatusRequestAcknowledged})
		peer.Deliver(protocol.Response{
			ClientID: req.ClientID,
			Record:   protocol.Record{URL: req.URL, Filename: "/cache/a.png", TotalBytes: 3},
			Status:   protocol.StatusComplete,
		})
	}}
	app := newTestApp(t, fake)

	id := uuid.New()
	resp := doJSON(t, app, "POST", "/-/requests", map[string]any{"clientId": id.String(), "url": "http://example.com/a.png"})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}

	var body protocol.Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.ClientID != id || body.Filename != "/cache/a.png" || body.Status != protocol.StatusComplete {
		t.Fatalf("unexpected response body: %+v", body)
	}
}

func TestPostRequestAssignsClientID(t *testing.T) {
	fake := &fakeDispatcher{reply: func(req protocol.Request, peer protocol.Peer) {
		peer.Deliver(protocol.Response{ClientID: req.ClientID, Status: protocol.StatusError, Error: protocol.ErrorOffline})
	}}
	app := newTestApp(t, fake)

	resp := doJSON(t, app, "POST", "/-/requests", map[string]any{"url": "http://example.com/feed"})
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503 for offline error, got %d", resp.StatusCode)
	}
	if got := fake.lastRequest(); got.ClientID == uuid.Nil {
		t.Fatalf("gateway should assign a clientId")
	}
}

func TestPostRequestRejectsMalformedBody(t *testing.T) {
	app := newTestApp(t, &fakeDispatcher{})

	req := httptest.NewRequest("POST", "/-/requests", bytes.NewBufferString(`{"url":`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"protocol_error"`)) {
		t.Fatalf("expected protocol_error, got %s", body)
	}
}

func TestPostRequestTimesOutAndAborts(t *testing.T) {
	fake := &fakeDispatcher{reply: func(req protocol.Request, peer protocol.Peer) {
		peer.Deliver(protocol.Response{ClientID: req.ClientID, Status: protocol.StatusRequestAcknowledged})
	}}
	app := newTestAppWithOptions(t, AppOptions{Dispatcher: fake, WaitTimeout: 50 * time.Millisecond})

	id := uuid.New()
	resp := doJSON(t, app, "POST", "/-/requests", map[string]any{"clientId": id.String(), "url": "http://example.com/stalled"})
	if resp.StatusCode != fiber.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", resp.StatusCode)
	}
	var body protocol.Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.ClientID != id || body.Status != protocol.StatusError || body.Error != protocol.ErrorTimeout {
		t.Fatalf("unexpected timeout body: %+v", body)
	}
	if aborts := fake.abortedIDs(); len(aborts) != 1 || aborts[0] != id {
		t.Fatalf("timed out request should be aborted, got %v", aborts)
	}
}

func TestDeleteRequestSendsAbort(t *testing.T) {
	fake := &fakeDispatcher{}
	app := newTestApp(t, fake)
	id := uuid.New()

	resp, err := app.Test(httptest.NewRequest("DELETE", "/-/requests/"+id.String(), nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if aborts := fake.abortedIDs(); len(aborts) != 1 || aborts[0] != id {
		t.Fatalf("expected abort for %s, got %v", id, aborts)
	}

	resp, _ = app.Test(httptest.NewRequest("DELETE", "/-/requests/not-a-uuid", nil))
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for invalid id, got %d", resp.StatusCode)
	}
}

func TestPostMessageForwardsRawWire(t *testing.T) {
	fake := &fakeDispatcher{}
	app := newTestApp(t, fake)

	raw, _ := protocol.EncodeAbort(protocol.Abort{ClientID: uuid.New()})
	resp, err := app.Test(httptest.NewRequest("POST", "/-/messages", bytes.NewReader(raw)))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	resp, _ = app.Test(httptest.NewRequest("POST", "/-/messages", bytes.NewBufferString(`garbage`)))
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for malformed message, got %d", resp.StatusCode)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	app := newTestApp(t, &fakeDispatcher{})

	resp, err := app.Test(httptest.NewRequest("GET", "/v2/", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"route_not_found"`)) {
		t.Fatalf("expected route_not_found error, got %s", body)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[int]protocol.Response{
		fiber.StatusOK:             {Status: protocol.StatusOfflineData},
		fiber.StatusConflict:       {Status: protocol.StatusAborted},
		fiber.StatusNotFound:       {Status: protocol.StatusError, Error: protocol.ErrorNotFound},
		fiber.StatusBadRequest:     {Status: protocol.StatusError, Error: protocol.ErrorUnsupportedScheme},
		fiber.StatusGatewayTimeout: {Status: protocol.StatusError, Error: protocol.ErrorTimeout},
		fiber.StatusBadGateway:     {Status: protocol.StatusError, Error: protocol.ErrorConnection},
	}
	for want, resp := range cases {
		if got := statusFor(resp); got != want {
			t.Fatalf("%s/%s: expected %d, got %d", resp.Status, resp.Error, want, got)
		}
	}
}

func newTestApp(t *testing.T, dispatcher Dispatcher) *fiber.App {
	t.Helper()
	return newTestAppWithOptions(t, AppOptions{Dispatcher: dispatcher})
}

func newTestAppWithOptions(t *testing.T, opts AppOptions) *fiber.App {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	opts.Logger = logger

	app, err := NewApp(opts)
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	NotFound(app)
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path string, payload any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

// fakeDispatcher 解码消息后记录请求与中止，并可同步应答请求。
type fakeDispatcher struct {
	mu       sync.Mutex
	requests []protocol.Request
	aborts   []uuid.UUID
	reply    func(req protocol.Request, peer protocol.Peer)
}

func (f *fakeDispatcher) HandleMessage(data []byte, peer protocol.Peer) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	switch msg.Kind {
	case protocol.KindRequest:
		f.mu.Lock()
		f.requests = append(f.requests, *msg.Request)
		reply := f.reply
		f.mu.Unlock()
		if reply != nil {
			reply(*msg.Request, peer)
		}
	case protocol.KindAbort:
		f.Abort(msg.Abort.ClientID)
	}
	return nil
}

func (f *fakeDispatcher) Abort(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts = append(f.aborts, id)
}

func (f *fakeDispatcher) lastRequest() protocol.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return protocol.Request{}
	}
	return f.requests[len(f.requests)-1]
}

func (f *fakeDispatcher) abortedIDs() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.aborts...)
}

package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/muxgate/muxgate/internal/worker"
)

func TestClassify(t *testing.T) {
	if resize, _ := classify(websocket.MessageBinary, []byte(`{"type":"resize","cols":80,"rows":24}`)); resize != nil {
		t.Error("binary frames are always raw input")
	}
	resize, raw := classify(websocket.MessageText, []byte(`{"type":"resize","cols":80,"rows":24}`))
	if resize == nil || resize.Cols != 80 || resize.Rows != 24 {
		t.Errorf("resize frame misclassified: %+v raw=%q", resize, raw)
	}
	if resize, _ := classify(websocket.MessageText, []byte(`{"type":"resize","cols":0,"rows":24}`)); resize != nil {
		t.Error("non-positive dimensions are not a resize")
	}
	if resize, raw := classify(websocket.MessageText, []byte("plain text input")); resize != nil || string(raw) != "plain text input" {
		t.Error("unparseable text is raw input")
	}
	if resize, _ := classify(websocket.MessageText, []byte(`{"type":"ping"}`)); resize != nil {
		t.Error("other control types are raw input")
	}
}

// harness wires a browser-side WebSocket through Run to a fake worker
// attach endpoint, exposing both far ends to the test.
type harness struct {
	browser    *websocket.Conn
	workerConn *websocket.Conn
	events     chan []byte
	runDone    chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		events:  make(chan []byte, 16),
		runDone: make(chan struct{}),
	}

	park := make(chan struct{})
	t.Cleanup(func() { close(park) })

	workerConns := make(chan *websocket.Conn, 1)
	workerMux := http.NewServeMux()
	workerMux.HandleFunc("/attach", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		workerConns <- conn
		<-park
		conn.CloseNow()
	})
	workerSrv := httptest.NewServer(workerMux)
	t.Cleanup(workerSrv.Close)

	client := worker.NewClient(workerSrv.URL, nil)
	t.Cleanup(client.Close)

	gatewayMux := http.NewServeMux()
	gatewayMux.HandleFunc("/attach", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		stream, err := client.Attach(r.Context(), "mux-test")
		if err != nil {
			t.Errorf("attach to fake worker: %v", err)
			return
		}
		Run(r.Context(), conn, stream, Options{
			OnEvent: func(data []byte) {
				h.events <- append([]byte(nil), data...)
			},
		})
		close(h.runDone)
	})
	gatewaySrv := httptest.NewServer(gatewayMux)
	t.Cleanup(gatewaySrv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	browser, _, err := websocket.Dial(ctx, gatewaySrv.URL+"/attach", nil)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	t.Cleanup(func() { browser.CloseNow() })
	h.browser = browser

	select {
	case h.workerConn = <-workerConns:
	case <-ctx.Done():
		t.Fatal("worker never received the attach stream")
	}

	// Consume the attach control frame so the test sees only relayed
	// traffic.
	_, data, err := h.workerConn.Read(ctx)
	if err != nil {
		t.Fatalf("read attach frame: %v", err)
	}
	var hello struct {
		Type    string `json:"type"`
		Session string `json:"session"`
	}
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != "attach" || hello.Session != "mux-test" {
		t.Fatalf("first worker frame is not the attach handshake: %s", data)
	}

	return h
}

func TestRunRelaysWorkerToClient(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.workerConn.Write(ctx, websocket.MessageBinary, []byte("terminal output")); err != nil {
		t.Fatalf("worker write: %v", err)
	}
	typ, data, err := h.browser.Read(ctx)
	if err != nil {
		t.Fatalf("browser read: %v", err)
	}
	if typ != websocket.MessageBinary || string(data) != "terminal output" {
		t.Errorf("binary frame altered in transit: typ=%v data=%q", typ, data)
	}

	event := []byte(`{"type":"status","status":"active"}`)
	if err := h.workerConn.Write(ctx, websocket.MessageText, event); err != nil {
		t.Fatalf("worker event write: %v", err)
	}
	typ, data, err = h.browser.Read(ctx)
	if err != nil {
		t.Fatalf("browser event read: %v", err)
	}
	var envelope struct {
		Type  string          `json:"type"`
		Event json.RawMessage `json:"event"`
	}
	if typ != websocket.MessageText {
		t.Fatalf("event relayed as %v", typ)
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Type != "event" {
		t.Fatalf("event not enveloped: %s", data)
	}
	if string(envelope.Event) != string(event) {
		t.Errorf("event body = %s, want %s", envelope.Event, event)
	}

	select {
	case observed := <-h.events:
		if string(observed) != string(event) {
			t.Errorf("OnEvent observed %s", observed)
		}
	case <-ctx.Done():
		t.Fatal("OnEvent never fired")
	}
}

func TestRunClosesClientNormallyOnWorkerClose(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h.workerConn.Close(websocket.StatusNormalClosure, "session ended")

	_, _, err := h.browser.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("browser close status = %v (err %v), want normal closure", websocket.CloseStatus(err), err)
	}

	select {
	case <-h.runDone:
	case <-ctx.Done():
		t.Fatal("Run did not return after worker closed")
	}
}

func TestRunClosesClientWithUpstreamCodeOnWorkerFailure(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h.workerConn.CloseNow()

	_, _, err := h.browser.Read(ctx)
	if websocket.CloseStatus(err) != CloseUpstreamUnavailable {
		t.Errorf("browser close status = %v (err %v), want %v", websocket.CloseStatus(err), err, CloseUpstreamUnavailable)
	}

	select {
	case <-h.runDone:
	case <-ctx.Done():
		t.Fatal("Run did not return after worker failure")
	}
}

func TestRunRelaysClientToWorker(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.browser.Write(ctx, websocket.MessageText, []byte(`{"type":"resize","cols":132,"rows":50}`)); err != nil {
		t.Fatalf("browser resize write: %v", err)
	}
	_, data, err := h.workerConn.Read(ctx)
	if err != nil {
		t.Fatalf("worker read: %v", err)
	}
	var rs struct {
		Type string `json:"type"`
		Cols int    `json:"cols"`
		Rows int    `json:"rows"`
	}
	if err := json.Unmarshal(data, &rs); err != nil || rs.Type != "resize" || rs.Cols != 132 || rs.Rows != 50 {
		t.Fatalf("resize not forwarded: %s", data)
	}

	if err := h.browser.Write(ctx, websocket.MessageBinary, []byte("ls -la\n")); err != nil {
		t.Fatalf("browser input write: %v", err)
	}
	_, data, err = h.workerConn.Read(ctx)
	if err != nil {
		t.Fatalf("worker read: %v", err)
	}
	var in struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}
	if err := json.Unmarshal(data, &in); err != nil || in.Type != "input" || in.Data != "ls -la\n" {
		t.Fatalf("input not forwarded: %s", data)
	}

	// Text that is not a resize control message is still raw input.
	if err := h.browser.Write(ctx, websocket.MessageText, []byte("echo hi")); err != nil {
		t.Fatalf("browser text write: %v", err)
	}
	_, data, err = h.workerConn.Read(ctx)
	if err != nil {
		t.Fatalf("worker read: %v", err)
	}
	if err := json.Unmarshal(data, &in); err != nil || in.Type != "input" || in.Data != "echo hi" {
		t.Fatalf("plain text not forwarded as input: %s", data)
	}
}

func TestRunTearsDownWorkerOnClientClose(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h.browser.Close(websocket.StatusNormalClosure, "")

	if _, _, err := h.workerConn.Read(ctx); err == nil {
		t.Error("worker stream still open after client closed")
	}

	select {
	case <-h.runDone:
	case <-ctx.Done():
		t.Fatal("Run did not return after client closed")
	}
}

func TestTruncateReason(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	if got := truncateReason(string(long)); len(got) != 120 {
		t.Errorf("truncated length = %d, want 120", len(got))
	}
	if got := truncateReason("short"); got != "short" {
		t.Errorf("short reason altered: %q", got)
	}
}

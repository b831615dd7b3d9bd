package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// fakeWorker is an in-process worker speaking the control protocol. The
// respond callback maps one request to one response body; returning a
// non-empty error string produces a worker-reported failure.
type fakeWorker struct {
	ts *httptest.Server

	mu       sync.Mutex
	requests []rpcRequest
	respond  func(method string, params json.RawMessage) (interface{}, string)
}

func newFakeWorker(t *testing.T, respond func(method string, params json.RawMessage) (interface{}, string)) *fakeWorker {
	t.Helper()
	f := &fakeWorker{respond: respond}
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var req struct {
				ID     string          `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			f.mu.Lock()
			f.requests = append(f.requests, rpcRequest{ID: req.ID, Method: req.Method, Params: req.Params})
			f.mu.Unlock()

			result, errMsg := f.respond(req.Method, req.Params)
			resp := map[string]interface{}{"id": req.ID, "ok": errMsg == ""}
			if errMsg != "" {
				resp["error"] = errMsg
			} else if result != nil {
				resp["result"] = result
			}
			payload, _ := json.Marshal(resp)
			if err := conn.Write(r.Context(), websocket.MessageText, payload); err != nil {
				return
			}
		}
	})
	f.ts = httptest.NewServer(mux)
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fakeWorker) lastRequest(t *testing.T) rpcRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("fake worker received no requests")
	}
	return f.requests[len(f.requests)-1]
}

func TestCreateSession(t *testing.T) {
	f := newFakeWorker(t, func(method string, params json.RawMessage) (interface{}, string) {
		if method != MethodSessionCreate {
			return nil, "unexpected method " + method
		}
		return CreateSessionResult{SessionName: "mux-abc123", WorkerID: "w-1"}, ""
	})
	c := NewClient(f.ts.URL, nil)
	defer c.Close()

	res, err := c.CreateSession(context.Background(), CreateSessionRequest{
		ConnectionID: "conn-1",
		Host:         "web-1",
		AuthMethod:   "key",
		Cols:         120,
		Rows:         40,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if res.SessionName != "mux-abc123" || res.WorkerID != "w-1" {
		t.Errorf("unexpected result: %+v", res)
	}

	var sent CreateSessionRequest
	if err := json.Unmarshal(f.lastRequest(t).Params.(json.RawMessage), &sent); err != nil {
		t.Fatalf("decode sent params: %v", err)
	}
	if sent.Host != "web-1" || sent.Cols != 120 {
		t.Errorf("params not forwarded: %+v", sent)
	}
}

func TestRemoteErrorIsNotUnavailable(t *testing.T) {
	f := newFakeWorker(t, func(method string, params json.RawMessage) (interface{}, string) {
		return nil, "no such session"
	})
	c := NewClient(f.ts.URL, nil)
	defer c.Close()

	err := c.KillSession(context.Background(), "mux-gone")
	if err == nil {
		t.Fatal("expected error")
	}
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %T: %v", err, err)
	}
	if remote.Method != MethodSessionKill {
		t.Errorf("remote error method = %q", remote.Method)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Error("worker-reported failure must not classify as unavailable")
	}
}

func TestDialFailureIsUnavailable(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1", nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.KillSession(ctx, "mux-x")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestCallTimeoutIsUnavailable(t *testing.T) {
	// A worker that never answers.
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := NewClient(ts.URL, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := c.Ping(ctx, PingRequest{IsLocal: true})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on timeout, got %v", err)
	}
}

func TestExecCommandForwardsTimeout(t *testing.T) {
	f := newFakeWorker(t, func(method string, params json.RawMessage) (interface{}, string) {
		return CommandResult{Output: "ok\n", ExitCode: 0}, ""
	})
	c := NewClient(f.ts.URL, nil)
	defer c.Close()

	res, err := c.ExecCommand(context.Background(), "mux-1", "uptime", 45*time.Second)
	if err != nil {
		t.Fatalf("ExecCommand: %v", err)
	}
	if res.Output != "ok\n" {
		t.Errorf("output = %q", res.Output)
	}

	var sent struct {
		Command     string `json:"command"`
		TimeoutSecs int    `json:"timeout_secs"`
	}
	if err := json.Unmarshal(f.lastRequest(t).Params.(json.RawMessage), &sent); err != nil {
		t.Fatalf("decode sent params: %v", err)
	}
	if sent.TimeoutSecs != 45 {
		t.Errorf("timeout_secs = %d, want 45", sent.TimeoutSecs)
	}
}

func TestConcurrentCallsCorrelate(t *testing.T) {
	f := newFakeWorker(t, func(method string, params json.RawMessage) (interface{}, string) {
		var p struct {
			Session string `json:"session"`
		}
		json.Unmarshal(params, &p)
		return map[string]string{"content": "pane:" + p.Session}, ""
	})
	c := NewClient(f.ts.URL, nil)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		name := string(rune('a' + i))
		go func() {
			defer wg.Done()
			content, err := c.Capture(context.Background(), name, "", 100)
			if err != nil {
				t.Errorf("Capture(%s): %v", name, err)
				return
			}
			if content != "pane:"+name {
				t.Errorf("Capture(%s) = %q, response misrouted", name, content)
			}
		}()
	}
	wg.Wait()
}

func TestAttachHandshake(t *testing.T) {
	frames := make(chan string, 4)
	mux := http.NewServeMux()
	mux.HandleFunc("/attach", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for i := 0; i < 3; i++ {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			frames <- string(data)
		}
		conn.Write(r.Context(), websocket.MessageBinary, []byte("output"))
		conn.Close(websocket.StatusNormalClosure, "")
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := NewClient(ts.URL, nil)
	stream, err := c.Attach(context.Background(), "mux-7")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer stream.CloseNow()

	if err := stream.SendInput(context.Background(), []byte("ls\n")); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	if err := stream.SendResize(context.Background(), 100, 30); err != nil {
		t.Fatalf("SendResize: %v", err)
	}

	var hello attachFrame
	if err := json.Unmarshal([]byte(<-frames), &hello); err != nil || hello.Type != "attach" || hello.Session != "mux-7" {
		t.Fatalf("first frame is not the attach frame: %+v err=%v", hello, err)
	}
	var in inputFrame
	if err := json.Unmarshal([]byte(<-frames), &in); err != nil || in.Type != "input" || in.Data != "ls\n" {
		t.Fatalf("second frame is not the input: %+v err=%v", in, err)
	}
	var rs resizeFrame
	if err := json.Unmarshal([]byte(<-frames), &rs); err != nil || rs.Type != "resize" || rs.Cols != 100 || rs.Rows != 30 {
		t.Fatalf("third frame is not the resize: %+v err=%v", rs, err)
	}

	frame, err := stream.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !frame.Binary || string(frame.Data) != "output" {
		t.Errorf("frame = %+v", frame)
	}
}

func TestLoadTLSEmpty(t *testing.T) {
	cfg, err := LoadTLS("", "", "")
	if err != nil {
		t.Fatalf("LoadTLS with no files: %v", err)
	}
	if cfg != nil {
		t.Error("expected nil config when no files are set")
	}
}

func TestLoadTLSMissingFiles(t *testing.T) {
	if _, err := LoadTLS("/nonexistent/cert.pem", "/nonexistent/key.pem", ""); err == nil {
		t.Error("expected error for missing cert files")
	}
}

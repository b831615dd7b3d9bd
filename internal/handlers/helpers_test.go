package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/fernet/fernet-go"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/muxgate/muxgate/internal/database"
	"github.com/muxgate/muxgate/internal/middleware"
	"github.com/muxgate/muxgate/internal/vault"
	"github.com/muxgate/muxgate/internal/worker"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&database.Connection{}, &database.Credential{}, &database.Session{},
		&database.Window{}, &database.Pane{}, &database.Entry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	prev := database.DB
	database.DB = db
	t.Cleanup(func() { database.DB = prev })
}

func setupVault(t *testing.T) {
	t.Helper()
	var key fernet.Key
	if err := key.Generate(); err != nil {
		t.Fatalf("generate master key: %v", err)
	}
	prev := Vault
	Vault = vault.New(key.Encode())
	t.Cleanup(func() { Vault = prev })
}

func testPrincipal(namespaces ...string) *middleware.Principal {
	p := &middleware.Principal{Subject: "tester"}
	if namespaces != nil {
		p.Namespaces = namespaces
	}
	return p
}

// buildRequest creates a request carrying a JSON body, chi URL params, and
// an authenticated principal, the way the router middleware would.
func buildRequest(t *testing.T, method, url string, body interface{}, p *middleware.Principal, params map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)

	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
	if p != nil {
		ctx = middleware.WithPrincipal(ctx, p)
	}
	return req.WithContext(ctx)
}

func parseResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("parse response %q: %v", w.Body.String(), err)
	}
	return result
}

func createTestConnection(t *testing.T, namespace string) *database.Connection {
	t.Helper()
	host := "web-1.example.com"
	conn := database.Connection{
		ID:        uuid.NewString(),
		Namespace: namespace,
		Name:      "web-1",
		Host:      &host,
		Port:      22,
		Username:  "deploy",

		AuthMethod:    database.AuthKey,
		HostKeyPolicy: database.HostKeyStrict,
	}
	if err := database.DB.Create(&conn).Error; err != nil {
		t.Fatalf("create test connection: %v", err)
	}
	return &conn
}

func createTestSession(t *testing.T, namespace, status string) *database.Session {
	t.Helper()
	sess := database.Session{
		ID:           uuid.NewString(),
		Namespace:    namespace,
		ConnectionID: uuid.NewString(),
		BackingName:  "mux-" + uuid.NewString()[:8],
		Status:       status,
		Cols:         120,
		Rows:         40,
	}
	if err := database.DB.Create(&sess).Error; err != nil {
		t.Fatalf("create test session: %v", err)
	}
	return &sess
}

// setupFakeWorker stands up an in-process worker RPC endpoint and points
// the package client at it. respond maps a method to a result or a
// worker-reported error string; requests are recorded for inspection.
type fakeWorker struct {
	mu       sync.Mutex
	requests []fakeRequest
}

type fakeRequest struct {
	Method string
	Params json.RawMessage
}

func setupFakeWorker(t *testing.T, respond func(method string, params json.RawMessage) (interface{}, string)) *fakeWorker {
	t.Helper()
	f := &fakeWorker{}
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
			f.requests = append(f.requests, fakeRequest{Method: req.Method, Params: req.Params})
			f.mu.Unlock()

			result, errMsg := respond(req.Method, req.Params)
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
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	client := worker.NewClient(ts.URL, nil)
	prev := Worker
	Worker = client
	t.Cleanup(func() {
		Worker = prev
		client.Close()
	})
	return f
}

func (f *fakeWorker) lastRequest(t *testing.T, method string) json.RawMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.requests) - 1; i >= 0; i-- {
		if f.requests[i].Method == method {
			return f.requests[i].Params
		}
	}
	t.Fatalf("fake worker never received %s", method)
	return nil
}

func TestParsePagination(t *testing.T) {
	cases := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", 50, 0},
		{"limit=10&offset=20", 10, 20},
		{"limit=1000", 100, 0},
		{"limit=0", 50, 0},
		{"limit=-3", 50, 0},
		{"offset=-5", 50, 0},
		{"limit=abc&offset=xyz", 50, 0},
	}
	for _, c := range cases {
		r := httptest.NewRequest("GET", "/api/v1/connections?"+c.query, nil)
		limit, offset := parsePagination(r)
		if limit != c.wantLimit || offset != c.wantOffset {
			t.Errorf("parsePagination(%q) = (%d, %d), want (%d, %d)", c.query, limit, offset, c.wantLimit, c.wantOffset)
		}
	}
}

func TestWriteTaxonomyError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{database.ErrNotFound, http.StatusNotFound},
		{worker.ErrUnavailable, http.StatusBadGateway},
		{&worker.RemoteError{Method: "session.kill", Message: "boom"}, http.StatusBadGateway},
		{vault.ErrNoMasterKey, http.StatusInternalServerError},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		writeTaxonomyError(w, c.err)
		if w.Code != c.want {
			t.Errorf("writeTaxonomyError(%v) = %d, want %d", c.err, w.Code, c.want)
		}
	}
}

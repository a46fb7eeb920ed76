package controllers

import (
	"chatrelay/models"
	"chatrelay/services"
	"chatrelay/web"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sashabaranov/go-openai"
)

type stubCompleter struct {
	reply string
	err   error
	calls int
}

func (s *stubCompleter) Complete(ctx context.Context, messages []models.Message) (string, error) {
	s.calls++
	return s.reply, s.err
}

// brokenStore fails every operation.
type brokenStore struct{}

func (brokenStore) Append(context.Context, string, models.Role, string) (models.Turn, error) {
	return models.Turn{}, &services.PersistenceError{Op: "append", Err: errors.New("db down")}
}

func (brokenStore) RecentTurns(context.Context, string, int) ([]models.Turn, error) {
	return nil, &services.PersistenceError{Op: "recent", Err: errors.New("db down")}
}

func (brokenStore) AllTurns(context.Context, string) ([]models.Turn, error) {
	return nil, &services.PersistenceError{Op: "all", Err: errors.New("db down")}
}

func (brokenStore) ClearAll(context.Context, string) error {
	return &services.PersistenceError{Op: "clear", Err: errors.New("db down")}
}

func (brokenStore) Close() error { return nil }

func newTestRouter(t *testing.T, store services.TurnStore, llm services.Completer) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	chat := services.NewChatService(store, llm, services.ChatOptions{Timeout: time.Second})
	cc := NewChatController(chat, store, "default", 10)

	tmpl, err := web.Templates()
	if err != nil {
		t.Fatal(err)
	}
	r := gin.New()
	r.SetHTMLTemplate(tmpl)
	r.GET("/", cc.Home)
	r.GET("/api/history", cc.GetHistory)
	r.POST("/chat", cc.HandleChat)
	r.POST("/api/clear", cc.ClearChat)
	r.GET("/health", Health)
	return r
}

func sqliteStore(t *testing.T) *services.SQLStore {
	t.Helper()
	store, err := services.OpenSQLiteStore(t.TempDir() + "/site.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json %q: %v", w.Body.String(), err)
	}
	return body
}

func TestHandleChat(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		llm        *stubCompleter
		wantStatus int
		wantReply  string
		wantError  string
		wantTurns  int
	}{
		{
			name:       "success",
			body:       `{"message":"hello"}`,
			llm:        &stubCompleter{reply: "hi"},
			wantStatus: http.StatusOK,
			wantReply:  "hi",
			wantTurns:  2,
		},
		{
			name:       "blank message",
			body:       `{"message":"   "}`,
			llm:        &stubCompleter{reply: "hi"},
			wantStatus: http.StatusBadRequest,
			wantError:  "message cannot be empty",
		},
		{
			name:       "missing message",
			body:       `{}`,
			llm:        &stubCompleter{reply: "hi"},
			wantStatus: http.StatusBadRequest,
			wantError:  "message cannot be empty",
		},
		{
			name:       "malformed body",
			body:       `{"message":`,
			llm:        &stubCompleter{reply: "hi"},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid request body",
		},
		{
			name:       "api failure",
			body:       `{"message":"hello"}`,
			llm:        &stubCompleter{err: &openai.APIError{HTTPStatusCode: 500, Message: "boom"}},
			wantStatus: http.StatusOK,
			wantReply:  services.FallbackAPIError,
			wantTurns:  1,
		},
		{
			name:       "unexpected failure",
			body:       `{"message":"hello"}`,
			llm:        &stubCompleter{err: errors.New("unexpected end of JSON input")},
			wantStatus: http.StatusOK,
			wantReply:  services.FallbackUnexpectedError,
			wantTurns:  1,
		},
		{
			name:       "endpoint unreachable",
			body:       `{"message":"hello"}`,
			llm:        &stubCompleter{err: &url.Error{Op: "Post", URL: "https://llm.example", Err: syscall.ECONNREFUSED}},
			wantStatus: http.StatusOK,
			wantReply:  services.FallbackAPIError,
			wantTurns:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := sqliteStore(t)
			r := newTestRouter(t, store, tt.llm)

			w := do(r, http.MethodPost, "/chat", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			body := decode(t, w)
			if tt.wantError != "" {
				if body["success"] != false || body["error"] != tt.wantError {
					t.Errorf("unexpected error body: %v", body)
				}
				if tt.llm.calls != 0 {
					t.Errorf("remote called on rejected input")
				}
			} else {
				if body["success"] != true || body["reply"] != tt.wantReply {
					t.Errorf("unexpected body: %v", body)
				}
				ts, _ := body["timestamp"].(string)
				if !strings.HasSuffix(ts, "+03:00") {
					t.Errorf("timestamp %q is not UTC+3", ts)
				}
			}

			turns, err := store.AllTurns(context.Background(), "default")
			if err != nil {
				t.Fatal(err)
			}
			if len(turns) != tt.wantTurns {
				t.Errorf("stored %d turns, want %d", len(turns), tt.wantTurns)
			}
		})
	}
}

func TestGetHistory(t *testing.T) {
	store := sqliteStore(t)
	r := newTestRouter(t, store, &stubCompleter{reply: "hi"})

	w := do(r, http.MethodGet, "/api/history", "")
	body := decode(t, w)
	if w.Code != http.StatusOK || body["success"] != true || body["total_count"] != float64(0) {
		t.Fatalf("unexpected empty history: %d %v", w.Code, body)
	}
	if msgs, ok := body["messages"].([]any); !ok || len(msgs) != 0 {
		t.Errorf("messages should be an empty list: %v", body["messages"])
	}

	do(r, http.MethodPost, "/chat", `{"message":"hello"}`)

	body = decode(t, do(r, http.MethodGet, "/api/history", ""))
	msgs := body["messages"].([]any)
	if len(msgs) != 2 || body["total_count"] != float64(2) {
		t.Fatalf("unexpected history: %v", body)
	}
	first := msgs[0].(map[string]any)
	second := msgs[1].(map[string]any)
	if first["sender"] != "user" || first["text"] != "hello" {
		t.Errorf("first = %v", first)
	}
	if second["sender"] != "assistant" || second["text"] != "hi" {
		t.Errorf("second = %v", second)
	}
}

func TestClearChat(t *testing.T) {
	store := sqliteStore(t)
	r := newTestRouter(t, store, &stubCompleter{reply: "hi"})
	do(r, http.MethodPost, "/chat", `{"message":"hello"}`)

	w := do(r, http.MethodPost, "/api/clear", "")
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/" {
		t.Fatalf("expected redirect to /, got %d %q", w.Code, w.Header().Get("Location"))
	}
	turns, _ := store.AllTurns(context.Background(), "default")
	if len(turns) != 0 {
		t.Errorf("expected empty log, got %d turns", len(turns))
	}
}

func TestHome(t *testing.T) {
	store := sqliteStore(t)
	if _, err := store.Append(context.Background(), "default", models.RoleUser, "<b>hello</b>"); err != nil {
		t.Fatal(err)
	}
	r := newTestRouter(t, store, &stubCompleter{reply: "hi"})

	w := do(r, http.MethodGet, "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	page := w.Body.String()
	if !strings.Contains(page, "&lt;b&gt;hello&lt;/b&gt;") {
		t.Errorf("page should contain the escaped message")
	}
	if !strings.Contains(page, `class="message user"`) {
		t.Errorf("page should render the user turn")
	}
}

func TestStoreFailures(t *testing.T) {
	r := newTestRouter(t, brokenStore{}, &stubCompleter{reply: "hi"})

	tests := []struct {
		method, path, body string
	}{
		{http.MethodGet, "/", ""},
		{http.MethodGet, "/api/history", ""},
		{http.MethodPost, "/chat", `{"message":"hello"}`},
		{http.MethodPost, "/api/clear", ""},
	}
	for _, tt := range tests {
		w := do(r, tt.method, tt.path, tt.body)
		if w.Code != http.StatusInternalServerError {
			t.Errorf("%s %s: status = %d", tt.method, tt.path, w.Code)
			continue
		}
		if body := decode(t, w); body["success"] != false || body["error"] == "" {
			t.Errorf("%s %s: body = %v", tt.method, tt.path, body)
		}
	}
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t, sqliteStore(t), &stubCompleter{})
	w := do(r, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || decode(t, w)["status"] != "ok" {
		t.Errorf("unexpected health response: %d %s", w.Code, w.Body.String())
	}
}

package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func sessionRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Session(secret, "default"))
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, ConversationID(c))
	})
	return r
}

func sessionCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, ck := range w.Result().Cookies() {
		if ck.Name == SessionCookie {
			return ck
		}
	}
	return nil
}

func TestSession_IssuesCookieForDefault(t *testing.T) {
	r := sessionRouter("secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Body.String() != "default" {
		t.Errorf("conversation = %q", w.Body.String())
	}
	ck := sessionCookie(w)
	if ck == nil {
		t.Fatal("expected session cookie")
	}
	if !ck.HttpOnly {
		t.Errorf("session cookie should be HttpOnly")
	}
}

func TestSession_Cookies(t *testing.T) {
	valid, err := signSession([]byte("secret"), "room-7", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	foreign, _ := signSession([]byte("other"), "room-7", time.Now())
	expired, _ := signSession([]byte("secret"), "room-7", time.Now().Add(-2*sessionTTL))

	tests := []struct {
		name     string
		cookie   string
		want     string
		reissued bool
	}{
		{name: "valid", cookie: valid, want: "room-7", reissued: false},
		{name: "wrong key", cookie: foreign, want: "default", reissued: true},
		{name: "expired", cookie: expired, want: "default", reissued: true},
		{name: "garbage", cookie: "not-a-token", want: "default", reissued: true},
	}

	r := sessionRouter("secret")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.AddCookie(&http.Cookie{Name: SessionCookie, Value: tt.cookie})
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Body.String() != tt.want {
				t.Errorf("conversation = %q, want %q", w.Body.String(), tt.want)
			}
			if got := sessionCookie(w) != nil; got != tt.reissued {
				t.Errorf("reissued = %v, want %v", got, tt.reissued)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("expected generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("request id = %q", got)
	}
}

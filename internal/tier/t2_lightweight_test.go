package tier

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"context"

	"github.com/rs/zerolog"
	"github.com/titan-scrape/titan/internal/titan"
)

func TestLightweightBrowserDriverSendsBrowserLikeHeaders(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	d := NewLightweightBrowserDriver("", zerolog.Nop())
	outcome, err := d.Execute(context.Background(), &titan.Request{URL: server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.OK {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if got.Get("Sec-Fetch-Mode") != "navigate" {
		t.Fatalf("expected Sec-Fetch-Mode: navigate, got %q", got.Get("Sec-Fetch-Mode"))
	}
	if !strings.Contains(got.Get("Accept"), "text/html") {
		t.Fatalf("expected an HTML accept header, got %q", got.Get("Accept"))
	}
}

func TestLightweightBrowserDriverDefaultsUserAgent(t *testing.T) {
	d := NewLightweightBrowserDriver("", zerolog.Nop())
	if d.ua == "" {
		t.Fatal("expected a default user agent when none is configured")
	}
}

func TestLightweightBrowserDriverPostsBody(t *testing.T) {
	var gotMethod, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
	}))
	defer server.Close()

	d := NewLightweightBrowserDriver("", zerolog.Nop())
	_, err := d.Execute(context.Background(), &titan.Request{URL: server.URL, PostBody: []byte("hello")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Fatalf("expected POST, got %s", gotMethod)
	}
	if gotBody != "hello" {
		t.Fatalf("expected posted body to reach the server, got %q", gotBody)
	}
}

package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := NewProvider(filepath.Join(t.TempDir(), "cookies.json"), Credentials{}, time.Minute)
	if err != nil {
		t.Fatalf("NewProvider returned error: %v", err)
	}
	return p
}

func TestSignAttachesCookiesAndUserAgent(t *testing.T) {
	p := newTestProvider(t)
	p.cookies = []Cookie{
		{Name: "ali_apache_id", Value: "abc"},
		{Name: "xman_us_t", Value: "ctoken=tok123&other=1"},
	}

	headers := map[string]string{"Referer": "http://example.com"}
	if err := p.Sign(headers); err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}
	if headers["Cookie"] != "ali_apache_id=abc; xman_us_t=ctoken=tok123&other=1" {
		t.Errorf("cookie header wrong: %q", headers["Cookie"])
	}
	if headers["User-Agent"] == "" {
		t.Error("user agent not set")
	}
	if headers["Referer"] != "http://example.com" {
		t.Error("existing headers must be kept")
	}
}

func TestSignFailsWithoutSession(t *testing.T) {
	p := newTestProvider(t)
	if err := p.Sign(map[string]string{}); err == nil {
		t.Fatal("expected error when no session is established")
	}
}

func TestCToken(t *testing.T) {
	p := newTestProvider(t)
	p.cookies = []Cookie{{Name: "xman_us_t", Value: "x=1&ctoken=tok123&y=2"}}

	token, err := p.CToken()
	if err != nil {
		t.Fatalf("CToken returned error: %v", err)
	}
	if token != "tok123" {
		t.Errorf("expected tok123, got %q", token)
	}

	p.cookies = nil
	if _, err := p.CToken(); err == nil {
		t.Fatal("expected error without the tracking cookie")
	}
}

func TestCookieFileRoundTrip(t *testing.T) {
	p := newTestProvider(t)
	p.cookies = []Cookie{{Name: "a", Value: "1", Domain: ".alibaba.com", Path: "/"}}
	if err := p.saveCookieFile(); err != nil {
		t.Fatalf("saveCookieFile returned error: %v", err)
	}

	reloaded, err := NewProvider(p.cookieFile, Credentials{}, time.Minute)
	if err != nil {
		t.Fatalf("NewProvider returned error: %v", err)
	}
	if err := reloaded.loadCookieFile(); err != nil {
		t.Fatalf("loadCookieFile returned error: %v", err)
	}
	if len(reloaded.cookies) != 1 || reloaded.cookies[0].Name != "a" {
		t.Errorf("cookies not round-tripped: %+v", reloaded.cookies)
	}

	info, err := os.Stat(p.cookieFile)
	if err != nil {
		t.Fatalf("failed to stat cookie file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("cookie file should not be world readable, got %v", info.Mode().Perm())
	}
}

func TestAntiForgeryToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<script>var data = {'_csrf_token_':'abc123'};</script>`))
	}))
	defer server.Close()

	p := newTestProvider(t)
	p.cookies = []Cookie{{Name: "session", Value: "x"}}

	token, err := p.AntiForgeryToken(context.Background(), server.URL, `\{'_csrf_token_':'(\w+)'\}`)
	if err != nil {
		t.Fatalf("AntiForgeryToken returned error: %v", err)
	}
	if token != "abc123" {
		t.Errorf("expected abc123, got %q", token)
	}

	if _, err := p.AntiForgeryToken(context.Background(), server.URL, `dmtrack_pageid='(\w+)'`); err == nil {
		t.Fatal("expected error when the page has no matching token")
	}
}

package main

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sancsoft/localtunnel-server/internal/tunnel"
)

func newTestHandler(t *testing.T) (http.Handler, *tunnel.Registry) {
	t.Helper()
	reg := tunnel.NewRegistry(10, nil)
	reg.IdleTimeout = time.Minute
	t.Cleanup(reg.CloseAll)
	c := Config{MarketingURL: "https://tunnels.example.org/www/"}
	return managementHandler(reg, &c, nil), reg
}

func TestCreateNew(t *testing.T) {
	h, reg := newTestHandler(t)

	req := httptest.NewRequest("GET", "http://example.com/?new", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var info newClientInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !tunnel.IDPattern.MatchString(info.ID) {
		t.Fatalf("id %q invalid", info.ID)
	}
	if info.Port <= 0 {
		t.Fatalf("port = %d", info.Port)
	}
	if info.MaxConnCount != 10 {
		t.Fatalf("max_conn_count = %d, want 10", info.MaxConnCount)
	}
	if want := "http://" + info.ID + ".example.com"; info.URL != want {
		t.Fatalf("url = %q, want %q", info.URL, want)
	}
	if reg.Lookup(info.ID) == nil {
		t.Fatal("created tunnel not in registry")
	}
}

func TestCreateRequestedID(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest("GET", "http://example.com/wxyz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var info newClientInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.ID != "wxyz" {
		t.Fatalf("id = %q, want wxyz", info.ID)
	}
}

func TestInvalidIDRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	for _, bad := range []string{"ab", "Mixed", "with-dash", strings.Repeat("a", 64)} {
		req := httptest.NewRequest("GET", "http://example.com/"+bad, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("id %q: status = %d, want 403", bad, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "Invalid subdomain") {
			t.Fatalf("id %q: body = %q", bad, rec.Body.String())
		}
	}
}

func TestRootRedirects(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest("GET", "http://example.com/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://tunnels.example.org/www/" {
		t.Fatalf("location = %q", loc)
	}
}

func TestStatus(t *testing.T) {
	h, reg := newTestHandler(t)
	if _, err := reg.Create("abcd"); err != nil {
		t.Fatalf("create: %v", err)
	}

	req := httptest.NewRequest("GET", "http://example.com/api/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var st statusInfo
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Tunnels != 1 {
		t.Fatalf("tunnels = %d, want 1", st.Tunnels)
	}
	if st.Mem.Sys == 0 {
		t.Fatal("mem stats not populated")
	}
}

func TestPublicFallbackServesHTTP(t *testing.T) {
	h, _ := newTestHandler(t)
	fallback := publicFallback(h)

	server, client := net.Pipe()
	head := []byte("GET /api/status HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")
	go fallback(server, head)

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	body := string(resp)
	if !strings.HasPrefix(body, "HTTP/1.1 200 OK") {
		t.Fatalf("fallback response = %q", body)
	}
	if !strings.Contains(body, "tunnels") {
		t.Fatalf("status body missing: %q", body)
	}
}

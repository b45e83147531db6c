package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"keybot/internal/repository"
)

func vmessLink(host string, port interface{}) string {
	payload := fmt.Sprintf(`{"v":"2","ps":"test","add":%q,"port":%s,"id":"abc"}`, host, portJSON(port))
	return "vmess://" + base64.StdEncoding.EncodeToString([]byte(payload))
}

func portJSON(port interface{}) string {
	switch p := port.(type) {
	case string:
		return strconv.Quote(p)
	default:
		return fmt.Sprint(p)
	}
}

func listen(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

// closedPort returns a port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestExtractLinks(t *testing.T) {
	text := `<p>vmess://eyJhZGQiOiIxLjIuMy40In0=</p> junk
vless://uuid-1@example.com:443?type=ws#name and "vmess://QUJD"`
	links := ExtractLinks(text)
	want := []string{
		"vmess://eyJhZGQiOiIxLjIuMy40In0=",
		"vless://uuid-1@example.com:443?type=ws#name",
		"vmess://QUJD",
	}
	if len(links) != len(want) {
		t.Fatalf("got %v, want %v", links, want)
	}
	for i := range want {
		if links[i] != want[i] {
			t.Errorf("link %d: got %q, want %q", i, links[i], want[i])
		}
	}
}

func TestEndpoint(t *testing.T) {
	textForm := "vmess://" + base64.StdEncoding.EncodeToString([]byte("address: 10.0.0.1\nport: 8443\n"))
	cases := []struct {
		name     string
		link     string
		wantHost string
		wantPort int
		ok       bool
	}{
		{"vmess numeric port", vmessLink("1.2.3.4", 443), "1.2.3.4", 443, true},
		{"vmess string port", vmessLink("example.org", "8080"), "example.org", 8080, true},
		{"text form", textForm, "10.0.0.1", 8443, true},
		{"url form", "vless://uuid@host.example:2053?security=tls#x", "host.example", 2053, true},
		{"no scheme", "not a link", "", 0, false},
		{"bad base64", "vmess://!!!", "", 0, false},
		{"missing port", vmessLink("1.2.3.4", ""), "", 0, false},
		{"url without port", "vless://uuid@host.example", "", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			host, port, ok := Endpoint(tc.link)
			if ok != tc.ok || host != tc.wantHost || port != tc.wantPort {
				t.Errorf("Endpoint(%q) = %q, %d, %v", tc.link, host, port, ok)
			}
		})
	}
}

func TestProbe(t *testing.T) {
	ctx := context.Background()
	prober := NewProber(time.Second)
	host, port := listen(t)

	if !prober.Probe(ctx, vmessLink(host, port)) {
		t.Error("expected reachable vmess endpoint")
	}
	if !prober.Probe(ctx, fmt.Sprintf("vless://id@%s:%d?type=tcp", host, port)) {
		t.Error("expected reachable vless endpoint")
	}
	if prober.Probe(ctx, vmessLink(host, closedPort(t))) {
		t.Error("closed port reported reachable")
	}
	if prober.Probe(ctx, "vmess://garbage") {
		t.Error("undecodable credential reported reachable")
	}
}

func TestDiscoverSkipsFailingSources(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "keys: vmess://QUFB vless://a@b.c:1 vmess://QUFB")
	}))
	defer good.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer broken.Close()
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("missing user agent")
		}
		fmt.Fprint(w, "<a>vless://a@b.c:1</a> vmess://QkJC")
	}))
	defer other.Close()

	d := NewDiscoverer([]string{broken.URL, good.URL, "http://127.0.0.1:1/unreachable", other.URL}, time.Second)
	links := d.Discover(context.Background())

	want := []string{"vmess://QUFB", "vless://a@b.c:1", "vmess://QkJC"}
	if len(links) != len(want) {
		t.Fatalf("got %v, want %v", links, want)
	}
	for i := range want {
		if links[i] != want[i] {
			t.Errorf("link %d: got %q, want %q", i, links[i], want[i])
		}
	}
}

type staticSource []string

func (s staticSource) Discover(context.Context) []string { return s }

type setProber map[string]bool

func (p setProber) Probe(_ context.Context, credential string) bool { return p[credential] }

func setupKeys(t *testing.T) *repository.KeyRepository {
	t.Helper()
	db, err := repository.NewDB(repository.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return repository.NewKeyRepository(db)
}

func TestRefillAddsOnlyNewReachableKeys(t *testing.T) {
	ctx := context.Background()
	keys := setupKeys(t)
	if _, err := keys.Add(ctx, "k-known"); err != nil {
		t.Fatalf("add: %v", err)
	}

	source := staticSource{"k-known", "k-up-1", "k-down", "k-up-2"}
	prober := setProber{"k-known": true, "k-up-1": true, "k-up-2": true}
	feeder := NewKeyFeeder(source, prober, keys, 10)

	added, err := feeder.Refill(ctx)
	if err != nil {
		t.Fatalf("refill: %v", err)
	}
	if added != 2 {
		t.Errorf("added %d, want 2", added)
	}
	for _, c := range []string{"k-up-1", "k-up-2"} {
		if ok, _ := keys.Exists(ctx, c); !ok {
			t.Errorf("%s not stored", c)
		}
	}
	if ok, _ := keys.Exists(ctx, "k-down"); ok {
		t.Error("unreachable key stored")
	}

	// A second run finds nothing new.
	if added, err = feeder.Refill(ctx); err != nil || added != 0 {
		t.Errorf("second refill: added=%d err=%v", added, err)
	}
}

func TestRefillRespectsTarget(t *testing.T) {
	ctx := context.Background()
	keys := setupKeys(t)
	source := staticSource{"a", "b", "c", "d"}
	prober := setProber{"a": true, "b": true, "c": true, "d": true}

	added, err := NewKeyFeeder(source, prober, keys, 3).Refill(ctx)
	if err != nil {
		t.Fatalf("refill: %v", err)
	}
	if added != 3 {
		t.Errorf("added %d, want 3", added)
	}
	available, _, _ := keys.Counts(ctx)
	if available != 3 {
		t.Errorf("pool has %d keys, want 3", available)
	}
}

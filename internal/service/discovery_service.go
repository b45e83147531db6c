package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"keybot/internal/repository"
)

const (
	maxPageSize = 4 << 20
	probeLimit  = 8
)

var (
	linkPattern    = regexp.MustCompile("(?:vmess|vless)://[^\\s\"'<>`]+")
	addressPattern = regexp.MustCompile(`address\s*:\s*([^,\n]+)`)
	portPattern    = regexp.MustCompile(`port\s*:\s*(\d+)`)
)

// CredentialSource yields candidate credentials.
type CredentialSource interface {
	Discover(ctx context.Context) []string
}

// CredentialProber reports whether a credential's endpoint is reachable.
type CredentialProber interface {
	Probe(ctx context.Context, credential string) bool
}

// Discoverer scrapes public pages for vmess/vless links.
type Discoverer struct {
	client  *http.Client
	sources []string
}

func NewDiscoverer(sources []string, timeout time.Duration) *Discoverer {
	return &Discoverer{
		client:  &http.Client{Timeout: timeout},
		sources: sources,
	}
}

// Discover fetches every source and returns the unique links found. Failing sources are logged and skipped.
func (d *Discoverer) Discover(ctx context.Context) []string {
	seen := make(map[string]bool)
	var links []string
	for _, src := range d.sources {
		body, err := d.fetch(ctx, src)
		if err != nil {
			log.Printf("[warn] discovery source %s: %v", src, err)
			continue
		}
		for _, link := range ExtractLinks(body) {
			if !seen[link] {
				seen[link] = true
				links = append(links, link)
			}
		}
	}
	log.Printf("[info] discovery found %d links from %d sources", len(links), len(d.sources))
	return links
}

func (d *Discoverer) fetch(ctx context.Context, src string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ExtractLinks returns the vmess:// and vless:// links in text, in order of appearance.
func ExtractLinks(text string) []string {
	return linkPattern.FindAllString(text, -1)
}

// Prober checks credentials by opening a TCP connection to their endpoint.
type Prober struct {
	dialer net.Dialer
}

func NewProber(timeout time.Duration) *Prober {
	return &Prober{dialer: net.Dialer{Timeout: timeout}}
}

// Probe returns false for anything that cannot be decoded or dialed.
func (p *Prober) Probe(ctx context.Context, credential string) bool {
	host, port, ok := Endpoint(credential)
	if !ok {
		return false
	}
	conn, err := p.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

type vmessConfig struct {
	Add  string          `json:"add"`
	Port json.RawMessage `json:"port"`
}

// Endpoint extracts host and port from a credential link. Supported forms:
// scheme://id@host:port?..., vmess://<base64 JSON with add/port> and base64 text with address:/port: lines.
func Endpoint(credential string) (string, int, bool) {
	_, rest, found := strings.Cut(strings.TrimSpace(credential), "://")
	if !found || rest == "" {
		return "", 0, false
	}

	if strings.Contains(rest, "@") {
		u, err := url.Parse(credential)
		if err != nil {
			return "", 0, false
		}
		return validEndpoint(u.Hostname(), u.Port())
	}

	if i := strings.IndexAny(rest, "#?"); i >= 0 {
		rest = rest[:i]
	}
	decoded, ok := decodeBase64(rest)
	if !ok {
		return "", 0, false
	}

	var cfg vmessConfig
	if err := json.Unmarshal(decoded, &cfg); err == nil && cfg.Add != "" {
		return validEndpoint(cfg.Add, strings.Trim(string(cfg.Port), `"`))
	}

	addr := addressPattern.FindSubmatch(decoded)
	port := portPattern.FindSubmatch(decoded)
	if addr == nil || port == nil {
		return "", 0, false
	}
	return validEndpoint(string(addr[1]), string(port[1]))
}

func validEndpoint(host, rawPort string) (string, int, bool) {
	host = strings.TrimSpace(host)
	port, err := strconv.Atoi(strings.TrimSpace(rawPort))
	if host == "" || err != nil || port <= 0 || port > 65535 {
		return "", 0, false
	}
	return host, port, true
}

func decodeBase64(s string) ([]byte, bool) {
	s = strings.TrimRight(s, "=")
	for _, enc := range []*base64.Encoding{base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, true
		}
	}
	return nil, false
}

// KeyFeeder tops up the key pool with fresh, reachable credentials.
type KeyFeeder struct {
	source CredentialSource
	prober CredentialProber
	keys   *repository.KeyRepository
	target int

	mu sync.Mutex
}

func NewKeyFeeder(source CredentialSource, prober CredentialProber, keys *repository.KeyRepository, target int) *KeyFeeder {
	if target <= 0 {
		target = 10
	}
	return &KeyFeeder{source: source, prober: prober, keys: keys, target: target}
}

// Refill discovers candidates, drops the ones already stored, probes the rest and adds up to target
// reachable keys. Concurrent calls run one after another.
func (f *KeyFeeder) Refill(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var fresh []string
	for _, candidate := range f.source.Discover(ctx) {
		exists, err := f.keys.Exists(ctx, candidate)
		if err != nil {
			return 0, err
		}
		if !exists {
			fresh = append(fresh, candidate)
		}
	}
	if len(fresh) == 0 {
		log.Printf("[info] refill: no new candidates")
		return 0, nil
	}

	reachable := make([]bool, len(fresh))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeLimit)
	for i, candidate := range fresh {
		i, candidate := i, candidate
		g.Go(func() error {
			reachable[i] = f.prober.Probe(gctx, candidate)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	added := 0
	for i, candidate := range fresh {
		if added >= f.target {
			break
		}
		if !reachable[i] {
			continue
		}
		if _, err := f.keys.Add(ctx, candidate); err != nil {
			return added, err
		}
		added++
	}
	log.Printf("[info] refill: %d candidates, %d added", len(fresh), added)
	return added, nil
}

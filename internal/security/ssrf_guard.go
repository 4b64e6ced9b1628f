// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// URLGuard はユーザー指定URLへのアクセスをSSRFから保護する。
// Webサイトソースの登録時、リンク探索時、フィード取得時に使用される。
type URLGuard interface {
	// ValidateURL はURLの安全性をDNS解決前に静的に検証する。
	ValidateURL(rawURL string) error
	// Fetch はSSRF防止付きクライアントでURLを取得し、最大サイズまでのボディを返す。
	Fetch(ctx context.Context, rawURL string) (*FetchedPage, error)
}

// FetchedPage は取得したページを表す。
type FetchedPage struct {
	URL         string // リダイレクト後の最終URL
	ContentType string
	Body        []byte
}

// allowedSchemes はSSRF防止で許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks はSSRF防止でブロックされるネットワーク範囲。
// safeurlはDNS解決後のIPアドレスもDialerで検証するため、ここでは静的な事前チェックに使う。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// キャリアグレードNAT (RFC 6598)
		"100.64.0.0/10",
		// ループバック
		"127.0.0.0/8",
		// リンクローカル（クラウドメタデータIPを含む）
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// blockedHostnames はブロック対象のホスト名。
var blockedHostnames = []string{
	"localhost",
	"metadata.google.internal",
}

// blockedSuffixes はブロック対象のホスト名サフィックス。
var blockedSuffixes = []string{".localhost", ".local", ".internal"}

// Guard はURLGuardの実装。
type Guard struct {
	client  *http.Client
	maxSize int64
}

// NewGuard はGuardを生成する。
// safeurlのクライアントにより、プライベートIP、ループバック、リンクローカル宛ての接続と
// 80/443以外のポートが拒否される。
func NewGuard(timeout time.Duration, maxResponseSize int64) *Guard {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return &Guard{
		client:  safeurl.Client(config).Client,
		maxSize: maxResponseSize,
	}
}

// ValidateURL はURLの安全性を事前に検証する。
func (g *Guard) ValidateURL(rawURL string) error {
	return ValidateURL(rawURL)
}

// Fetch はURLを取得する。2xx以外のステータスはエラーとなる。
func (g *Guard) Fetch(ctx context.Context, rawURL string) (*FetchedPage, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "MorningPaper/1.0 (+private-sources)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/rss+xml,application/atom+xml;q=0.9,*/*;q=0.5")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, g.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > g.maxSize {
		return nil, fmt.Errorf("response exceeds %d bytes", g.maxSize)
	}

	return &FetchedPage{
		URL:         resp.Request.URL.String(),
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// ValidateURL はDNS解決を伴わない静的な検証を行う。
// DNS再バインディングはFetchが使うsafeurlクライアント側で防止される。
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if isBlockedHostname(host) {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func isBlockedHostname(host string) bool {
	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	for _, blocked := range blockedHostnames {
		if lower == blocked {
			return true
		}
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

var _ URLGuard = (*Guard)(nil)

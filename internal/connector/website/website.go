// Package website は汎用Webサイトのコネクタを提供する。
// 記事の抽出は外部スクレイピングサービスに委譲し、ソースの include/exclude パターンで
// クライアント側でも再度フィルタする。
package website

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/morningpaper/internal/connector"
	"github.com/hitoshi/morningpaper/internal/model"
	"github.com/hitoshi/morningpaper/internal/pattern"
	"github.com/hitoshi/morningpaper/internal/scrape"
	"github.com/hitoshi/morningpaper/internal/security"
)

const (
	defaultMaxArticles = 50
	maxMaxArticles     = 200
)

// Scraper は外部スクレイピングサービスの操作。scrape.Client が実装する。
type Scraper interface {
	Health(ctx context.Context) error
	ScrapeArticles(ctx context.Context, req scrape.ScrapeRequest) (*scrape.ScrapeResponse, error)
}

// TextCleaner はタイトル等からマークアップを除去する。
type TextCleaner interface {
	Clean(raw string) string
}

// credentials は暗号化して保存するWebサイトの資格情報。
// 外部アカウントを持たないため対象URLのみを保持する。
type credentials struct {
	URL string `json:"url"`
}

// Connector は汎用Webサイトのコネクタ。
type Connector struct {
	scraper     Scraper
	cipher      connector.Cipher
	guard       security.URLGuard
	cleaner     TextCleaner
	maxArticles int
	logger      *slog.Logger
}

// NewConnector はConnectorを生成する。maxArticles が0以下の場合は50件となる。
func NewConnector(scraper Scraper, cipher connector.Cipher, guard security.URLGuard, cleaner TextCleaner, maxArticles int, logger *slog.Logger) *Connector {
	if maxArticles <= 0 {
		maxArticles = defaultMaxArticles
	}
	return &Connector{
		scraper:     scraper,
		cipher:      cipher,
		guard:       guard,
		cleaner:     cleaner,
		maxArticles: maxArticles,
		logger:      logger,
	}
}

// Type はソース種別を返す。
func (c *Connector) Type() model.SourceType {
	return model.SourceTypeWebsite
}

// Authenticate はURLの形式とスクレイピングサービスの稼働を確認する。
func (c *Connector) Authenticate(ctx context.Context, in connector.AuthInput) (*connector.AuthResult, error) {
	canonical, err := NormalizeURL(in.URL)
	if err != nil {
		return connector.Failed(connector.FailureInvalidInput, err.Error()), nil
	}
	if err := c.guard.ValidateURL(canonical); err != nil {
		return connector.Failed(connector.FailureInvalidInput, fmt.Sprintf("URL is not allowed: %v", err)), nil
	}

	if err := c.scraper.Health(ctx); err != nil {
		c.logger.Warn("スクレイピングサービスのヘルスチェックに失敗しました",
			slog.String("url", canonical),
			slog.String("error", err.Error()),
		)
		return connector.Failed(connector.FailureServiceUnavailable, fmt.Sprintf("scrape service unavailable: %v", err)), nil
	}

	token, err := c.cipher.EncryptJSON(credentials{URL: canonical})
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt website credentials: %w", err)
	}

	u, _ := url.Parse(canonical)
	result := connector.Succeeded(token, canonical, u.Host)
	result.DisplayName = in.Name
	if result.DisplayName == "" {
		result.DisplayName = u.Host
	}
	cfg := model.DefaultSourceConfig(model.SourceTypeWebsite)
	result.Config = &cfg
	return result, nil
}

// FetchItems はスクレイピングサービスまたはフィードから記事を取得し、パターンでフィルタする。
func (c *Connector) FetchItems(ctx context.Context, src *model.PrivateSource) ([]connector.Item, error) {
	var creds credentials
	if err := c.cipher.DecryptJSON(src.Credentials, &creds); err != nil {
		return nil, fmt.Errorf("failed to decrypt website credentials: %w", err)
	}
	target := creds.URL
	if target == "" {
		target = src.URL
	}

	cfg := websiteConfig(src.Config)

	var items []connector.Item
	if cfg.FeedURL != "" {
		fetched, err := c.fetchFeed(ctx, cfg.FeedURL)
		if err != nil {
			return nil, err
		}
		items = fetched
	} else {
		fetched, err := c.scrapeArticles(ctx, target, cfg)
		if err != nil {
			return nil, err
		}
		items = fetched
	}

	filtered := items[:0]
	for _, it := range items {
		if pattern.Matches(it.URL, cfg.IncludePatterns, cfg.ExcludePatterns) {
			filtered = append(filtered, it)
		}
	}

	c.logger.Info("Webサイトの記事を取得しました",
		slog.String("source_id", src.ID),
		slog.Int("items_total", len(items)),
		slog.Int("items_matched", len(filtered)),
	)
	return filtered, nil
}

func (c *Connector) scrapeArticles(ctx context.Context, target string, cfg *model.WebsiteConfig) ([]connector.Item, error) {
	maxArticles := cfg.MaxArticles
	if maxArticles <= 0 {
		maxArticles = c.maxArticles
	}
	req := scrape.ScrapeRequest{URL: target, MaxArticles: maxArticles}
	if len(cfg.IncludePatterns) > 0 || len(cfg.ExcludePatterns) > 0 {
		req.Config = &scrape.ArticleFilter{
			IncludePatterns: cfg.IncludePatterns,
			ExcludePatterns: cfg.ExcludePatterns,
		}
	}

	resp, err := c.scraper.ScrapeArticles(ctx, req)
	if err != nil {
		return nil, connector.Classify("scrape "+target, err)
	}

	base, _ := url.Parse(target)
	seen := make(map[string]bool, len(resp.Articles))
	items := make([]connector.Item, 0, len(resp.Articles))
	for _, a := range resp.Articles {
		link := resolveLink(base, a.URL)
		if link == "" || seen[link] {
			continue
		}
		seen[link] = true

		title := c.cleaner.Clean(a.Title)
		if title == "" {
			title = link
		}
		items = append(items, connector.Item{
			URL:         link,
			Title:       title,
			Author:      c.cleaner.Clean(a.Author),
			PublishedAt: parseDate(a.Date),
			ExternalID:  link,
		})
	}
	return items, nil
}

// GetConnectionStatus は資格情報とスクレイピングサービスの状態を確認する。
func (c *Connector) GetConnectionStatus(ctx context.Context, src *model.PrivateSource) (*connector.StatusView, error) {
	view := &connector.StatusView{Status: src.Status, LastSyncAt: src.LastSyncAt, Error: src.LastSyncError}
	if !src.HasCredentials() {
		view.Status = model.SourceStatusDisconnected
		return view, nil
	}

	var creds credentials
	if err := c.cipher.DecryptJSON(src.Credentials, &creds); err != nil {
		view.Status = model.SourceStatusError
		view.Error = "stored credentials could not be decrypted"
		return view, nil
	}
	if u, err := url.Parse(creds.URL); err == nil {
		view.ProfileName = u.Host
	}

	if err := c.scraper.Health(ctx); err != nil {
		view.Error = fmt.Sprintf("scrape service unavailable: %v", err)
	}
	return view, nil
}

// Disconnect は何もしない。Webサイトには取り消すべき外部セッションがない。
func (c *Connector) Disconnect(ctx context.Context, src *model.PrivateSource) error {
	return nil
}

// ValidateConfig はWebサイト設定を検証する。
func (c *Connector) ValidateConfig(cfg model.SourceConfig) error {
	if cfg.Website == nil {
		return fmt.Errorf("website config is required")
	}
	w := cfg.Website
	for _, p := range w.IncludePatterns {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("include pattern must start with '/': %q", p)
		}
	}
	for _, p := range w.ExcludePatterns {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("exclude pattern must not be empty")
		}
	}
	if w.MaxArticles < 0 || w.MaxArticles > maxMaxArticles {
		return fmt.Errorf("maxArticles must be between 1 and %d (0 uses the default)", maxMaxArticles)
	}
	if w.FeedURL != "" {
		if err := c.guard.ValidateURL(w.FeedURL); err != nil {
			return fmt.Errorf("invalid feedUrl: %v", err)
		}
	}
	return nil
}

// NormalizeURL はユーザー入力のURLを正規化する。
// スキームが無ければ https を補い、ホストを小文字化し、フラグメントと末尾のスラッシュを除く。
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url is required")
	}
	if !strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil && u.Opaque != "" && !strings.Contains(u.Scheme, ".") {
			return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
		}
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url has no host")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	if u.Path == "/" && u.RawQuery == "" {
		u.Path = ""
	}
	return u.String(), nil
}

func websiteConfig(cfg model.SourceConfig) *model.WebsiteConfig {
	if cfg.Website != nil {
		return cfg.Website
	}
	return model.DefaultSourceConfig(model.SourceTypeWebsite).Website
}

func resolveLink(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	ref.Fragment = ""
	return ref.String()
}

var dateLayouts = []string{
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseDate はスクレイパーが返す日付文字列を解釈する。解釈できない場合は nil を返す。
func parseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

var _ connector.Connector = (*Connector)(nil)

// Package scrape は外部スクレイピング・ブラウザ自動化サービスのHTTPクライアントを提供する。
// Webサイトの記事抽出、LinkedIn/Twitterのセッション操作はすべてこのサービス経由で行う。
package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/morningpaper/internal/connector"
	"golang.org/x/time/rate"
)

const (
	defaultHealthTimeout  = 5 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultContentTimeout = 30 * time.Second
	// maxErrorBody はエラー時に読み取るレスポンスボディの最大バイト数。
	maxErrorBody = 512
	// maxResponseSize はレスポンスボディの最大バイト数。
	maxResponseSize = 10 << 20
)

// Options はクライアントのタイムアウトとレート制限を指定する。
// ゼロ値の項目はデフォルト値が使われる。
type Options struct {
	HealthTimeout  time.Duration
	ConnectTimeout time.Duration
	ContentTimeout time.Duration
	RatePerSecond  float64
}

// Client はスクレイピングサービスのクライアント。
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	opts       Options
}

// NewClient はClientを生成する。
func NewClient(baseURL string, httpClient *http.Client, opts Options, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = defaultHealthTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.ContentTimeout <= 0 {
		opts.ContentTimeout = defaultContentTimeout
	}
	limit := rate.Inf
	burst := 1
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
		burst = int(opts.RatePerSecond) + 1
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
		opts:       opts,
	}
}

// Health はサービスが利用可能かを確認する。200以外はエラーとなる。
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, c.opts.HealthTimeout, http.MethodGet, "/health", nil, nil)
}

// ArticleFilter はスクレイパーに渡す include/exclude パターン。
type ArticleFilter struct {
	IncludePatterns []string `json:"include_patterns,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
}

// ScrapeRequest は記事抽出リクエスト。
type ScrapeRequest struct {
	URL         string         `json:"url"`
	MaxArticles int            `json:"max_articles"`
	Config      *ArticleFilter `json:"config,omitempty"`
}

// ScrapedArticle はスクレイパーが抽出した記事。
type ScrapedArticle struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Date    string `json:"date,omitempty"`
	Author  string `json:"author,omitempty"`
	Excerpt string `json:"excerpt,omitempty"`
}

// ScrapeResponse は記事抽出レスポンス。
type ScrapeResponse struct {
	Success   bool             `json:"success"`
	SourceURL string           `json:"source_url"`
	Articles  []ScrapedArticle `json:"articles"`
	Error     string           `json:"error,omitempty"`
}

// ScrapeArticles は指定URLから記事一覧を抽出する。
// success=false のレスポンスは上流障害の FetchError として返す。
func (c *Client) ScrapeArticles(ctx context.Context, req ScrapeRequest) (*ScrapeResponse, error) {
	var resp ScrapeResponse
	if err := c.do(ctx, c.opts.ContentTimeout, http.MethodPost, "/scrape/articles", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "scrape service reported failure"
		}
		return nil, &connector.FetchError{
			Kind: connector.KindUpstream,
			Op:   "scrape " + req.URL,
			Err:  errors.New(msg),
		}
	}
	return &resp, nil
}

// do はJSONリクエストを送信し、レスポンスを out にデコードする。
// 非2xxレスポンスは connector.StatusError を返す。
func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("スクレイピングサービスへのリクエストに失敗しました",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("スクレイピングサービスがエラーステータスを返しました",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
		return &connector.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// Package textgen は外部テキスト生成サービスのクライアントを提供する。
// Gmail送信者の分類と、自然言語の意図から検索クエリへの変換に使用する。
// OpenAI互換の /v1/chat/completions エンドポイントを呼び出す。
package textgen

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
	"sync"
	"time"
)

const (
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second
	// defaultMaxTokens は MaxTokens 未指定時の上限。
	defaultMaxTokens = 512
)

// ErrNotConfigured はテキスト生成サービスが設定されていない場合のエラー。
var ErrNotConfigured = errors.New("text generation service is not configured")

// Options は生成オプション。
type Options struct {
	SystemPrompt string
	MaxTokens    int
}

// Generator はプロンプトからテキストを生成する。
type Generator interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}

// Config はクライアントの接続設定。
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client はテキスト生成サービスのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	cfg        Config
}

// NewClient はClientを生成する。
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{httpClient: httpClient, logger: logger, cfg: cfg}
}

var (
	sharedOnce   sync.Once
	sharedClient *Client
)

// Shared はプロセス全体で共有するClientを返す。
// 初回呼び出し時の設定で一度だけ構築され、以降の呼び出しの引数は無視される。
func Shared(cfg Config, logger *slog.Logger) *Client {
	sharedOnce.Do(func() {
		sharedClient = NewClient(cfg, nil, logger)
	})
	return sharedClient
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate はプロンプトに対する生成テキストを返す。
func (c *Client) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	if c.cfg.BaseURL == "" {
		return "", ErrNotConfigured
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	var messages []chatMessage
	if opts.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: opts.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	data, err := json.Marshal(chatRequest{Model: c.cfg.Model, Messages: messages, MaxTokens: maxTokens})
	if err != nil {
		return "", fmt.Errorf("リクエストのエンコードに失敗しました: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("テキスト生成サービスの呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("テキスト生成サービスがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
		)
		return "", fmt.Errorf("テキスト生成サービスがステータス %d を返しました", resp.StatusCode)
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	if result.Error != nil && result.Error.Message != "" {
		return "", fmt.Errorf("テキスト生成に失敗しました: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", errors.New("テキスト生成サービスが空の応答を返しました")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

// ExtractJSON は生成テキストからJSON部分を取り出す。
// コードフェンスや前後の説明文を取り除き、最初の { または [ から対応する末尾までを返す。
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		text = strings.TrimSpace(rest)
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return text
	}
	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(text, closer)
	if end < start {
		return text[start:]
	}
	return text[start : end+1]
}

var _ Generator = (*Client)(nil)

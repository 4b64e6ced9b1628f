// Package twitter はX（旧Twitter）のコネクタを提供する。
package twitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/morningpaper/internal/connector"
	"github.com/hitoshi/morningpaper/internal/model"
	"github.com/hitoshi/morningpaper/internal/scrape"
)

const (
	// CanonicalURL はTwitterソースの正規URL。
	CanonicalURL = "twitter://timeline"

	maxTweets      = 200
	maxTitleLength = 120
)

// Automator は外部自動化サービスのTwitter操作。scrape.Client が実装する。
type Automator interface {
	TwitterAuthenticate(ctx context.Context, req scrape.TwitterAuthRequest) (*scrape.TwitterAuthResponse, error)
	TwitterTimeline(ctx context.Context, req scrape.TimelineRequest) ([]scrape.Tweet, error)
}

// TextCleaner はツイート本文からマークアップを除去する。
type TextCleaner interface {
	Clean(raw string) string
}

type credentials struct {
	AuthToken string `json:"authToken"`
	CT0       string `json:"ct0"`
	Username  string `json:"username,omitempty"`
}

// Connector はTwitterのコネクタ。
type Connector struct {
	automator Automator
	cipher    connector.Cipher
	cleaner   TextCleaner
	logger    *slog.Logger
}

// NewConnector はConnectorを生成する。
func NewConnector(automator Automator, cipher connector.Cipher, cleaner TextCleaner, logger *slog.Logger) *Connector {
	return &Connector{
		automator: automator,
		cipher:    cipher,
		cleaner:   cleaner,
		logger:    logger,
	}
}

// Type はソース種別を返す。
func (c *Connector) Type() model.SourceType {
	return model.SourceTypeTwitter
}

// Authenticate はCookie組（authToken + ct0）またはユーザー名・パスワードで認証する。
// どちらの組も揃っていない場合はネットワークを使用せずに失敗する。
func (c *Connector) Authenticate(ctx context.Context, in connector.AuthInput) (*connector.AuthResult, error) {
	req, ok := authRequest(in)
	if !ok {
		return connector.Failed(connector.FailureInvalidInput, "either authToken and ct0, or username and password are required"), nil
	}

	resp, err := c.automator.TwitterAuthenticate(ctx, req)
	if err != nil {
		if connector.IsUnauthorized(err) {
			return connector.Failed(connector.FailureInvalidCredentials, "credentials were rejected"), nil
		}
		c.logger.Warn("Twitterの認証リクエストに失敗しました",
			slog.String("user_id", in.UserID),
			slog.String("error", err.Error()),
		)
		return connector.Failed(connector.FailureServiceUnavailable, fmt.Sprintf("automation service unavailable: %v", err)), nil
	}
	if !resp.Success || resp.AuthToken == "" || resp.CT0 == "" {
		return connector.Failed(authFailure(resp.Reason), failureMessage(resp)), nil
	}

	username := resp.Username
	if username == "" {
		username = strings.TrimPrefix(strings.TrimSpace(in.Username), "@")
	}
	token, err := c.cipher.EncryptJSON(credentials{AuthToken: resp.AuthToken, CT0: resp.CT0, Username: username})
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt twitter credentials: %w", err)
	}

	profile := username
	if profile != "" {
		profile = "@" + profile
	}
	res := connector.Succeeded(token, CanonicalURL, profile)
	res.DisplayName = "X timeline"
	cfg := model.DefaultSourceConfig(model.SourceTypeTwitter)
	res.Config = &cfg
	return res, nil
}

func authRequest(in connector.AuthInput) (scrape.TwitterAuthRequest, bool) {
	authToken, ct0 := strings.TrimSpace(in.AuthToken), strings.TrimSpace(in.CT0)
	if authToken != "" && ct0 != "" {
		return scrape.TwitterAuthRequest{AuthToken: authToken, CT0: ct0}, true
	}
	username := strings.TrimPrefix(strings.TrimSpace(in.Username), "@")
	if username != "" && in.Password != "" {
		return scrape.TwitterAuthRequest{Username: username, Password: in.Password}, true
	}
	return scrape.TwitterAuthRequest{}, false
}

func authFailure(reason string) connector.AuthFailure {
	switch connector.AuthFailure(reason) {
	case connector.FailureCaptchaRequired, connector.FailureTwoFactorRequired:
		return connector.AuthFailure(reason)
	default:
		return connector.FailureInvalidCredentials
	}
}

func failureMessage(resp *scrape.TwitterAuthResponse) string {
	if resp.Error != "" {
		return resp.Error
	}
	return "authentication failed"
}

// FetchItems は設定に従ってタイムラインを取得する。
// リツイート・リプライの除外は自動化サービスの応答に対しても再度適用する。
func (c *Connector) FetchItems(ctx context.Context, src *model.PrivateSource) ([]connector.Item, error) {
	var creds credentials
	if err := c.cipher.DecryptJSON(src.Credentials, &creds); err != nil {
		return nil, fmt.Errorf("failed to decrypt twitter credentials: %w", err)
	}
	if creds.AuthToken == "" || creds.CT0 == "" {
		return nil, fmt.Errorf("%w: stored session cookie is empty", connector.ErrReauthRequired)
	}

	cfg := twitterConfig(src.Config)
	tweets, err := c.automator.TwitterTimeline(ctx, scrape.TimelineRequest{
		AuthToken:       creds.AuthToken,
		CT0:             creds.CT0,
		TimelineType:    cfg.TimelineType,
		MaxTweets:       cfg.MaxTweets,
		IncludeRetweets: cfg.IncludeRetweets,
		IncludeReplies:  cfg.IncludeReplies,
		ExpandThreads:   cfg.ExpandThreads,
	})
	if err != nil {
		if connector.IsUnauthorized(err) {
			return nil, fmt.Errorf("%w: %v", connector.ErrReauthRequired, err)
		}
		return nil, connector.Classify("twitter timeline", err)
	}

	items := make([]connector.Item, 0, len(tweets))
	seen := make(map[string]bool, len(tweets))
	for _, tw := range tweets {
		if cfg.MaxTweets > 0 && len(items) >= cfg.MaxTweets {
			break
		}
		if tw.IsRetweet && !cfg.IncludeRetweets {
			continue
		}
		if tw.IsReply && !cfg.IncludeReplies {
			continue
		}
		link := tw.URL
		if link == "" && tw.ID != "" {
			link = "https://x.com/i/status/" + tw.ID
		}
		if link == "" || seen[link] {
			continue
		}
		seen[link] = true

		externalID := tw.ID
		if externalID == "" {
			externalID = link
		}
		items = append(items, connector.Item{
			URL:         link,
			Title:       c.tweetTitle(tw, link),
			Author:      c.cleaner.Clean(tw.Author),
			PublishedAt: parseTime(tw.CreatedAt),
			ExternalID:  externalID,
		})
	}

	c.logger.Info("Twitterの投稿を取得しました",
		slog.String("source_id", src.ID),
		slog.Int("tweets_total", len(tweets)),
		slog.Int("items", len(items)),
	)
	return items, nil
}

func (c *Connector) tweetTitle(tw scrape.Tweet, link string) string {
	text := c.cleaner.Clean(tw.Text)
	if text == "" {
		return link
	}
	if utf8.RuneCountInString(text) > maxTitleLength {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:maxTitleLength])) + "…"
	}
	return text
}

// GetConnectionStatus は保存済みCookieの有無から接続状態を返す。
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
	if creds.Username != "" {
		view.ProfileName = "@" + creds.Username
	}
	if creds.AuthToken == "" || creds.CT0 == "" {
		view.Status = model.SourceStatusExpired
		view.Error = "session cookie missing; re-authenticate"
	}
	return view, nil
}

// Disconnect は何もしない。Cookieは資格情報の削除とともに破棄される。
func (c *Connector) Disconnect(ctx context.Context, src *model.PrivateSource) error {
	return nil
}

// ValidateConfig はタイムライン種別と取得件数を検証する。
func (c *Connector) ValidateConfig(cfg model.SourceConfig) error {
	if cfg.Twitter == nil {
		return errors.New("twitter config is required")
	}
	switch cfg.Twitter.TimelineType {
	case model.TimelineFollowing, model.TimelineForYou:
	default:
		return fmt.Errorf("unknown timelineType: %q", cfg.Twitter.TimelineType)
	}
	if n := cfg.Twitter.MaxTweets; n < 1 || n > maxTweets {
		return fmt.Errorf("maxTweets must be between 1 and %d", maxTweets)
	}
	return nil
}

func twitterConfig(cfg model.SourceConfig) *model.TwitterConfig {
	if cfg.Twitter != nil {
		return cfg.Twitter
	}
	return model.DefaultSourceConfig(model.SourceTypeTwitter).Twitter
}

var timeLayouts = []string{
	time.RFC3339,
	time.RubyDate,
}

func parseTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

var _ connector.Connector = (*Connector)(nil)

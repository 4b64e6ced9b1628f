// Package linkedin はLinkedInのコネクタを提供する。
//
// ログインは外部自動化サービスのブラウザセッションで行い、2FA・CAPTCHAの分岐を
// SessionStore のTTL付き状態機械で管理する。認証後は li_at / JSESSIONID Cookie を
// 長期の資格情報として保存し、取得時にブラウザセッションを復元する。
package linkedin

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
	cache "github.com/patrickmn/go-cache"
)

const (
	// CanonicalURL はLinkedInソースの正規URL。
	CanonicalURL = "linkedin://feed"

	defaultSessionTTL    = 10 * time.Minute
	maxPostsPerProfile   = 50
	maxTitleLength       = 120
	defaultSearchLimit   = 10
	upstreamCloseTimeout = 10 * time.Second
)

// Automator は外部自動化サービスのLinkedIn操作。scrape.Client が実装する。
type Automator interface {
	LinkedInLogin(ctx context.Context, email, password string) (*scrape.LinkedInLoginResponse, error)
	LinkedInVerify(ctx context.Context, sessionID, code string) (*scrape.LinkedInLoginResponse, error)
	LinkedInRestore(ctx context.Context, liAt, jsessionID string) (string, error)
	LinkedInClose(ctx context.Context, sessionID string) error
	LinkedInPosts(ctx context.Context, sessionID string, profiles []string, maxPerProfile int) ([]scrape.LinkedInPost, error)
	LinkedInSearch(ctx context.Context, sessionID, query string, limit int) ([]scrape.LinkedInProfile, error)
}

// TextCleaner は投稿本文等からマークアップを除去する。
type TextCleaner interface {
	Clean(raw string) string
}

// credentials は暗号化して保存するLinkedInの資格情報。
type credentials struct {
	LiAt       string `json:"liAt"`
	JSessionID string `json:"jsessionid"`
	Email      string `json:"email"`
}

// Connector はLinkedInのコネクタ。
type Connector struct {
	automator Automator
	cipher    connector.Cipher
	cleaner   TextCleaner
	logins    *SessionStore
	// active はソースIDごとに復元済みのブラウザセッションIDを保持する。
	active *cache.Cache
	logger *slog.Logger
}

// NewConnector はConnectorを生成する。sessionTTL はログインセッションと復元セッションの有効期間。
func NewConnector(automator Automator, cipher connector.Cipher, cleaner TextCleaner, sessionTTL time.Duration, logger *slog.Logger) *Connector {
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	c := &Connector{
		automator: automator,
		cipher:    cipher,
		cleaner:   cleaner,
		active:    cache.New(sessionTTL, sessionTTL/2),
		logger:    logger,
	}
	c.logins = NewSessionStore(sessionTTL, c.closeUpstream)
	c.active.OnEvicted(func(_ string, v interface{}) {
		if id, ok := v.(string); ok {
			c.closeUpstream(id)
		}
	})
	return c
}

func (c *Connector) closeUpstream(upstreamID string) {
	ctx, cancel := context.WithTimeout(context.Background(), upstreamCloseTimeout)
	defer cancel()
	if err := c.automator.LinkedInClose(ctx, upstreamID); err != nil {
		c.logger.Warn("LinkedInのブラウザセッションの終了に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// Type はソース種別を返す。
func (c *Connector) Type() model.SourceType {
	return model.SourceTypeLinkedIn
}

// Authenticate はメールアドレスとパスワードでログインを開始する。
// 2FAが必要な場合は SessionID を返し、VerifyTwoFactor で続行する。
func (c *Connector) Authenticate(ctx context.Context, in connector.AuthInput) (*connector.AuthResult, error) {
	email := strings.TrimSpace(in.Email)
	if email == "" || in.Password == "" {
		return connector.Failed(connector.FailureInvalidInput, "email and password are required"), nil
	}

	sess := c.logins.Begin(in.UserID, email)

	resp, err := c.automator.LinkedInLogin(ctx, email, in.Password)
	if err != nil {
		c.logins.Close(sess.ID)
		c.logger.Warn("LinkedInのログインリクエストに失敗しました",
			slog.String("user_id", in.UserID),
			slog.String("error", err.Error()),
		)
		return connector.Failed(connector.FailureServiceUnavailable, fmt.Sprintf("automation service unavailable: %v", err)), nil
	}
	return c.applyLoginResponse(sess, resp)
}

// VerifyTwoFactor は2FAコードを送信してログインを続行する。
// 誤ったコードの場合はセッションを維持したまま two_factor_required を返す。
func (c *Connector) VerifyTwoFactor(ctx context.Context, userID, sessionID, code string) (*connector.AuthResult, error) {
	sess, ok := c.logins.Get(sessionID)
	if !ok || sess.UserID != userID {
		return nil, connector.ErrSessionNotFound
	}
	if sess.State != StateTwoFactorRequired {
		return nil, fmt.Errorf("%w: session is %s", connector.ErrSessionNotFound, sess.State)
	}

	code = strings.TrimSpace(code)
	if code == "" {
		res := connector.Failed(connector.FailureInvalidInput, "verification code is required")
		res.SessionID = sess.ID
		return res, nil
	}

	resp, err := c.automator.LinkedInVerify(ctx, sess.UpstreamID, code)
	if err != nil {
		res := connector.Failed(connector.FailureServiceUnavailable, fmt.Sprintf("automation service unavailable: %v", err))
		res.SessionID = sess.ID
		return res, nil
	}
	return c.applyLoginResponse(sess, resp)
}

// CloseSession はログインセッションを終了し、ブラウザセッションを解放する。
// 他のユーザーのセッションは閉じない。
func (c *Connector) CloseSession(ctx context.Context, userID, sessionID string) error {
	sess, ok := c.logins.Get(sessionID)
	if !ok || sess.UserID != userID {
		return connector.ErrSessionNotFound
	}
	c.logins.Close(sessionID)
	return nil
}

// applyLoginResponse は自動化サービスの応答に従ってセッションを遷移させ、認証結果を返す。
func (c *Connector) applyLoginResponse(sess LoginSession, resp *scrape.LinkedInLoginResponse) (*connector.AuthResult, error) {
	switch resp.Status {
	case scrape.LoginStatusSuccess:
		if resp.LiAt == "" {
			c.transition(sess.ID, StateFailed, resp.SessionID)
			c.logins.Close(sess.ID)
			return connector.Failed(connector.FailureInvalidCredentials, "login succeeded without a session cookie"), nil
		}
		c.transition(sess.ID, StateSuccess, resp.SessionID)

		token, err := c.cipher.EncryptJSON(credentials{LiAt: resp.LiAt, JSessionID: resp.JSessionID, Email: sess.Email})
		if err != nil {
			c.logins.Close(sess.ID)
			return nil, fmt.Errorf("failed to encrypt linkedin credentials: %w", err)
		}
		profile := resp.ProfileName
		if profile == "" {
			profile = sess.Email
		}
		res := connector.Succeeded(token, CanonicalURL, profile)
		res.DisplayName = "LinkedIn"
		res.SessionID = sess.ID
		cfg := model.DefaultSourceConfig(model.SourceTypeLinkedIn)
		res.Config = &cfg
		return res, nil

	case scrape.LoginStatus2FA:
		c.transition(sess.ID, StateTwoFactorRequired, resp.SessionID)
		res := connector.Failed(connector.FailureTwoFactorRequired, "verification code required")
		if sess.State == StateTwoFactorRequired {
			res.Message = "invalid verification code"
		}
		res.SessionID = sess.ID
		return res, nil

	case scrape.LoginStatusCaptcha:
		c.transition(sess.ID, StateCaptchaRequired, resp.SessionID)
		c.logins.Close(sess.ID)
		res := connector.Failed(connector.FailureCaptchaRequired, "captcha challenge must be solved; retry the login")
		res.Screenshot = resp.Screenshot
		return res, nil

	default:
		c.transition(sess.ID, StateFailed, resp.SessionID)
		c.logins.Close(sess.ID)
		msg := resp.Error
		if msg == "" {
			msg = "login failed"
		}
		return connector.Failed(connector.FailureInvalidCredentials, msg), nil
	}
}

func (c *Connector) transition(id string, to LoginState, upstreamID string) {
	if _, err := c.logins.Transition(id, to, upstreamID); err != nil {
		c.logger.Warn("LinkedInのログイン状態遷移が拒否されました",
			slog.String("to", string(to)),
			slog.String("error", err.Error()),
		)
	}
}

// FetchItems は設定されたプロフィールの最新投稿を取得する。
func (c *Connector) FetchItems(ctx context.Context, src *model.PrivateSource) ([]connector.Item, error) {
	cfg := linkedInConfig(src.Config)

	var posts []scrape.LinkedInPost
	err := c.withSession(ctx, src, func(sessionID string) error {
		var err error
		posts, err = c.automator.LinkedInPosts(ctx, sessionID, cfg.Profiles, cfg.MaxPostsPerProfile)
		return err
	})
	if err != nil {
		return nil, err
	}

	items := make([]connector.Item, 0, len(posts))
	seen := make(map[string]bool, len(posts))
	for _, p := range posts {
		if p.URL == "" || seen[p.URL] {
			continue
		}
		seen[p.URL] = true
		externalID := p.URN
		if externalID == "" {
			externalID = p.URL
		}
		items = append(items, connector.Item{
			URL:         p.URL,
			Title:       c.postTitle(p),
			Author:      c.cleaner.Clean(p.Author),
			PublishedAt: parseTime(p.PublishedAt),
			ExternalID:  externalID,
		})
	}
	return items, nil
}

// SearchProfiles はプロフィールを検索する。
func (c *Connector) SearchProfiles(ctx context.Context, src *model.PrivateSource, query string, limit int) ([]scrape.LinkedInProfile, error) {
	if strings.TrimSpace(query) == "" {
		return []scrape.LinkedInProfile{}, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	var profiles []scrape.LinkedInProfile
	err := c.withSession(ctx, src, func(sessionID string) error {
		var err error
		profiles, err = c.automator.LinkedInSearch(ctx, sessionID, query, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return profiles, nil
}

// withSession は復元済みブラウザセッションで fn を実行する。
// セッションが無い、または401で拒否された場合は保存済みCookieから一度だけ復元し直す。
// 復元自体が拒否された場合は connector.ErrReauthRequired を返す。
func (c *Connector) withSession(ctx context.Context, src *model.PrivateSource, fn func(sessionID string) error) error {
	var creds credentials
	if err := c.cipher.DecryptJSON(src.Credentials, &creds); err != nil {
		return fmt.Errorf("failed to decrypt linkedin credentials: %w", err)
	}
	if creds.LiAt == "" {
		return fmt.Errorf("%w: stored session cookie is empty", connector.ErrReauthRequired)
	}

	if v, ok := c.active.Get(src.ID); ok {
		err := fn(v.(string))
		if err == nil || !connector.IsUnauthorized(err) {
			return connector.Classify("linkedin", err)
		}
		c.active.Delete(src.ID)
	}

	sessionID, err := c.automator.LinkedInRestore(ctx, creds.LiAt, creds.JSessionID)
	if err != nil {
		if connector.IsUnauthorized(err) {
			return fmt.Errorf("%w: %v", connector.ErrReauthRequired, err)
		}
		return connector.Classify("linkedin restore session", err)
	}
	sessionID = c.adoptSession(src.ID, sessionID)

	if err := fn(sessionID); err != nil {
		if connector.IsUnauthorized(err) {
			c.active.Delete(src.ID)
			return fmt.Errorf("%w: %v", connector.ErrReauthRequired, err)
		}
		return connector.Classify("linkedin", err)
	}
	return nil
}

// adoptSession は復元したセッションをソースに登録し、使用するセッションIDを返す。
// 同時に復元された別のセッションが登録済みの場合はそちらを使い、後から復元した方を閉じる。
func (c *Connector) adoptSession(sourceID, sessionID string) string {
	for {
		if err := c.active.Add(sourceID, sessionID, cache.DefaultExpiration); err == nil {
			return sessionID
		}
		if v, ok := c.active.Get(sourceID); ok {
			c.closeUpstream(sessionID)
			return v.(string)
		}
	}
}

func (c *Connector) postTitle(p scrape.LinkedInPost) string {
	firstLine, _, _ := strings.Cut(strings.TrimSpace(p.Text), "\n")
	text := c.cleaner.Clean(firstLine)
	if text == "" {
		if p.Author != "" {
			return "LinkedIn post by " + c.cleaner.Clean(p.Author)
		}
		return p.URL
	}
	if utf8.RuneCountInString(text) > maxTitleLength {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:maxTitleLength])) + "…"
	}
	return text
}

// GetConnectionStatus は保存済みCookieの有無から接続状態を返す。ネットワークは使用しない。
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
	view.ProfileName = creds.Email
	if creds.LiAt == "" {
		view.Status = model.SourceStatusExpired
		view.Error = "session cookie missing; re-authenticate"
	}
	return view, nil
}

// Disconnect は復元済みブラウザセッションを閉じる。
func (c *Connector) Disconnect(ctx context.Context, src *model.PrivateSource) error {
	c.active.Delete(src.ID)
	return nil
}

// ValidateConfig はプロフィール一覧と取得件数の上限を検証する。
func (c *Connector) ValidateConfig(cfg model.SourceConfig) error {
	if cfg.LinkedIn == nil {
		return errors.New("linkedin config is required")
	}
	if len(cfg.LinkedIn.Profiles) == 0 {
		return errors.New("at least one profile is required")
	}
	for _, p := range cfg.LinkedIn.Profiles {
		if strings.TrimSpace(p) == "" {
			return errors.New("profile must not be empty")
		}
	}
	if n := cfg.LinkedIn.MaxPostsPerProfile; n < 1 || n > maxPostsPerProfile {
		return fmt.Errorf("maxPostsPerProfile must be between 1 and %d", maxPostsPerProfile)
	}
	return nil
}

func linkedInConfig(cfg model.SourceConfig) *model.LinkedInConfig {
	if cfg.LinkedIn != nil {
		return cfg.LinkedIn
	}
	return model.DefaultSourceConfig(model.SourceTypeLinkedIn).LinkedIn
}

func parseTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

var (
	_ connector.Connector         = (*Connector)(nil)
	_ connector.TwoFactorVerifier = (*Connector)(nil)
)

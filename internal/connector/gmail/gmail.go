// Package gmail はGmailのコネクタを提供する。
//
// 認証はOAuth 2.0のオフラインアクセスで行い、リフレッシュトークンを暗号化して保存する。
// 取得時にアクセストークンが更新された場合は CredentialStore 経由で保存し直す。
package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/morningpaper/internal/connector"
	"github.com/hitoshi/morningpaper/internal/model"
	"github.com/hitoshi/morningpaper/internal/textgen"
	cache "github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	// CanonicalURL はGmailソースの正規URL。
	CanonicalURL = "gmail://inbox"

	defaultAPIBaseURL = "https://gmail.googleapis.com"
	defaultRevokeURL  = "https://oauth2.googleapis.com/revoke"
	defaultTimeout    = 30 * time.Second
	stateTTL          = 10 * time.Minute
	scopeReadonly     = "https://www.googleapis.com/auth/gmail.readonly"

	maxAgeDays  = 365
	maxMessages = 500
)

// Config はGmailコネクタの設定。
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Timeout      time.Duration

	// テスト用にオーバーライド可能なURL
	AuthURL    string
	TokenURL   string
	APIBaseURL string
	RevokeURL  string
}

// credentials は暗号化して保存するGmailの資格情報。expiryDate はUnixミリ秒。
type credentials struct {
	RefreshToken string `json:"refreshToken"`
	AccessToken  string `json:"accessToken"`
	ExpiryDate   int64  `json:"expiryDate"`
	Email        string `json:"email,omitempty"`
}

// TextCleaner は件名等からマークアップを除去する。
type TextCleaner interface {
	Clean(raw string) string
}

// Connector はGmailのコネクタ。
type Connector struct {
	cfg        Config
	oauth      *oauth2.Config
	cipher     connector.Cipher
	store      connector.CredentialStore
	generator  textgen.Generator
	cleaner    TextCleaner
	httpClient *http.Client
	states     *cache.Cache
	logger     *slog.Logger
}

// NewConnector はConnectorを生成する。generator が nil の場合、送信者分類は常に既定値となる。
func NewConnector(cfg Config, cipher connector.Cipher, store connector.CredentialStore, generator textgen.Generator, cleaner TextCleaner, httpClient *http.Client, logger *slog.Logger) *Connector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	if cfg.RevokeURL == "" {
		cfg.RevokeURL = defaultRevokeURL
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	return &Connector{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{scopeReadonly},
			Endpoint:     endpoint,
		},
		cipher:     cipher,
		store:      store,
		generator:  generator,
		cleaner:    cleaner,
		httpClient: httpClient,
		states:     cache.New(stateTTL, stateTTL),
		logger:     logger,
	}
}

func (c *Connector) configured() bool {
	return c.cfg.ClientID != "" && c.cfg.ClientSecret != "" && c.cfg.RedirectURL != ""
}

// oauthContext はトークン交換・更新で使用するHTTPクライアントを設定したコンテキストを返す。
func (c *Connector) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// Type はソース種別を返す。
func (c *Connector) Type() model.SourceType {
	return model.SourceTypeGmail
}

// AuthURL はユーザーを同意画面へ誘導するURLを返す。
// リフレッシュトークンを確実に受け取るため access_type=offline と prompt=consent を指定する。
func (c *Connector) AuthURL(userID string) (string, error) {
	if !c.configured() {
		return "", connector.ErrNotConfigured
	}
	state := uuid.NewString()
	c.states.SetDefault(state, userID)
	return c.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent")), nil
}

// Authenticate は認可コードをトークンに交換する。
// リフレッシュトークンが返されなかった場合は no_refresh_token で失敗する。
func (c *Connector) Authenticate(ctx context.Context, in connector.AuthInput) (*connector.AuthResult, error) {
	if !c.configured() {
		return nil, connector.ErrNotConfigured
	}
	if strings.TrimSpace(in.Code) == "" {
		return connector.Failed(connector.FailureInvalidInput, "authorization code is required"), nil
	}
	if !c.consumeState(in.State, in.UserID) {
		return connector.Failed(connector.FailureInvalidInput, "OAuth state is missing, expired or issued to another user"), nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	tok, err := c.oauth.Exchange(c.oauthContext(ctx), strings.TrimSpace(in.Code))
	if err != nil {
		return c.exchangeFailure(in.UserID, err), nil
	}
	if tok.RefreshToken == "" {
		c.logger.Warn("Gmailのトークン交換でリフレッシュトークンが返されませんでした",
			slog.String("user_id", in.UserID),
		)
		return connector.Failed(connector.FailureNoRefreshToken,
			"Google did not return a refresh token; remove this app's access in your Google account settings and connect again"), nil
	}

	email := ""
	if p, err := c.profile(ctx, tok); err != nil {
		c.logger.Warn("Gmailプロフィールの取得に失敗しました",
			slog.String("user_id", in.UserID),
			slog.String("error", err.Error()),
		)
	} else {
		email = p.EmailAddress
	}

	token, err := c.cipher.EncryptJSON(credentialsFromToken(tok, email))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt gmail credentials: %w", err)
	}

	profile := email
	if profile == "" {
		profile = "Gmail"
	}
	res := connector.Succeeded(token, CanonicalURL, profile)
	res.DisplayName = "Gmail"
	cfg := model.DefaultSourceConfig(model.SourceTypeGmail)
	res.Config = &cfg
	return res, nil
}

func (c *Connector) consumeState(state, userID string) bool {
	if state == "" {
		return false
	}
	v, ok := c.states.Get(state)
	if !ok {
		return false
	}
	c.states.Delete(state)
	owner, _ := v.(string)
	return owner == userID
}

func (c *Connector) exchangeFailure(userID string, err error) *connector.AuthResult {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		c.logger.Warn("Gmailのトークン交換が拒否されました",
			slog.String("user_id", userID),
			slog.String("error_code", re.ErrorCode),
		)
		switch re.ErrorCode {
		case "access_denied", "unauthorized_client":
			return connector.Failed(connector.FailureRevoked, "access to the Google account was denied or revoked")
		default:
			return connector.Failed(connector.FailureInvalidCredentials, "authorization code is invalid or expired")
		}
	}
	c.logger.Warn("Gmailのトークン交換に失敗しました",
		slog.String("user_id", userID),
		slog.String("error", err.Error()),
	)
	return connector.Failed(connector.FailureServiceUnavailable, fmt.Sprintf("token endpoint unavailable: %v", err))
}

func credentialsFromToken(tok *oauth2.Token, email string) credentials {
	creds := credentials{
		RefreshToken: tok.RefreshToken,
		AccessToken:  tok.AccessToken,
		Email:        email,
	}
	if !tok.Expiry.IsZero() {
		creds.ExpiryDate = tok.Expiry.UnixMilli()
	}
	return creds
}

func (cr credentials) token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  cr.AccessToken,
		RefreshToken: cr.RefreshToken,
		TokenType:    "Bearer",
	}
	if cr.ExpiryDate > 0 {
		tok.Expiry = time.UnixMilli(cr.ExpiryDate)
	}
	return tok
}

// accessToken は有効なアクセストークンを返す。更新された場合は新しい資格情報を保存する。
// リフレッシュトークンが失効している場合は connector.ErrCredentialsExpired を返す。
func (c *Connector) accessToken(ctx context.Context, src *model.PrivateSource) (*oauth2.Token, credentials, error) {
	var creds credentials
	if err := c.cipher.DecryptJSON(src.Credentials, &creds); err != nil {
		return nil, creds, fmt.Errorf("failed to decrypt gmail credentials: %w", err)
	}
	if creds.RefreshToken == "" {
		return nil, creds, fmt.Errorf("%w: refresh token is missing", connector.ErrCredentialsExpired)
	}
	if !c.configured() {
		return nil, creds, connector.ErrNotConfigured
	}

	tok, err := c.oauth.TokenSource(c.oauthContext(ctx), creds.token()).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && (re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client") {
			return nil, creds, fmt.Errorf("%w: %s", connector.ErrCredentialsExpired, re.ErrorCode)
		}
		return nil, creds, connector.Classify("gmail token refresh", err)
	}

	if tok.AccessToken != creds.AccessToken || (tok.RefreshToken != "" && tok.RefreshToken != creds.RefreshToken) {
		if tok.RefreshToken == "" {
			tok.RefreshToken = creds.RefreshToken
		}
		c.persistToken(ctx, src.ID, credentialsFromToken(tok, creds.Email))
	}
	return tok, creds, nil
}

func (c *Connector) persistToken(ctx context.Context, sourceID string, creds credentials) {
	if c.store == nil {
		return
	}
	token, err := c.cipher.EncryptJSON(creds)
	if err == nil {
		err = c.store.UpdateCredentials(ctx, sourceID, token)
	}
	if err != nil {
		c.logger.Warn("更新したGmailトークンの保存に失敗しました",
			slog.String("source_id", sourceID),
			slog.String("error", err.Error()),
		)
	}
}

// FetchItems は設定された送信者からのメールを前回の同期位置まで取得する。
// 結果は新しい順で、ExternalID はGmailのメッセージID。
func (c *Connector) FetchItems(ctx context.Context, src *model.PrivateSource) ([]connector.Item, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	tok, _, err := c.accessToken(ctx, src)
	if err != nil {
		return nil, err
	}

	cfg := gmailConfig(src.Config)
	limit := cfg.MaxMessages
	if limit <= 0 {
		limit = model.DefaultSourceConfig(model.SourceTypeGmail).Gmail.MaxMessages
	}

	refs, err := c.listMessages(ctx, tok, BuildQuery(cfg), limit)
	if err != nil {
		return nil, connector.Classify("gmail list messages", err)
	}

	items := make([]connector.Item, 0, len(refs))
	for _, ref := range refs {
		if cfg.LastSyncMessageID != "" && ref.ID == cfg.LastSyncMessageID {
			break
		}
		msg, err := c.message(ctx, tok, ref.ID)
		if err != nil {
			return nil, connector.Classify("gmail get message", err)
		}
		items = append(items, c.messageItem(msg))
	}

	c.logger.Info("Gmailのメッセージを取得しました",
		slog.String("source_id", src.ID),
		slog.Int("messages_listed", len(refs)),
		slog.Int("items", len(items)),
	)
	return items, nil
}

func (c *Connector) messageItem(msg *message) connector.Item {
	title := c.cleaner.Clean(msg.header("Subject"))
	if title == "" {
		title = c.cleaner.Clean(msg.Snippet)
	}
	if title == "" {
		title = "(no subject)"
	}
	name, _ := parseFrom(msg.header("From"))
	return connector.Item{
		URL:         MessageURL(msg.ID),
		Title:       title,
		Author:      c.cleaner.Clean(name),
		PublishedAt: msg.receivedAt(),
		ExternalID:  msg.ID,
	}
}

// MessageURL はメッセージをWeb版Gmailで開くURLを返す。
func MessageURL(id string) string {
	return "https://mail.google.com/mail/u/0/#all/" + url.PathEscape(id)
}

// BuildQuery は送信者一覧と期間からGmailの検索クエリを組み立てる。
func BuildQuery(cfg *model.GmailConfig) string {
	var parts []string
	var senders []string
	for _, s := range cfg.Senders {
		if s = strings.TrimSpace(s); s != "" {
			senders = append(senders, s)
		}
	}
	switch len(senders) {
	case 0:
	case 1:
		parts = append(parts, "from:"+senders[0])
	default:
		parts = append(parts, "from:("+strings.Join(senders, " OR ")+")")
	}
	if cfg.MaxAgeDays > 0 {
		parts = append(parts, fmt.Sprintf("newer_than:%dd", cfg.MaxAgeDays))
	}
	if q := strings.TrimSpace(cfg.Query); q != "" {
		parts = append(parts, q)
	}
	return strings.Join(parts, " ")
}

// GetConnectionStatus はトークンを検証して接続状態を返す。
// リフレッシュトークンが失効している場合は EXPIRED を返す。
func (c *Connector) GetConnectionStatus(ctx context.Context, src *model.PrivateSource) (*connector.StatusView, error) {
	view := &connector.StatusView{Status: src.Status, LastSyncAt: src.LastSyncAt, Error: src.LastSyncError}
	if !src.HasCredentials() {
		view.Status = model.SourceStatusDisconnected
		return view, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	_, creds, err := c.accessToken(ctx, src)
	view.ProfileName = creds.Email
	switch {
	case err == nil:
	case errors.Is(err, connector.ErrCredentialsExpired):
		view.Status = model.SourceStatusExpired
		view.Error = "Google access was revoked or expired; re-authenticate"
	case errors.Is(err, connector.ErrNotConfigured):
		return nil, err
	default:
		var fe *connector.FetchError
		if !errors.As(err, &fe) {
			view.Status = model.SourceStatusError
			view.Error = "stored credentials could not be decrypted"
			return view, nil
		}
		view.Error = err.Error()
	}
	return view, nil
}

// Disconnect はGoogleでリフレッシュトークンを取り消す。失敗は記録のみ行う。
func (c *Connector) Disconnect(ctx context.Context, src *model.PrivateSource) error {
	var creds credentials
	if err := c.cipher.DecryptJSON(src.Credentials, &creds); err != nil || creds.RefreshToken == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	form := url.Values{"token": {creds.RefreshToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &connector.StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// ValidateConfig は送信者一覧と期間・件数の範囲を検証する。
func (c *Connector) ValidateConfig(cfg model.SourceConfig) error {
	if cfg.Gmail == nil {
		return errors.New("gmail config is required")
	}
	g := cfg.Gmail
	for _, s := range g.Senders {
		if !strings.Contains(s, "@") {
			return fmt.Errorf("sender must be an email address or @domain: %q", s)
		}
	}
	if g.MaxAgeDays < 1 || g.MaxAgeDays > maxAgeDays {
		return fmt.Errorf("maxAgeDays must be between 1 and %d", maxAgeDays)
	}
	if g.MaxMessages < 0 || g.MaxMessages > maxMessages {
		return fmt.Errorf("maxMessages must be between 1 and %d (0 uses the default)", maxMessages)
	}
	return nil
}

func gmailConfig(cfg model.SourceConfig) *model.GmailConfig {
	if cfg.Gmail != nil {
		return cfg.Gmail
	}
	return model.DefaultSourceConfig(model.SourceTypeGmail).Gmail
}

var _ connector.Connector = (*Connector)(nil)

// Package connector はプライベートソース種別ごとのコネクタが実装する共通インターフェースと、
// 認証結果・フェッチエラーなどの共通型を定義する。
package connector

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/morningpaper/internal/model"
)

var (
	// ErrNotConfigured は必要なサーバー設定（暗号鍵、OAuthクライアント等）が欠けている場合のエラー。
	ErrNotConfigured = errors.New("connector is not configured")
	// ErrCredentialsExpired は資格情報が失効・取り消された場合のエラー。
	ErrCredentialsExpired = errors.New("credentials expired or revoked")
	// ErrReauthRequired は保存済みセッションCookieによる再認証に失敗した場合のエラー。
	ErrReauthRequired = errors.New("re-authentication required")
	// ErrSessionNotFound はログインセッションが存在しないか期限切れの場合のエラー。
	ErrSessionNotFound = errors.New("login session not found")
)

// Item はコネクタが取得・正規化した記事候補を表す。
type Item struct {
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Author      string     `json:"author,omitempty"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	ExternalID  string     `json:"externalId,omitempty"`
}

// AuthInput は認証入力を表す。種別ごとに使用するフィールドが異なる。
type AuthInput struct {
	UserID    string `json:"-"`
	Name      string `json:"name,omitempty"`
	URL       string `json:"url,omitempty"`
	Code      string `json:"code,omitempty"`
	State     string `json:"state,omitempty"`
	Email     string `json:"email,omitempty"`
	Password  string `json:"password,omitempty"`
	Username  string `json:"username,omitempty"`
	AuthToken string `json:"authToken,omitempty"`
	CT0       string `json:"ct0,omitempty"`
}

// AuthFailure は認証失敗の理由を表す。
type AuthFailure string

// 認証失敗の理由
const (
	FailureInvalidCredentials AuthFailure = "invalid_credentials"
	FailureCaptchaRequired    AuthFailure = "captcha_required"
	FailureTwoFactorRequired  AuthFailure = "two_factor_required"
	FailureNoRefreshToken     AuthFailure = "no_refresh_token"
	FailureRevoked            AuthFailure = "revoked"
	FailureInvalidInput       AuthFailure = "invalid_input"
	FailureServiceUnavailable AuthFailure = "service_unavailable"
)

// AuthResult は認証結果を表す。
// 想定内の失敗（パスワード誤り、CAPTCHA等）は Success=false と Failure で表現する。
type AuthResult struct {
	Success bool
	// Credentials は暗号化済みの資格情報トークン。
	Credentials  string
	ProfileName  string
	CanonicalURL string
	DisplayName  string
	Config       *model.SourceConfig
	Failure      AuthFailure
	Message      string
	// SessionID は継続中のログインセッションのハンドル（LinkedIn）。
	SessionID string
	// Screenshot はCAPTCHA画面のbase64画像（LinkedIn）。
	Screenshot string
}

// Succeeded は成功結果を生成する。
func Succeeded(credentials, canonicalURL, profileName string) *AuthResult {
	return &AuthResult{
		Success:      true,
		Credentials:  credentials,
		CanonicalURL: canonicalURL,
		ProfileName:  profileName,
	}
}

// Failed は失敗結果を生成する。
func Failed(reason AuthFailure, message string) *AuthResult {
	return &AuthResult{Failure: reason, Message: message}
}

// StatusView は接続状態の参照結果を表す。
type StatusView struct {
	Status      model.SourceStatus `json:"status"`
	ProfileName string             `json:"profileName,omitempty"`
	Error       string             `json:"error,omitempty"`
	LastSyncAt  *time.Time         `json:"lastSyncAt,omitempty"`
}

// Connector はソース種別ごとの認証・取得・状態確認・切断を提供する。
//
// FetchItems はストレージへの書き込みを行わない。資格情報の復号とトークン更新は
// コネクタ内部で行い、更新されたトークンは CredentialStore 経由で保存する。
// GetConnectionStatus はソースの状態を変更しない。
type Connector interface {
	Type() model.SourceType
	Authenticate(ctx context.Context, in AuthInput) (*AuthResult, error)
	FetchItems(ctx context.Context, src *model.PrivateSource) ([]Item, error)
	GetConnectionStatus(ctx context.Context, src *model.PrivateSource) (*StatusView, error)
	Disconnect(ctx context.Context, src *model.PrivateSource) error
	ValidateConfig(cfg model.SourceConfig) error
}

// TwoFactorVerifier は多段階ログインの検証ステップを提供するコネクタが実装する。
type TwoFactorVerifier interface {
	VerifyTwoFactor(ctx context.Context, userID, sessionID, code string) (*AuthResult, error)
	// CloseSession は userID が所有するログインセッションを終了する。
	// 存在しない、または他のユーザーのセッションには ErrSessionNotFound を返す。
	CloseSession(ctx context.Context, userID, sessionID string) error
}

// Cipher は資格情報の暗号化・復号を行う。vault.Vault が実装する。
type Cipher interface {
	EncryptJSON(value any) (string, error)
	DecryptJSON(token string, value any) error
}

// CredentialStore はトークン更新時に新しい資格情報を保存する。
type CredentialStore interface {
	UpdateCredentials(ctx context.Context, sourceID, credentials string) error
}

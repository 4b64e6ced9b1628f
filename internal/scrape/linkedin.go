package scrape

import (
	"context"
	"net/http"
	"net/url"
)

// LinkedIn ログインの状態
const (
	LoginStatusSuccess   = "success"
	LoginStatus2FA       = "2fa_required"
	LoginStatusCaptcha   = "captcha_required"
	LoginStatusFailed    = "failed"
	LoginStatusCancelled = "cancelled"
)

// LinkedInLoginResponse はログイン・2FA検証のレスポンス。
type LinkedInLoginResponse struct {
	Status      string `json:"status"`
	SessionID   string `json:"session_id,omitempty"`
	LiAt        string `json:"li_at,omitempty"`
	JSessionID  string `json:"jsessionid,omitempty"`
	ProfileName string `json:"profile_name,omitempty"`
	Screenshot  string `json:"screenshot,omitempty"`
	Error       string `json:"error,omitempty"`
}

// LinkedInPost はLinkedInの投稿。
type LinkedInPost struct {
	URL         string `json:"url"`
	URN         string `json:"urn"`
	Text        string `json:"text"`
	Author      string `json:"author"`
	PublishedAt string `json:"published_at,omitempty"`
}

// LinkedInProfile はプロフィール検索結果。
type LinkedInProfile struct {
	Name     string `json:"name"`
	Headline string `json:"headline,omitempty"`
	URL      string `json:"url"`
}

// LinkedInLogin はメールアドレスとパスワードでブラウザログインを開始する。
func (c *Client) LinkedInLogin(ctx context.Context, email, password string) (*LinkedInLoginResponse, error) {
	req := map[string]string{"email": email, "password": password}
	var resp LinkedInLoginResponse
	if err := c.do(ctx, c.opts.ContentTimeout, http.MethodPost, "/linkedin/login", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LinkedInVerify は2FAコードを送信し、継続中のセッションを進める。
func (c *Client) LinkedInVerify(ctx context.Context, sessionID, code string) (*LinkedInLoginResponse, error) {
	req := map[string]string{"session_id": sessionID, "code": code}
	var resp LinkedInLoginResponse
	if err := c.do(ctx, c.opts.ContentTimeout, http.MethodPost, "/linkedin/verify", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LinkedInRestore は保存済みCookieからブラウザセッションを復元し、セッションIDを返す。
// Cookieが無効な場合は401の connector.StatusError を返す。
func (c *Client) LinkedInRestore(ctx context.Context, liAt, jsessionID string) (string, error) {
	req := map[string]string{"li_at": liAt, "jsessionid": jsessionID}
	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := c.do(ctx, c.opts.ConnectTimeout, http.MethodPost, "/linkedin/session/restore", req, &resp); err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

// LinkedInClose はブラウザセッションを終了する。
func (c *Client) LinkedInClose(ctx context.Context, sessionID string) error {
	return c.do(ctx, c.opts.ConnectTimeout, http.MethodDelete, "/linkedin/session/"+url.PathEscape(sessionID), nil, nil)
}

// LinkedInPosts は指定プロフィールの最新投稿を取得する。
func (c *Client) LinkedInPosts(ctx context.Context, sessionID string, profiles []string, maxPerProfile int) ([]LinkedInPost, error) {
	req := map[string]any{
		"session_id":            sessionID,
		"profiles":              profiles,
		"max_posts_per_profile": maxPerProfile,
	}
	var resp struct {
		Posts []LinkedInPost `json:"posts"`
	}
	if err := c.do(ctx, c.opts.ContentTimeout, http.MethodPost, "/linkedin/posts", req, &resp); err != nil {
		return nil, err
	}
	return resp.Posts, nil
}

// LinkedInSearch はプロフィールを検索する。
func (c *Client) LinkedInSearch(ctx context.Context, sessionID, query string, limit int) ([]LinkedInProfile, error) {
	req := map[string]any{"session_id": sessionID, "query": query, "limit": limit}
	var resp struct {
		Profiles []LinkedInProfile `json:"profiles"`
	}
	if err := c.do(ctx, c.opts.ContentTimeout, http.MethodPost, "/linkedin/search", req, &resp); err != nil {
		return nil, err
	}
	return resp.Profiles, nil
}

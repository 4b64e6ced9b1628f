package scrape

import (
	"context"
	"net/http"
)

// TwitterAuthRequest はTwitter認証リクエスト。Cookie組またはユーザー名・パスワードのいずれかを指定する。
type TwitterAuthRequest struct {
	AuthToken string `json:"auth_token,omitempty"`
	CT0       string `json:"ct0,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
}

// TwitterAuthResponse はTwitter認証レスポンス。
type TwitterAuthResponse struct {
	Success   bool   `json:"success"`
	AuthToken string `json:"auth_token,omitempty"`
	CT0       string `json:"ct0,omitempty"`
	Username  string `json:"username,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TimelineRequest はタイムライン取得リクエスト。
type TimelineRequest struct {
	AuthToken       string `json:"auth_token"`
	CT0             string `json:"ct0"`
	TimelineType    string `json:"timeline_type"`
	MaxTweets       int    `json:"max_tweets"`
	IncludeRetweets bool   `json:"include_retweets"`
	IncludeReplies  bool   `json:"include_replies"`
	ExpandThreads   bool   `json:"expand_threads"`
}

// Tweet はタイムライン上のツイート。
type Tweet struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Text      string `json:"text"`
	Author    string `json:"author"`
	CreatedAt string `json:"created_at,omitempty"`
	IsRetweet bool   `json:"is_retweet"`
	IsReply   bool   `json:"is_reply"`
}

// TwitterAuthenticate は資格情報を検証し、有効なCookie組を返す。
func (c *Client) TwitterAuthenticate(ctx context.Context, req TwitterAuthRequest) (*TwitterAuthResponse, error) {
	var resp TwitterAuthResponse
	if err := c.do(ctx, c.opts.ContentTimeout, http.MethodPost, "/twitter/auth", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TwitterTimeline はタイムラインのツイートを取得する。
func (c *Client) TwitterTimeline(ctx context.Context, req TimelineRequest) ([]Tweet, error) {
	var resp struct {
		Tweets []Tweet `json:"tweets"`
	}
	if err := c.do(ctx, c.opts.ContentTimeout, http.MethodPost, "/twitter/timeline", req, &resp); err != nil {
		return nil, err
	}
	return resp.Tweets, nil
}

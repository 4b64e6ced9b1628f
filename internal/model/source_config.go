package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// SourceConfig はソース種別ごとの設定を保持するタグ付きユニオン。
// Type に対応するフィールドのみが非nilとなる。
type SourceConfig struct {
	Type     SourceType
	Website  *WebsiteConfig
	Gmail    *GmailConfig
	LinkedIn *LinkedInConfig
	Twitter  *TwitterConfig
}

// WebsiteConfig は汎用Webサイトの設定。
type WebsiteConfig struct {
	IncludePatterns  []string   `json:"includePatterns"`
	ExcludePatterns  []string   `json:"excludePatterns"`
	PatternVersion   int        `json:"patternVersion"`
	LastConfiguredAt *time.Time `json:"lastConfiguredAt,omitempty"`
	SampleURLs       []string   `json:"sampleUrls,omitempty"`
	MaxArticles      int        `json:"maxArticles,omitempty"`
	FeedURL          string     `json:"feedUrl,omitempty"`
}

// GmailConfig はGmailの設定。LastSyncMessageID は増分同期のウォーターマーク。
type GmailConfig struct {
	Senders           []string `json:"senders"`
	MaxAgeDays        int      `json:"maxAgeDays"`
	MaxMessages       int      `json:"maxMessages,omitempty"`
	Query             string   `json:"query,omitempty"`
	LastSyncMessageID string   `json:"lastSyncMessageId,omitempty"`
}

// LinkedInConfig はLinkedInの設定。
type LinkedInConfig struct {
	Profiles           []string `json:"profiles"`
	MaxPostsPerProfile int      `json:"maxPostsPerProfile"`
}

// タイムライン種別
const (
	TimelineFollowing = "following"
	TimelineForYou    = "for_you"
)

// TwitterConfig はTwitter/Xの設定。
type TwitterConfig struct {
	TimelineType    string `json:"timelineType"`
	MaxTweets       int    `json:"maxTweets"`
	IncludeRetweets bool   `json:"includeRetweets"`
	IncludeReplies  bool   `json:"includeReplies"`
	ExpandThreads   bool   `json:"expandThreads"`
}

// DefaultSourceConfig は種別ごとの初期設定を返す。
func DefaultSourceConfig(t SourceType) SourceConfig {
	switch t {
	case SourceTypeWebsite:
		return SourceConfig{Type: t, Website: &WebsiteConfig{IncludePatterns: []string{}, ExcludePatterns: []string{}}}
	case SourceTypeGmail:
		return SourceConfig{Type: t, Gmail: &GmailConfig{Senders: []string{}, MaxAgeDays: 7, MaxMessages: 50}}
	case SourceTypeLinkedIn:
		return SourceConfig{Type: t, LinkedIn: &LinkedInConfig{Profiles: []string{}, MaxPostsPerProfile: 10}}
	case SourceTypeTwitter:
		return SourceConfig{Type: t, Twitter: &TwitterConfig{TimelineType: TimelineFollowing, MaxTweets: 50}}
	}
	return SourceConfig{Type: t}
}

// DecodeSourceConfig はJSONを種別に応じた設定へデコードする。
// 空のJSONは種別のデフォルト設定として扱う。
func DecodeSourceConfig(t SourceType, raw []byte) (SourceConfig, error) {
	cfg := DefaultSourceConfig(t)
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "{}" {
		return cfg, nil
	}

	var target any
	switch t {
	case SourceTypeWebsite:
		target = cfg.Website
	case SourceTypeGmail:
		target = cfg.Gmail
	case SourceTypeLinkedIn:
		target = cfg.LinkedIn
	case SourceTypeTwitter:
		target = cfg.Twitter
	default:
		return SourceConfig{}, fmt.Errorf("unsupported source type: %q", t)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return SourceConfig{}, fmt.Errorf("failed to decode %s config: %w", t, err)
	}
	return cfg, nil
}

// MarshalJSON は有効なバリアントのみをJSONに変換する。
func (c SourceConfig) MarshalJSON() ([]byte, error) {
	switch {
	case c.Website != nil:
		return json.Marshal(c.Website)
	case c.Gmail != nil:
		return json.Marshal(c.Gmail)
	case c.LinkedIn != nil:
		return json.Marshal(c.LinkedIn)
	case c.Twitter != nil:
		return json.Marshal(c.Twitter)
	}
	return []byte("{}"), nil
}

// WithWatermark は増分同期のウォーターマークを更新した設定のコピーを返す。
// ウォーターマークを持たない種別ではそのまま返す。
func (c SourceConfig) WithWatermark(externalID string) SourceConfig {
	if c.Gmail == nil || externalID == "" {
		return c
	}
	g := *c.Gmail
	g.LastSyncMessageID = externalID
	c.Gmail = &g
	return c
}

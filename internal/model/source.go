// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strings"
	"time"
)

// SourceType はプライベートソースの種別を表す。
type SourceType string

const (
	// SourceTypeWebsite は汎用Webサイト（スクレイピング）。
	SourceTypeWebsite SourceType = "WEBSITE"
	// SourceTypeGmail はGmailのニュースレター。
	SourceTypeGmail SourceType = "GMAIL"
	// SourceTypeLinkedIn はLinkedInのフィード投稿。
	SourceTypeLinkedIn SourceType = "LINKEDIN"
	// SourceTypeTwitter はTwitter/Xのタイムライン。
	SourceTypeTwitter SourceType = "TWITTER"
)

// SourceTypes は対応済みの全ソース種別を返す。
func SourceTypes() []SourceType {
	return []SourceType{SourceTypeWebsite, SourceTypeGmail, SourceTypeLinkedIn, SourceTypeTwitter}
}

// Valid は対応済みの種別かどうかを返す。
func (t SourceType) Valid() bool {
	switch t {
	case SourceTypeWebsite, SourceTypeGmail, SourceTypeLinkedIn, SourceTypeTwitter:
		return true
	}
	return false
}

// ParseSourceType は文字列をSourceTypeに変換する。大文字小文字は区別しない。
func ParseSourceType(s string) (SourceType, error) {
	t := SourceType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unsupported source type: %q", s)
	}
	return t, nil
}

// SourceStatus はプライベートソースの接続状態を表す。
type SourceStatus string

const (
	// SourceStatusDisconnected は未接続（資格情報なし）。
	SourceStatusDisconnected SourceStatus = "DISCONNECTED"
	// SourceStatusConnected は接続済み。
	SourceStatusConnected SourceStatus = "CONNECTED"
	// SourceStatusSyncing は同期実行中。
	SourceStatusSyncing SourceStatus = "SYNCING"
	// SourceStatusError は直近の同期が失敗した状態。
	SourceStatusError SourceStatus = "ERROR"
	// SourceStatusExpired は資格情報が失効した状態。
	SourceStatusExpired SourceStatus = "EXPIRED"
)

// DefaultSyncIntervalMinutes は同期間隔のデフォルト値（分）。
const DefaultSyncIntervalMinutes = 60

// PrivateSource はユーザーが接続したプライベートソースを表す。
// Credentials は暗号化済みトークンのみを保持し、平文を格納してはならない。
type PrivateSource struct {
	ID                  string
	UserID              string
	Name                string
	URL                 string
	Type                SourceType
	Status              SourceStatus
	Credentials         string
	Config              SourceConfig
	LastSyncAt          *time.Time
	LastSyncError       string
	SyncStartedAt       *time.Time
	SyncIntervalMinutes int
	IsActive            bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// HasCredentials は暗号化済み資格情報を保持しているかを返す。
func (s *PrivateSource) HasCredentials() bool {
	return s.Credentials != ""
}

// Article は全ソース共通の記事を表す。
// CatalogSourceID と PrivateSourceID はちょうど一方のみが設定される。
type Article struct {
	ID              string
	URL             string
	Title           string
	Author          string
	PublishedAt     *time.Time
	ExternalID      string
	Intro           string
	Summary         string
	CatalogSourceID string
	PrivateSourceID string
	CreatedAt       time.Time
}

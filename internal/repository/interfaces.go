// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/morningpaper/internal/model"
)

// UserRepository はユーザーデータの参照インターフェース。
// ユーザーの作成は上位アプリケーションが担う。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// SourceRepository はプライベートソースの永続化インターフェース。
// 状態遷移を伴う更新は条件付きUPDATEで行い、同一ソースの同期の直列化点となる。
type SourceRepository interface {
	// FindByID は指定IDのソースを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.PrivateSource, error)

	// ListByUserID はユーザーのソースを作成順に取得する。
	ListByUserID(ctx context.Context, userID string) ([]*model.PrivateSource, error)

	// UpsertConnected は (user_id, url) をキーに接続済みソースを作成または更新する。
	// 既存行の設定は保持し、src の ID・Config・Status・タイムスタンプを保存後の値で更新する。
	UpsertConnected(ctx context.Context, src *model.PrivateSource) error

	// BeginSync は CONNECTED または ERROR かつ資格情報を持つソースを SYNCING にする。
	// 遷移できた場合のみ true を返す。
	BeginSync(ctx context.Context, id string, startedAt time.Time) (bool, error)

	// CompleteSync は同期中のソースを CONNECTED に戻し、Gmailのウォーターマークのみを更新する。
	// 設定の他の項目は変更しない。watermark が空の場合は設定を変更しない。
	// 同期中でなくなっていた場合（切断等）は何も更新せず false を返す。
	CompleteSync(ctx context.Context, id, watermark string, syncedAt time.Time) (bool, error)

	// FailSync は同期中のソースを status（ERROR または EXPIRED）にし、エラーメッセージを記録する。
	FailSync(ctx context.Context, id string, status model.SourceStatus, message string) (bool, error)

	// UpdateCredentials は暗号化済み資格情報を更新する。切断済みのソースは更新しない。
	UpdateCredentials(ctx context.Context, id, credentials string) error

	// UpdateConfig はソース設定を更新する。
	UpdateConfig(ctx context.Context, id string, cfg model.SourceConfig) error

	// MarkExpired は CONNECTED または ERROR のソースを EXPIRED にする。
	MarkExpired(ctx context.Context, id, message string) error

	// Disconnect は資格情報を削除し DISCONNECTED にする。
	Disconnect(ctx context.Context, id string) error

	// Delete はソースを削除する。記事はCASCADE削除される。
	Delete(ctx context.Context, id string) error

	// ListDueForSync は同期間隔を過ぎた有効なソースを最終同期が古い順に取得する。
	ListDueForSync(ctx context.Context, now time.Time, limit int) ([]*model.PrivateSource, error)

	// RecoverStaleSyncs は startedBefore より前から SYNCING のままのソースを ERROR に戻す。
	RecoverStaleSyncs(ctx context.Context, startedBefore time.Time, message string) (int64, error)
}

// ArticleRepository は記事の永続化インターフェース。
// 記事URLの一意制約が重複排除の最終的な判定者となる。
type ArticleRepository interface {
	// ExistingURLs は urls のうち既に記事として保存済みのURLを返す。
	ExistingURLs(ctx context.Context, urls []string) (map[string]bool, error)

	// InsertIfAbsent は同じURLの記事が無い場合のみ作成する。作成した場合 true を返す。
	InsertIfAbsent(ctx context.Context, article *model.Article) (bool, error)

	// ListByPrivateSource はソースの記事を公開日の新しい順に取得する。
	ListByPrivateSource(ctx context.Context, sourceID string, limit int) ([]*model.Article, error)
}

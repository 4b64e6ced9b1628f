package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/morningpaper/internal/model"
)

const sourceColumns = `id, user_id, name, url, type, status, credentials, config,
		        last_sync_at, last_sync_error, sync_started_at,
		        sync_interval_minutes, is_active, created_at, updated_at`

// PostgresSourceRepo はPostgreSQLを使用したプライベートソースリポジトリ。
type PostgresSourceRepo struct {
	db *sql.DB
}

// NewPostgresSourceRepo はPostgresSourceRepoを生成する。
func NewPostgresSourceRepo(db *sql.DB) *PostgresSourceRepo {
	return &PostgresSourceRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*model.PrivateSource, error) {
	src := &model.PrivateSource{}
	var sourceType, status string
	var credentials, lastSyncError sql.NullString
	var lastSyncAt, syncStartedAt sql.NullTime
	var rawConfig []byte

	if err := row.Scan(
		&src.ID, &src.UserID, &src.Name, &src.URL, &sourceType, &status,
		&credentials, &rawConfig,
		&lastSyncAt, &lastSyncError, &syncStartedAt,
		&src.SyncIntervalMinutes, &src.IsActive, &src.CreatedAt, &src.UpdatedAt,
	); err != nil {
		return nil, err
	}

	src.Type = model.SourceType(sourceType)
	src.Status = model.SourceStatus(status)
	src.Credentials = nullStringValue(credentials)
	src.LastSyncError = nullStringValue(lastSyncError)
	if lastSyncAt.Valid {
		src.LastSyncAt = &lastSyncAt.Time
	}
	if syncStartedAt.Valid {
		src.SyncStartedAt = &syncStartedAt.Time
	}

	cfg, err := model.DecodeSourceConfig(src.Type, rawConfig)
	if err != nil {
		return nil, err
	}
	src.Config = cfg
	return src, nil
}

// FindByID は指定IDのソースを取得する。見つからない場合はnilを返す。
func (r *PostgresSourceRepo) FindByID(ctx context.Context, id string) (*model.PrivateSource, error) {
	src, err := scanSource(r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+`
		 FROM private_sources WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ソースの取得に失敗しました: %w", err)
	}
	return src, nil
}

// ListByUserID はユーザーのソースを作成順に取得する。
func (r *PostgresSourceRepo) ListByUserID(ctx context.Context, userID string) ([]*model.PrivateSource, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sourceColumns+`
		 FROM private_sources
		 WHERE user_id = $1
		 ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("ソース一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()
	return collectSources(rows)
}

func collectSources(rows *sql.Rows) ([]*model.PrivateSource, error) {
	var sources []*model.PrivateSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("ソースの行読み取りに失敗しました: %w", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ソースの走査に失敗しました: %w", err)
	}
	return sources, nil
}

// UpsertConnected は (user_id, url) をキーに接続済みソースを作成または更新する。
// 再接続時は既存の設定を保持し、同期中の行は SYNCING のままとする。
func (r *PostgresSourceRepo) UpsertConnected(ctx context.Context, src *model.PrivateSource) error {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	if src.SyncIntervalMinutes <= 0 {
		src.SyncIntervalMinutes = model.DefaultSyncIntervalMinutes
	}
	rawConfig, err := json.Marshal(src.Config)
	if err != nil {
		return fmt.Errorf("ソース設定のエンコードに失敗しました: %w", err)
	}

	var status string
	var stored []byte
	err = r.db.QueryRowContext(ctx,
		`INSERT INTO private_sources (id, user_id, name, url, type, status, credentials, config,
		                              sync_interval_minutes, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 'CONNECTED', $6, $7, $8, true, now(), now())
		 ON CONFLICT (user_id, url) DO UPDATE SET
		    name = EXCLUDED.name,
		    credentials = EXCLUDED.credentials,
		    status = CASE WHEN private_sources.status = 'SYNCING' THEN 'SYNCING' ELSE 'CONNECTED' END,
		    last_sync_error = NULL,
		    is_active = true,
		    updated_at = now()
		 RETURNING id, status, config, created_at, updated_at`,
		src.ID, src.UserID, src.Name, src.URL, string(src.Type),
		src.Credentials, string(rawConfig), src.SyncIntervalMinutes,
	).Scan(&src.ID, &status, &stored, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ソースの保存に失敗しました: %w", err)
	}

	cfg, err := model.DecodeSourceConfig(src.Type, stored)
	if err != nil {
		return fmt.Errorf("ソース設定のデコードに失敗しました: %w", err)
	}
	src.Config = cfg
	src.Status = model.SourceStatus(status)
	src.IsActive = true
	src.LastSyncError = ""
	return nil
}

// BeginSync は CONNECTED または ERROR かつ資格情報を持つソースを SYNCING にする。
// 条件付きUPDATEのため、同時に呼ばれても遷移できるのは1件のみ。
func (r *PostgresSourceRepo) BeginSync(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE private_sources
		 SET status = 'SYNCING', sync_started_at = $2, updated_at = now()
		 WHERE id = $1
		   AND status IN ('CONNECTED', 'ERROR')
		   AND credentials IS NOT NULL`,
		id, startedAt,
	)
	if err != nil {
		return false, fmt.Errorf("同期開始の記録に失敗しました: %w", err)
	}
	return affected(result)
}

// CompleteSync は同期中のソースを CONNECTED に戻し、最終同期日時とウォーターマークを保存する。
// 同期中に更新された設定を上書きしないよう、config は lastSyncMessageId のみを書き換える。
func (r *PostgresSourceRepo) CompleteSync(ctx context.Context, id, watermark string, syncedAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE private_sources
		 SET status = 'CONNECTED', last_sync_at = $2, last_sync_error = NULL,
		     sync_started_at = NULL,
		     config = CASE
		         WHEN $3::text = '' OR type <> 'GMAIL' THEN config
		         ELSE jsonb_set(config, '{lastSyncMessageId}', to_jsonb($3::text))
		     END,
		     updated_at = now()
		 WHERE id = $1 AND status = 'SYNCING'`,
		id, syncedAt, watermark,
	)
	if err != nil {
		return false, fmt.Errorf("同期完了の記録に失敗しました: %w", err)
	}
	return affected(result)
}

// FailSync は同期中のソースを status にし、エラーメッセージを記録する。
func (r *PostgresSourceRepo) FailSync(ctx context.Context, id string, status model.SourceStatus, message string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE private_sources
		 SET status = $2, last_sync_error = $3, sync_started_at = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'SYNCING'`,
		id, string(status), message,
	)
	if err != nil {
		return false, fmt.Errorf("同期失敗の記録に失敗しました: %w", err)
	}
	return affected(result)
}

// UpdateCredentials は暗号化済み資格情報を更新する。切断済みのソースは更新しない。
func (r *PostgresSourceRepo) UpdateCredentials(ctx context.Context, id, credentials string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE private_sources SET credentials = $2, updated_at = now()
		 WHERE id = $1 AND status <> 'DISCONNECTED'`,
		id, credentials,
	)
	if err != nil {
		return fmt.Errorf("資格情報の更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateConfig はソース設定を更新する。
func (r *PostgresSourceRepo) UpdateConfig(ctx context.Context, id string, cfg model.SourceConfig) error {
	rawConfig, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("ソース設定のエンコードに失敗しました: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE private_sources SET config = $2, updated_at = now() WHERE id = $1`,
		id, string(rawConfig),
	)
	if err != nil {
		return fmt.Errorf("ソース設定の更新に失敗しました: %w", err)
	}
	return nil
}

// MarkExpired は CONNECTED または ERROR のソースを EXPIRED にする。
func (r *PostgresSourceRepo) MarkExpired(ctx context.Context, id, message string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE private_sources
		 SET status = 'EXPIRED', last_sync_error = $2, updated_at = now()
		 WHERE id = $1 AND status IN ('CONNECTED', 'ERROR')`,
		id, message,
	)
	if err != nil {
		return fmt.Errorf("ソースの失効記録に失敗しました: %w", err)
	}
	return nil
}

// Disconnect は資格情報を削除し DISCONNECTED にする。
func (r *PostgresSourceRepo) Disconnect(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE private_sources
		 SET status = 'DISCONNECTED', credentials = NULL, sync_started_at = NULL, updated_at = now()
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("ソースの切断に失敗しました: %w", err)
	}
	return nil
}

// Delete はソースを削除する。記事はCASCADE削除される。
func (r *PostgresSourceRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM private_sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ソースの削除に失敗しました: %w", err)
	}
	return nil
}

// ListDueForSync は同期間隔を過ぎた有効なソースを取得する。
// 未同期のソースを優先し、次に最終同期日時が古い順とする。
func (r *PostgresSourceRepo) ListDueForSync(ctx context.Context, now time.Time, limit int) ([]*model.PrivateSource, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sourceColumns+`
		 FROM private_sources
		 WHERE is_active = true
		   AND status IN ('CONNECTED', 'ERROR')
		   AND credentials IS NOT NULL
		   AND (last_sync_at IS NULL
		        OR last_sync_at + make_interval(mins => sync_interval_minutes) <= $1)
		 ORDER BY last_sync_at ASC NULLS FIRST
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("同期対象ソースの取得に失敗しました: %w", err)
	}
	defer rows.Close()
	return collectSources(rows)
}

// RecoverStaleSyncs は startedBefore より前から SYNCING のままのソースを ERROR に戻す。
func (r *PostgresSourceRepo) RecoverStaleSyncs(ctx context.Context, startedBefore time.Time, message string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE private_sources
		 SET status = 'ERROR', last_sync_error = $2, sync_started_at = NULL, updated_at = now()
		 WHERE status = 'SYNCING' AND sync_started_at < $1`,
		startedBefore, message,
	)
	if err != nil {
		return 0, fmt.Errorf("中断された同期の復旧に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// nullString は空文字列をNULLとして扱う。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はNULLを空文字列として扱う。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ SourceRepository = (*PostgresSourceRepo)(nil)

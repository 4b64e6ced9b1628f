package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/morningpaper/internal/model"
	"github.com/lib/pq"
)

// PostgresArticleRepo はPostgreSQLを使用した記事リポジトリ。
type PostgresArticleRepo struct {
	db *sql.DB
}

// NewPostgresArticleRepo はPostgresArticleRepoを生成する。
func NewPostgresArticleRepo(db *sql.DB) *PostgresArticleRepo {
	return &PostgresArticleRepo{db: db}
}

// ExistingURLs は urls のうち既に記事として保存済みのURLを返す。
func (r *PostgresArticleRepo) ExistingURLs(ctx context.Context, urls []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(urls) == 0 {
		return existing, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT url FROM articles WHERE url = ANY($1)`,
		pq.Array(urls),
	)
	if err != nil {
		return nil, fmt.Errorf("既存記事URLの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("既存記事URLの行読み取りに失敗しました: %w", err)
		}
		existing[u] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("既存記事URLの走査に失敗しました: %w", err)
	}
	return existing, nil
}

// InsertIfAbsent は同じURLの記事が無い場合のみ作成する。
// 同時に同じURLを書き込んだ場合も一意制約により1件のみが作成される。
func (r *PostgresArticleRepo) InsertIfAbsent(ctx context.Context, article *model.Article) (bool, error) {
	if article.ID == "" {
		article.ID = uuid.New().String()
	}
	if article.CreatedAt.IsZero() {
		article.CreatedAt = time.Now()
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO articles (id, url, title, author, published_at, external_id,
		                       intro, summary, catalog_source_id, private_source_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (url) DO NOTHING`,
		article.ID, article.URL, article.Title, nullString(article.Author),
		article.PublishedAt, nullString(article.ExternalID),
		nullString(article.Intro), nullString(article.Summary),
		nullString(article.CatalogSourceID), nullString(article.PrivateSourceID),
		article.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("記事の作成に失敗しました: %w", err)
	}
	return affected(result)
}

// ListByPrivateSource はソースの記事を公開日の新しい順に取得する。公開日のない記事は最後になる。
func (r *PostgresArticleRepo) ListByPrivateSource(ctx context.Context, sourceID string, limit int) ([]*model.Article, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, url, title, author, published_at, external_id, intro, summary,
		        private_source_id, created_at
		 FROM articles
		 WHERE private_source_id = $1
		 ORDER BY published_at DESC NULLS LAST, created_at DESC
		 LIMIT $2`,
		sourceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var articles []*model.Article
	for rows.Next() {
		a := &model.Article{}
		var publishedAt sql.NullTime
		var author, externalID, intro, summary sql.NullString

		if err := rows.Scan(
			&a.ID, &a.URL, &a.Title, &author, &publishedAt, &externalID,
			&intro, &summary, &a.PrivateSourceID, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("記事の行読み取りに失敗しました: %w", err)
		}

		a.Author = nullStringValue(author)
		a.ExternalID = nullStringValue(externalID)
		a.Intro = nullStringValue(intro)
		a.Summary = nullStringValue(summary)
		if publishedAt.Valid {
			a.PublishedAt = &publishedAt.Time
		}
		articles = append(articles, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事一覧の走査に失敗しました: %w", err)
	}
	return articles, nil
}

// compile-time interface check
var _ ArticleRepository = (*PostgresArticleRepo)(nil)

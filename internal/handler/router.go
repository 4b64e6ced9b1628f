package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/morningpaper/internal/middleware"
)

// HealthChecker はヘルスチェックで疎通を確認する依存（*sql.DB が実装する）。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder  middleware.SessionFinder
	RateLimiter    *middleware.RateLimiter
	Logger         *slog.Logger
	StatusRecorder middleware.StatusRecorder

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// プライベートソース
	Sources SourceService
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SessionMiddleware → RateLimitMiddleware(GeneralMiddleware)
//
// /health と /metrics は認証チェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))

	// --- 認証不要のルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	h := NewSourceHandler(deps.Sources)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Post("/api/discover", h.DiscoverLinks)
		r.Post("/api/patterns/extract", h.ExtractPatterns)

		// 種別単位の操作は {id} と同じ階層に置くため、サブルーターを使わず平坦に登録する
		r.Get("/api/sources", h.ListSources)
		r.Post("/api/sources/{type}/connect", h.Connect)
		r.Get("/api/sources/gmail/auth-url", h.GmailAuthURL)
		r.Post("/api/sources/linkedin/verify", h.VerifyLinkedIn)
		r.Delete("/api/sources/linkedin/sessions/{sessionId}", h.CloseLinkedInSession)

		r.Get("/api/sources/{id}/status", h.GetStatus)
		// 同期は専用のレート制限を追加
		r.With(deps.RateLimiter.SyncMiddleware()).Post("/api/sources/{id}/sync", h.Sync)
		r.Get("/api/sources/{id}/articles", h.ListArticles)
		r.Put("/api/sources/{id}/config", h.UpdateConfig)
		r.Post("/api/sources/{id}/patterns", h.ConfigurePatterns)
		r.Delete("/api/sources/{id}/connection", h.Disconnect)
		r.Delete("/api/sources/{id}", h.DeleteSource)

		r.Get("/api/sources/{id}/gmail/senders", h.GmailSenders)
		r.Post("/api/sources/{id}/gmail/search", h.GmailSearch)
		r.Get("/api/sources/{id}/linkedin/profiles", h.LinkedInProfiles)
	})

	return r
}

// healthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Default().Error("ヘルスチェックに失敗しました", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/morningpaper/internal/connector"
	"github.com/hitoshi/morningpaper/internal/connector/gmail"
	"github.com/hitoshi/morningpaper/internal/middleware"
	"github.com/hitoshi/morningpaper/internal/model"
	"github.com/hitoshi/morningpaper/internal/pattern"
	"github.com/hitoshi/morningpaper/internal/scrape"
	"github.com/hitoshi/morningpaper/internal/source"
)

// SourceService はソースハンドラーが必要とするサービスインターフェース。
// source.Service が実装する。
type SourceService interface {
	AuthenticateConnector(ctx context.Context, userID string, t model.SourceType, in connector.AuthInput) (*source.AuthOutcome, error)
	VerifyLinkedInTwoFactor(ctx context.Context, userID, sessionID, code string) (*source.AuthOutcome, error)
	CloseLinkedInSession(ctx context.Context, userID, sessionID string) error
	GmailAuthURL(ctx context.Context, userID string) (string, error)

	ListSources(ctx context.Context, userID string) ([]*model.PrivateSource, error)
	GetStatus(ctx context.Context, userID, sourceID string) (*connector.StatusView, error)
	Sync(ctx context.Context, userID, sourceID string) (*source.SyncResult, error)
	ListArticles(ctx context.Context, userID, sourceID string, limit int) ([]*model.Article, error)
	UpdateConfig(ctx context.Context, userID, sourceID string, raw json.RawMessage) (*model.PrivateSource, error)
	Disconnect(ctx context.Context, userID, sourceID string) error
	DeleteSource(ctx context.Context, userID, sourceID string) error

	DiscoverLinks(ctx context.Context, rawURL string) ([]string, error)
	ExtractPatterns(selected, discovered []string) (pattern.Result, error)
	ConfigurePatterns(ctx context.Context, userID, sourceID string, selected, discovered []string) (*model.PrivateSource, pattern.Result, error)

	BrowseGmailSenders(ctx context.Context, userID, sourceID string) ([]gmail.Sender, error)
	SearchGmail(ctx context.Context, userID, sourceID, intent string) (*gmail.SearchResult, error)
	SearchLinkedInProfiles(ctx context.Context, userID, sourceID, query string, limit int) ([]scrape.LinkedInProfile, error)
}

// compile-time interface check
var _ SourceService = (*source.Service)(nil)

// SourceHandler はプライベートソースのHTTPハンドラー。
type SourceHandler struct {
	service SourceService
}

// NewSourceHandler はSourceHandlerを生成する。
func NewSourceHandler(service SourceService) *SourceHandler {
	return &SourceHandler{service: service}
}

// sourceResponse はソース情報のAPIレスポンス。資格情報は含めない。
type sourceResponse struct {
	ID                  string             `json:"id"`
	Name                string             `json:"name"`
	URL                 string             `json:"url"`
	Type                model.SourceType   `json:"type"`
	Status              model.SourceStatus `json:"status"`
	Config              model.SourceConfig `json:"config"`
	LastSyncAt          *time.Time         `json:"lastSyncAt,omitempty"`
	LastSyncError       string             `json:"lastSyncError,omitempty"`
	SyncIntervalMinutes int                `json:"syncIntervalMinutes"`
	IsActive            bool               `json:"isActive"`
	CreatedAt           time.Time          `json:"createdAt"`
	UpdatedAt           time.Time          `json:"updatedAt"`
}

func toSourceResponse(src *model.PrivateSource) *sourceResponse {
	return &sourceResponse{
		ID:                  src.ID,
		Name:                src.Name,
		URL:                 src.URL,
		Type:                src.Type,
		Status:              src.Status,
		Config:              src.Config,
		LastSyncAt:          src.LastSyncAt,
		LastSyncError:       src.LastSyncError,
		SyncIntervalMinutes: src.SyncIntervalMinutes,
		IsActive:            src.IsActive,
		CreatedAt:           src.CreatedAt,
		UpdatedAt:           src.UpdatedAt,
	}
}

// articleResponse は記事情報のAPIレスポンス。
type articleResponse struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Author      string     `json:"author,omitempty"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	Intro       string     `json:"intro,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// authResponse は接続操作の結果。失敗時は reason と継続用の情報を返す。
type authResponse struct {
	Success    bool            `json:"success"`
	Source     *sourceResponse `json:"source,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Message    string          `json:"message,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	Screenshot string          `json:"screenshot,omitempty"`
}

// patternRequest はパターン推定リクエストのボディ。
type patternRequest struct {
	SelectedURLs   []string `json:"selectedUrls"`
	DiscoveredURLs []string `json:"discoveredUrls"`
}

func writeAuthOutcome(w http.ResponseWriter, out *source.AuthOutcome) {
	if out.Source != nil {
		writeJSON(w, http.StatusCreated, authResponse{Success: true, Source: toSourceResponse(out.Source)})
		return
	}
	res := out.Result
	writeJSON(w, http.StatusOK, authResponse{
		Success:    false,
		Reason:     string(res.Failure),
		Message:    res.Message,
		SessionID:  res.SessionID,
		Screenshot: res.Screenshot,
	})
}

// Connect はコネクタで認証し、成功時にソースを保存する。
// POST /api/sources/{type}/connect
func (h *SourceHandler) Connect(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	raw := chi.URLParam(r, "type")
	t, err := model.ParseSourceType(raw)
	if err != nil {
		middleware.WriteError(w, r, model.NewInvalidSourceTypeError(raw))
		return
	}

	var in connector.AuthInput
	if !decodeJSON(w, r, &in) {
		return
	}

	out, err := h.service.AuthenticateConnector(r.Context(), userID, t, in)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeAuthOutcome(w, out)
}

// VerifyLinkedIn はLinkedInの2段階認証コードを送信する。
// POST /api/sources/linkedin/verify
func (h *SourceHandler) VerifyLinkedIn(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		SessionID string `json:"sessionId"`
		Code      string `json:"code"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Code == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, invalidRequestError("sessionId と code は必須です。"))
		return
	}

	out, err := h.service.VerifyLinkedInTwoFactor(r.Context(), userID, req.SessionID, req.Code)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeAuthOutcome(w, out)
}

// CloseLinkedInSession は継続中のLinkedInログインセッションを破棄する。
// DELETE /api/sources/linkedin/sessions/{sessionId}
func (h *SourceHandler) CloseLinkedInSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.service.CloseLinkedInSession(r.Context(), userID, chi.URLParam(r, "sessionId")); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GmailAuthURL はGmailのOAuth同意画面URLを返す。
// GET /api/sources/gmail/auth-url
func (h *SourceHandler) GmailAuthURL(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	url, err := h.service.GmailAuthURL(r.Context(), userID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// ListSources はユーザーのソース一覧を返す。
// GET /api/sources
func (h *SourceHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	sources, err := h.service.ListSources(r.Context(), userID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	resp := make([]*sourceResponse, 0, len(sources))
	for _, src := range sources {
		resp = append(resp, toSourceResponse(src))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetStatus はソースの接続状態を返す。
// GET /api/sources/{id}/status
func (h *SourceHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	view, err := h.service.GetStatus(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Sync はソースを同期する。
// POST /api/sources/{id}/sync
func (h *SourceHandler) Sync(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	result, err := h.service.Sync(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListArticles はソースから取り込んだ記事を新しい順に返す。
// GET /api/sources/{id}/articles?limit=
func (h *SourceHandler) ListArticles(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	articles, err := h.service.ListArticles(r.Context(), userID, chi.URLParam(r, "id"), limit)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	resp := make([]articleResponse, 0, len(articles))
	for _, a := range articles {
		resp = append(resp, articleResponse{
			ID:          a.ID,
			URL:         a.URL,
			Title:       a.Title,
			Author:      a.Author,
			PublishedAt: a.PublishedAt,
			Intro:       a.Intro,
			CreatedAt:   a.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpdateConfig はソースの種別固有設定を更新する。
// PUT /api/sources/{id}/config
func (h *SourceHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var raw json.RawMessage
	if !decodeJSON(w, r, &raw) {
		return
	}

	src, err := h.service.UpdateConfig(r.Context(), userID, chi.URLParam(r, "id"), raw)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSourceResponse(src))
}

// ConfigurePatterns は選択URLからパターンを推定し、Webサイトソースに保存する。
// POST /api/sources/{id}/patterns
func (h *SourceHandler) ConfigurePatterns(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req patternRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	src, result, err := h.service.ConfigurePatterns(r.Context(), userID, chi.URLParam(r, "id"), req.SelectedURLs, req.DiscoveredURLs)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Source   *sourceResponse `json:"source"`
		Patterns pattern.Result  `json:"patterns"`
	}{toSourceResponse(src), result})
}

// Disconnect はソースを切断し、資格情報を破棄する。
// DELETE /api/sources/{id}/connection
func (h *SourceHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.service.Disconnect(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteSource はソースを削除する。
// DELETE /api/sources/{id}
func (h *SourceHandler) DeleteSource(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteSource(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseLimit は limit クエリを解析する。未指定は0（サービス側のデフォルト）。
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, invalidRequestError("limit は0以上の整数で指定してください。"))
		return 0, false
	}
	return limit, true
}

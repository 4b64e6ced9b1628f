package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/morningpaper/internal/middleware"
)

// DiscoverLinks はWebサイトのトップページからリンク候補を収集する。
// POST /api/discover
func (h *SourceHandler) DiscoverLinks(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	links, err := h.service.DiscoverLinks(r.Context(), req.URL)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"links": links})
}

// ExtractPatterns は選択URLから記事URLのパターンを推定する。保存はしない。
// POST /api/patterns/extract
func (h *SourceHandler) ExtractPatterns(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	var req patternRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.ExtractPatterns(req.SelectedURLs, req.DiscoveredURLs)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GmailSenders は直近の受信メールを送信者ごとに集計して返す。
// GET /api/sources/{id}/gmail/senders
func (h *SourceHandler) GmailSenders(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	senders, err := h.service.BrowseGmailSenders(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"senders": senders})
}

// GmailSearch は自然文の意図をGmail検索クエリに変換して検索する。
// POST /api/sources/{id}/gmail/search
func (h *SourceHandler) GmailSearch(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Intent string `json:"intent"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Intent) == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, invalidRequestError("intent は必須です。"))
		return
	}

	result, err := h.service.SearchGmail(r.Context(), userID, chi.URLParam(r, "id"), req.Intent)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// LinkedInProfiles はLinkedInのプロフィールを検索する。
// GET /api/sources/{id}/linkedin/profiles?q=
func (h *SourceHandler) LinkedInProfiles(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, invalidRequestError("q は必須です。"))
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	profiles, err := h.service.SearchLinkedInProfiles(r.Context(), userID, chi.URLParam(r, "id"), query, limit)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

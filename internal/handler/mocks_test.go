package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/morningpaper/internal/connector"
	"github.com/hitoshi/morningpaper/internal/connector/gmail"
	"github.com/hitoshi/morningpaper/internal/middleware"
	"github.com/hitoshi/morningpaper/internal/model"
	"github.com/hitoshi/morningpaper/internal/pattern"
	"github.com/hitoshi/morningpaper/internal/scrape"
	"github.com/hitoshi/morningpaper/internal/source"
)

// --- モック定義 ---

type mockSourceService struct {
	authenticateFn      func(ctx context.Context, userID string, t model.SourceType, in connector.AuthInput) (*source.AuthOutcome, error)
	verifyFn            func(ctx context.Context, userID, sessionID, code string) (*source.AuthOutcome, error)
	closeSessionFn      func(ctx context.Context, userID, sessionID string) error
	gmailAuthURLFn      func(ctx context.Context, userID string) (string, error)
	listSourcesFn       func(ctx context.Context, userID string) ([]*model.PrivateSource, error)
	getStatusFn         func(ctx context.Context, userID, sourceID string) (*connector.StatusView, error)
	syncFn              func(ctx context.Context, userID, sourceID string) (*source.SyncResult, error)
	listArticlesFn      func(ctx context.Context, userID, sourceID string, limit int) ([]*model.Article, error)
	updateConfigFn      func(ctx context.Context, userID, sourceID string, raw json.RawMessage) (*model.PrivateSource, error)
	disconnectFn        func(ctx context.Context, userID, sourceID string) error
	deleteSourceFn      func(ctx context.Context, userID, sourceID string) error
	discoverLinksFn     func(ctx context.Context, rawURL string) ([]string, error)
	extractPatternsFn   func(selected, discovered []string) (pattern.Result, error)
	configurePatternsFn func(ctx context.Context, userID, sourceID string, selected, discovered []string) (*model.PrivateSource, pattern.Result, error)
	browseSendersFn     func(ctx context.Context, userID, sourceID string) ([]gmail.Sender, error)
	searchGmailFn       func(ctx context.Context, userID, sourceID, intent string) (*gmail.SearchResult, error)
	searchProfilesFn    func(ctx context.Context, userID, sourceID, query string, limit int) ([]scrape.LinkedInProfile, error)
}

func (m *mockSourceService) AuthenticateConnector(ctx context.Context, userID string, t model.SourceType, in connector.AuthInput) (*source.AuthOutcome, error) {
	if m.authenticateFn != nil {
		return m.authenticateFn(ctx, userID, t, in)
	}
	return &source.AuthOutcome{Result: &connector.AuthResult{}}, nil
}

func (m *mockSourceService) VerifyLinkedInTwoFactor(ctx context.Context, userID, sessionID, code string) (*source.AuthOutcome, error) {
	if m.verifyFn != nil {
		return m.verifyFn(ctx, userID, sessionID, code)
	}
	return &source.AuthOutcome{Result: &connector.AuthResult{}}, nil
}

func (m *mockSourceService) CloseLinkedInSession(ctx context.Context, userID, sessionID string) error {
	if m.closeSessionFn != nil {
		return m.closeSessionFn(ctx, userID, sessionID)
	}
	return nil
}

func (m *mockSourceService) GmailAuthURL(ctx context.Context, userID string) (string, error) {
	if m.gmailAuthURLFn != nil {
		return m.gmailAuthURLFn(ctx, userID)
	}
	return "", nil
}

func (m *mockSourceService) ListSources(ctx context.Context, userID string) ([]*model.PrivateSource, error) {
	if m.listSourcesFn != nil {
		return m.listSourcesFn(ctx, userID)
	}
	return []*model.PrivateSource{}, nil
}

func (m *mockSourceService) GetStatus(ctx context.Context, userID, sourceID string) (*connector.StatusView, error) {
	if m.getStatusFn != nil {
		return m.getStatusFn(ctx, userID, sourceID)
	}
	return &connector.StatusView{}, nil
}

func (m *mockSourceService) Sync(ctx context.Context, userID, sourceID string) (*source.SyncResult, error) {
	if m.syncFn != nil {
		return m.syncFn(ctx, userID, sourceID)
	}
	return &source.SyncResult{}, nil
}

func (m *mockSourceService) ListArticles(ctx context.Context, userID, sourceID string, limit int) ([]*model.Article, error) {
	if m.listArticlesFn != nil {
		return m.listArticlesFn(ctx, userID, sourceID, limit)
	}
	return nil, nil
}

func (m *mockSourceService) UpdateConfig(ctx context.Context, userID, sourceID string, raw json.RawMessage) (*model.PrivateSource, error) {
	if m.updateConfigFn != nil {
		return m.updateConfigFn(ctx, userID, sourceID, raw)
	}
	return &model.PrivateSource{ID: sourceID}, nil
}

func (m *mockSourceService) Disconnect(ctx context.Context, userID, sourceID string) error {
	if m.disconnectFn != nil {
		return m.disconnectFn(ctx, userID, sourceID)
	}
	return nil
}

func (m *mockSourceService) DeleteSource(ctx context.Context, userID, sourceID string) error {
	if m.deleteSourceFn != nil {
		return m.deleteSourceFn(ctx, userID, sourceID)
	}
	return nil
}

func (m *mockSourceService) DiscoverLinks(ctx context.Context, rawURL string) ([]string, error) {
	if m.discoverLinksFn != nil {
		return m.discoverLinksFn(ctx, rawURL)
	}
	return []string{}, nil
}

func (m *mockSourceService) ExtractPatterns(selected, discovered []string) (pattern.Result, error) {
	if m.extractPatternsFn != nil {
		return m.extractPatternsFn(selected, discovered)
	}
	return pattern.Result{}, nil
}

func (m *mockSourceService) ConfigurePatterns(ctx context.Context, userID, sourceID string, selected, discovered []string) (*model.PrivateSource, pattern.Result, error) {
	if m.configurePatternsFn != nil {
		return m.configurePatternsFn(ctx, userID, sourceID, selected, discovered)
	}
	return &model.PrivateSource{ID: sourceID}, pattern.Result{}, nil
}

func (m *mockSourceService) BrowseGmailSenders(ctx context.Context, userID, sourceID string) ([]gmail.Sender, error) {
	if m.browseSendersFn != nil {
		return m.browseSendersFn(ctx, userID, sourceID)
	}
	return []gmail.Sender{}, nil
}

func (m *mockSourceService) SearchGmail(ctx context.Context, userID, sourceID, intent string) (*gmail.SearchResult, error) {
	if m.searchGmailFn != nil {
		return m.searchGmailFn(ctx, userID, sourceID, intent)
	}
	return &gmail.SearchResult{}, nil
}

func (m *mockSourceService) SearchLinkedInProfiles(ctx context.Context, userID, sourceID, query string, limit int) ([]scrape.LinkedInProfile, error) {
	if m.searchProfilesFn != nil {
		return m.searchProfilesFn(ctx, userID, sourceID, query, limit)
	}
	return []scrape.LinkedInProfile{}, nil
}

type mockSessionFinder struct{}

func (mockSessionFinder) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if id != "valid-session" {
		return nil, nil
	}
	return &model.Session{ID: id, UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type mockHealthChecker struct {
	err error
}

func (m mockHealthChecker) PingContext(ctx context.Context) error {
	return m.err
}

// --- ヘルパー ---

func newTestRouter(t *testing.T, svc SourceService) http.Handler {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)
	return NewRouter(&RouterDeps{
		SessionFinder: mockSessionFinder{},
		RateLimiter:   rl,
		HealthChecker: mockHealthChecker{},
		Sources:       svc,
	})
}

// doRequest は認証済みのリクエストをルーターに送る。
func doRequest(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "valid-session"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(dst); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v\nraw: %s", err, w.Body.String())
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body middleware.ErrorResponseBody
	decodeBody(t, w, &body)
	return body.Code
}

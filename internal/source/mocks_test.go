package source

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/morningpaper/internal/connector"
	"github.com/hitoshi/morningpaper/internal/connector/gmail"
	"github.com/hitoshi/morningpaper/internal/model"
	"github.com/hitoshi/morningpaper/internal/repository"
)

// --- SourceRepository ---

// memSourceRepo は条件付きUPDATEと同じ意味論を持つインメモリ実装。
type memSourceRepo struct {
	mu      sync.Mutex
	nextID  int
	sources map[string]*model.PrivateSource
	order   []string
}

func newMemSourceRepo() *memSourceRepo {
	return &memSourceRepo{sources: make(map[string]*model.PrivateSource)}
}

func clone(src *model.PrivateSource) *model.PrivateSource {
	c := *src
	return &c
}

func (r *memSourceRepo) put(src *model.PrivateSource) *model.PrivateSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	if src.ID == "" {
		r.nextID++
		src.ID = fmt.Sprintf("src-%d", r.nextID)
	}
	r.sources[src.ID] = clone(src)
	r.order = append(r.order, src.ID)
	return clone(src)
}

func (r *memSourceRepo) get(id string) *model.PrivateSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[id]; ok {
		return clone(s)
	}
	return nil
}

func (r *memSourceRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sources)
}

func (r *memSourceRepo) FindByID(ctx context.Context, id string) (*model.PrivateSource, error) {
	return r.get(id), nil
}

func (r *memSourceRepo) ListByUserID(ctx context.Context, userID string) ([]*model.PrivateSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.PrivateSource
	for _, id := range r.order {
		if s, ok := r.sources[id]; ok && s.UserID == userID {
			out = append(out, clone(s))
		}
	}
	return out, nil
}

func (r *memSourceRepo) UpsertConnected(ctx context.Context, src *model.PrivateSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sources {
		if s.UserID == src.UserID && s.URL == src.URL {
			s.Name = src.Name
			s.Credentials = src.Credentials
			if s.Status != model.SourceStatusSyncing {
				s.Status = model.SourceStatusConnected
			}
			s.LastSyncError = ""
			s.IsActive = true
			*src = *clone(s)
			return nil
		}
	}
	r.nextID++
	src.ID = fmt.Sprintf("src-%d", r.nextID)
	src.Status = model.SourceStatusConnected
	src.IsActive = true
	r.sources[src.ID] = clone(src)
	r.order = append(r.order, src.ID)
	return nil
}

func (r *memSourceRepo) BeginSync(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sources[id]
	if !ok || s.Credentials == "" {
		return false, nil
	}
	if s.Status != model.SourceStatusConnected && s.Status != model.SourceStatusError {
		return false, nil
	}
	s.Status = model.SourceStatusSyncing
	s.SyncStartedAt = &startedAt
	return true, nil
}

func (r *memSourceRepo) CompleteSync(ctx context.Context, id, watermark string, syncedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sources[id]
	if !ok || s.Status != model.SourceStatusSyncing {
		return false, nil
	}
	s.Status = model.SourceStatusConnected
	s.Config = s.Config.WithWatermark(watermark)
	s.LastSyncAt = &syncedAt
	s.LastSyncError = ""
	s.SyncStartedAt = nil
	return true, nil
}

func (r *memSourceRepo) FailSync(ctx context.Context, id string, status model.SourceStatus, message string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sources[id]
	if !ok || s.Status != model.SourceStatusSyncing {
		return false, nil
	}
	s.Status = status
	s.LastSyncError = message
	s.SyncStartedAt = nil
	return true, nil
}

func (r *memSourceRepo) UpdateCredentials(ctx context.Context, id, credentials string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[id]; ok && s.Status != model.SourceStatusDisconnected {
		s.Credentials = credentials
	}
	return nil
}

func (r *memSourceRepo) UpdateConfig(ctx context.Context, id string, cfg model.SourceConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[id]; ok {
		s.Config = cfg
	}
	return nil
}

func (r *memSourceRepo) MarkExpired(ctx context.Context, id, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[id]; ok && (s.Status == model.SourceStatusConnected || s.Status == model.SourceStatusError) {
		s.Status = model.SourceStatusExpired
		s.LastSyncError = message
	}
	return nil
}

func (r *memSourceRepo) Disconnect(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[id]; ok {
		s.Status = model.SourceStatusDisconnected
		s.Credentials = ""
		s.SyncStartedAt = nil
	}
	return nil
}

func (r *memSourceRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, id)
	return nil
}

func (r *memSourceRepo) ListDueForSync(ctx context.Context, now time.Time, limit int) ([]*model.PrivateSource, error) {
	return nil, nil
}

func (r *memSourceRepo) RecoverStaleSyncs(ctx context.Context, startedBefore time.Time, message string) (int64, error) {
	return 0, nil
}

// --- ArticleRepository ---

// memArticleRepo はURLを一意キーとするインメモリ実装。
type memArticleRepo struct {
	mu       sync.Mutex
	articles map[string]*model.Article
	failOn   string
}

func newMemArticleRepo() *memArticleRepo {
	return &memArticleRepo{articles: make(map[string]*model.Article)}
}

func (r *memArticleRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.articles)
}

func (r *memArticleRepo) owner(url string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.articles[url]; ok {
		return a.PrivateSourceID
	}
	return ""
}

func (r *memArticleRepo) ExistingURLs(ctx context.Context, urls []string) (map[string]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool)
	for _, u := range urls {
		if _, ok := r.articles[u]; ok {
			out[u] = true
		}
	}
	return out, nil
}

func (r *memArticleRepo) InsertIfAbsent(ctx context.Context, a *model.Article) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn != "" && a.URL == r.failOn {
		return false, fmt.Errorf("insert failed: %s", a.URL)
	}
	if _, ok := r.articles[a.URL]; ok {
		return false, nil
	}
	c := *a
	r.articles[a.URL] = &c
	return true, nil
}

func (r *memArticleRepo) ListByPrivateSource(ctx context.Context, sourceID string, limit int) ([]*model.Article, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Article
	for _, a := range r.articles {
		if a.PrivateSourceID == sourceID && len(out) < limit {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

// --- Connector ---

// mockConnector は呼び出しを記録するコネクタ。
type mockConnector struct {
	sourceType  model.SourceType
	authResult  *connector.AuthResult
	authErr     error
	items       []connector.Item
	fetchErr    error
	fetchGate   chan struct{}
	fetchStart  chan struct{}
	status      *connector.StatusView
	disconnErr  error
	validateErr error

	mu           sync.Mutex
	fetchCalls   int
	disconnected int
}

func (m *mockConnector) Type() model.SourceType { return m.sourceType }

func (m *mockConnector) Authenticate(ctx context.Context, in connector.AuthInput) (*connector.AuthResult, error) {
	return m.authResult, m.authErr
}

func (m *mockConnector) FetchItems(ctx context.Context, src *model.PrivateSource) ([]connector.Item, error) {
	m.mu.Lock()
	m.fetchCalls++
	m.mu.Unlock()
	if m.fetchStart != nil {
		close(m.fetchStart)
	}
	if m.fetchGate != nil {
		<-m.fetchGate
	}
	return m.items, m.fetchErr
}

func (m *mockConnector) GetConnectionStatus(ctx context.Context, src *model.PrivateSource) (*connector.StatusView, error) {
	return m.status, nil
}

func (m *mockConnector) Disconnect(ctx context.Context, src *model.PrivateSource) error {
	m.mu.Lock()
	m.disconnected++
	m.mu.Unlock()
	return m.disconnErr
}

func (m *mockConnector) ValidateConfig(cfg model.SourceConfig) error { return m.validateErr }

func (m *mockConnector) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls
}

// mockLinkedIn は2段階認証に対応するコネクタ。
type mockLinkedIn struct {
	mockConnector
	verifyResult *connector.AuthResult
	verifyErr    error
	sessionOwner string
	closed       []string
}

func (m *mockLinkedIn) VerifyTwoFactor(ctx context.Context, userID, sessionID, code string) (*connector.AuthResult, error) {
	return m.verifyResult, m.verifyErr
}

func (m *mockLinkedIn) CloseSession(ctx context.Context, userID, sessionID string) error {
	if m.sessionOwner != "" && m.sessionOwner != userID {
		return connector.ErrSessionNotFound
	}
	m.closed = append(m.closed, sessionID)
	return nil
}

// mockGmail は送信者一覧と自然言語検索に対応するコネクタ。
type mockGmail struct {
	mockConnector
	senders   []gmail.Sender
	search    *gmail.SearchResult
	searchErr error
}

func (m *mockGmail) BrowseSenders(ctx context.Context, src *model.PrivateSource) ([]gmail.Sender, error) {
	return m.senders, nil
}

func (m *mockGmail) SearchByIntent(ctx context.Context, src *model.PrivateSource, intent string) (*gmail.SearchResult, error) {
	return m.search, m.searchErr
}

// --- Metrics ---

type mockCollector struct {
	mu        sync.Mutex
	auth      map[string]int
	syncs     map[string]int
	conflicts int
	created   int
}

func newMockCollector() *mockCollector {
	return &mockCollector{auth: make(map[string]int), syncs: make(map[string]int)}
}

func (c *mockCollector) RecordAuth(sourceType, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth[outcome]++
}

func (c *mockCollector) RecordSync(sourceType, result string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncs[result]++
}

func (c *mockCollector) RecordSyncConflict(sourceType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conflicts++
}

func (c *mockCollector) RecordItemsFetched(sourceType string, count int) {}

func (c *mockCollector) RecordArticlesCreated(sourceType string, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created += count
}

func (c *mockCollector) RecordHTTPStatus(statusCode int) {}

// stubUserRepo は missingUserID 以外の全ユーザーを存在するものとして扱う。
type stubUserRepo struct{}

const missingUserID = "missing-user"

func (stubUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if id == missingUserID {
		return nil, nil
	}
	return &model.User{ID: id}, nil
}

// --- helpers ---

type testEnv struct {
	svc       *Service
	sources   *memSourceRepo
	articles  *memArticleRepo
	collector *mockCollector
	logs      *bytes.Buffer
}

func newTestEnv(t testing.TB, conns ...connector.Connector) *testEnv {
	t.Helper()
	factory, err := connector.NewFactory(conns...)
	if err != nil {
		t.Fatalf("NewFactory に失敗: %v", err)
	}
	env := &testEnv{
		sources:   newMemSourceRepo(),
		articles:  newMemArticleRepo(),
		collector: newMockCollector(),
		logs:      &bytes.Buffer{},
	}
	logger := slog.New(slog.NewJSONHandler(env.logs, nil))
	env.svc = NewService(env.sources, env.articles, stubUserRepo{}, factory, env.collector, logger)
	return env
}

func connectedSource(userID string, t model.SourceType, url string) *model.PrivateSource {
	return &model.PrivateSource{
		UserID:      userID,
		Name:        "test",
		URL:         url,
		Type:        t,
		Status:      model.SourceStatusConnected,
		Credentials: "encrypted-token",
		Config:      model.DefaultSourceConfig(t),
		IsActive:    true,
	}
}

var (
	_ repository.SourceRepository  = (*memSourceRepo)(nil)
	_ repository.ArticleRepository = (*memArticleRepo)(nil)
)

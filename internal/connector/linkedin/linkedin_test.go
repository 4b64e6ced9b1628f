package linkedin

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/morningpaper/internal/connector"
	"github.com/hitoshi/morningpaper/internal/model"
	"github.com/hitoshi/morningpaper/internal/scrape"
	"github.com/hitoshi/morningpaper/internal/security"
	"github.com/hitoshi/morningpaper/internal/vault"
)

const testKey = "0123456789abcdef0123456789abcdef"

type mockAutomator struct {
	mu sync.Mutex

	loginResp  *scrape.LinkedInLoginResponse
	loginErr   error
	verifyResp map[string]*scrape.LinkedInLoginResponse

	restoreID    string
	restoreErr   error
	restoreCalls int

	posts      []scrape.LinkedInPost
	postsErrs  []error
	postsCalls []string

	profiles []scrape.LinkedInProfile

	closed []string
}

func (m *mockAutomator) LinkedInLogin(ctx context.Context, email, password string) (*scrape.LinkedInLoginResponse, error) {
	if m.loginErr != nil {
		return nil, m.loginErr
	}
	return m.loginResp, nil
}

func (m *mockAutomator) LinkedInVerify(ctx context.Context, sessionID, code string) (*scrape.LinkedInLoginResponse, error) {
	if resp, ok := m.verifyResp[code]; ok {
		return resp, nil
	}
	return &scrape.LinkedInLoginResponse{Status: scrape.LoginStatus2FA, SessionID: sessionID}, nil
}

func (m *mockAutomator) LinkedInRestore(ctx context.Context, liAt, jsessionID string) (string, error) {
	m.restoreCalls++
	if m.restoreErr != nil {
		return "", m.restoreErr
	}
	return m.restoreID, nil
}

func (m *mockAutomator) LinkedInClose(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, sessionID)
	return nil
}

func (m *mockAutomator) LinkedInPosts(ctx context.Context, sessionID string, profiles []string, maxPerProfile int) ([]scrape.LinkedInPost, error) {
	m.postsCalls = append(m.postsCalls, sessionID)
	if len(m.postsErrs) > 0 {
		err := m.postsErrs[0]
		m.postsErrs = m.postsErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return m.posts, nil
}

func (m *mockAutomator) LinkedInSearch(ctx context.Context, sessionID, query string, limit int) ([]scrape.LinkedInProfile, error) {
	return m.profiles, nil
}

func (m *mockAutomator) closedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.closed...)
}

func newTestConnector(a Automator) (*Connector, *vault.Vault) {
	var buf bytes.Buffer
	v := vault.NewWithKey(testKey)
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewConnector(a, v, security.NewTextSanitizer(), time.Minute, logger), v
}

func newSource(t *testing.T, v *vault.Vault, creds credentials) *model.PrivateSource {
	t.Helper()
	token, err := v.EncryptJSON(creds)
	if err != nil {
		t.Fatal(err)
	}
	return &model.PrivateSource{
		ID:          "src-li",
		URL:         CanonicalURL,
		Type:        model.SourceTypeLinkedIn,
		Status:      model.SourceStatusConnected,
		Credentials: token,
		Config: model.SourceConfig{
			Type:     model.SourceTypeLinkedIn,
			LinkedIn: &model.LinkedInConfig{Profiles: []string{"https://www.linkedin.com/in/alice"}, MaxPostsPerProfile: 5},
		},
	}
}

func TestLoginState_Transitions(t *testing.T) {
	tests := []struct {
		from, to LoginState
		want     bool
	}{
		{StateUnauthenticated, StateAuthenticating, true},
		{StateUnauthenticated, StateSuccess, false},
		{StateAuthenticating, StateSuccess, true},
		{StateAuthenticating, StateTwoFactorRequired, true},
		{StateAuthenticating, StateCaptchaRequired, true},
		{StateAuthenticating, StateFailed, true},
		{StateTwoFactorRequired, StateTwoFactorRequired, true},
		{StateTwoFactorRequired, StateSuccess, true},
		{StateTwoFactorRequired, StateCaptchaRequired, false},
		{StateSuccess, StateAuthenticating, false},
		{StateCaptchaRequired, StateAuthenticating, false},
		{StateFailed, StateSuccess, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
	for _, s := range []LoginState{StateSuccess, StateCaptchaRequired, StateFailed} {
		if !s.Terminal() {
			t.Errorf("%s は終端状態であるべき", s)
		}
	}
	if StateTwoFactorRequired.Terminal() {
		t.Error("2fa_required は終端状態ではない")
	}
}

func TestSessionStore_CloseReleasesUpstream(t *testing.T) {
	var closed []string
	store := NewSessionStore(time.Minute, func(id string) { closed = append(closed, id) })

	sess := store.Begin("user-1", "a@example.com")
	if sess.State != StateAuthenticating {
		t.Fatalf("State = %s, want authenticating", sess.State)
	}
	if _, err := store.Transition(sess.ID, StateTwoFactorRequired, "browser-1"); err != nil {
		t.Fatalf("Transition error = %v", err)
	}
	if _, err := store.Transition(sess.ID, StateCaptchaRequired, ""); err == nil {
		t.Error("2fa_required -> captcha_required が許可された")
	}

	store.Close(sess.ID)
	if len(closed) != 1 || closed[0] != "browser-1" {
		t.Errorf("closed = %v, want [browser-1]", closed)
	}
	if _, ok := store.Get(sess.ID); ok {
		t.Error("Close 後もセッションが残っている")
	}
	if _, err := store.Transition(sess.ID, StateSuccess, ""); !errors.Is(err, connector.ErrSessionNotFound) {
		t.Errorf("Transition on closed session error = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionStore_TTLExpiry(t *testing.T) {
	closedCh := make(chan string, 1)
	store := NewSessionStore(50*time.Millisecond, func(id string) { closedCh <- id })

	sess := store.Begin("user-1", "a@example.com")
	if _, err := store.Transition(sess.ID, StateTwoFactorRequired, "browser-ttl"); err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-closedCh:
		if id != "browser-ttl" {
			t.Errorf("closed = %q, want browser-ttl", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("期限切れのセッションが解放されなかった")
	}
	if _, ok := store.Get(sess.ID); ok {
		t.Error("期限切れのセッションが取得できる")
	}
}

func TestAuthenticate_RequiresEmailAndPassword(t *testing.T) {
	a := &mockAutomator{}
	c, _ := newTestConnector(a)

	res, err := c.Authenticate(context.Background(), connector.AuthInput{Email: "a@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Failure != connector.FailureInvalidInput {
		t.Errorf("res = %+v, want invalid_input", res)
	}
	if c.logins.Len() != 0 {
		t.Error("入力不備でセッションが作成された")
	}
}

func TestAuthenticate_Success(t *testing.T) {
	a := &mockAutomator{loginResp: &scrape.LinkedInLoginResponse{
		Status:      scrape.LoginStatusSuccess,
		SessionID:   "browser-1",
		LiAt:        "li-at-cookie",
		JSessionID:  "ajax:123",
		ProfileName: "Alice",
	}}
	c, v := newTestConnector(a)

	res, err := c.Authenticate(context.Background(), connector.AuthInput{UserID: "user-1", Email: "a@example.com", Password: "pw"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("Success = false: %+v", res)
	}
	if res.CanonicalURL != CanonicalURL || res.ProfileName != "Alice" {
		t.Errorf("CanonicalURL = %q, ProfileName = %q", res.CanonicalURL, res.ProfileName)
	}
	if strings.Contains(res.Credentials, "li-at-cookie") {
		t.Error("Cookie が平文で含まれている")
	}
	var creds credentials
	if err := v.DecryptJSON(res.Credentials, &creds); err != nil {
		t.Fatal(err)
	}
	if creds.LiAt != "li-at-cookie" || creds.JSessionID != "ajax:123" || creds.Email != "a@example.com" {
		t.Errorf("creds = %+v", creds)
	}

	// 成功後のセッションは呼び出し側が閉じる
	if res.SessionID == "" {
		t.Fatal("SessionID が返されていない")
	}
	if err := c.CloseSession(context.Background(), "user-1", res.SessionID); err != nil {
		t.Fatal(err)
	}
	if got := a.closedIDs(); len(got) != 1 || got[0] != "browser-1" {
		t.Errorf("closed = %v, want [browser-1]", got)
	}
}

func TestAuthenticate_TwoFactorFlow(t *testing.T) {
	a := &mockAutomator{
		loginResp: &scrape.LinkedInLoginResponse{Status: scrape.LoginStatus2FA, SessionID: "browser-2"},
		verifyResp: map[string]*scrape.LinkedInLoginResponse{
			"123456": {Status: scrape.LoginStatusSuccess, SessionID: "browser-2", LiAt: "li-at", JSessionID: "js"},
		},
	}
	c, _ := newTestConnector(a)
	ctx := context.Background()

	res, err := c.Authenticate(ctx, connector.AuthInput{UserID: "user-1", Email: "a@example.com", Password: "pw"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Failure != connector.FailureTwoFactorRequired || res.SessionID == "" {
		t.Fatalf("res = %+v, want two_factor_required with session", res)
	}

	// 誤ったコードでは2FA待ちのまま
	wrong, err := c.VerifyTwoFactor(ctx, "user-1", res.SessionID, "000000")
	if err != nil {
		t.Fatal(err)
	}
	if wrong.Failure != connector.FailureTwoFactorRequired || wrong.SessionID != res.SessionID {
		t.Errorf("wrong code res = %+v", wrong)
	}

	// 他のユーザーからは検証できない
	if _, err := c.VerifyTwoFactor(ctx, "user-2", res.SessionID, "123456"); !errors.Is(err, connector.ErrSessionNotFound) {
		t.Errorf("other user error = %v, want ErrSessionNotFound", err)
	}

	ok, err := c.VerifyTwoFactor(ctx, "user-1", res.SessionID, "123456")
	if err != nil {
		t.Fatal(err)
	}
	if !ok.Success {
		t.Fatalf("Success = false: %+v", ok)
	}

	// success は終端なので再検証はできない
	if _, err := c.VerifyTwoFactor(ctx, "user-1", res.SessionID, "123456"); !errors.Is(err, connector.ErrSessionNotFound) {
		t.Errorf("verify after success error = %v, want ErrSessionNotFound", err)
	}
}

func TestVerifyTwoFactor_UnknownSession(t *testing.T) {
	c, _ := newTestConnector(&mockAutomator{})
	if _, err := c.VerifyTwoFactor(context.Background(), "user-1", "missing", "123456"); !errors.Is(err, connector.ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestCloseSession_RejectsOtherUser(t *testing.T) {
	a := &mockAutomator{loginResp: &scrape.LinkedInLoginResponse{Status: scrape.LoginStatus2FA, SessionID: "browser-5"}}
	c, _ := newTestConnector(a)
	ctx := context.Background()

	res, err := c.Authenticate(ctx, connector.AuthInput{UserID: "user-1", Email: "a@example.com", Password: "pw"})
	if err != nil {
		t.Fatal(err)
	}

	if err := c.CloseSession(ctx, "user-2", res.SessionID); !errors.Is(err, connector.ErrSessionNotFound) {
		t.Errorf("other user error = %v, want ErrSessionNotFound", err)
	}
	if got := a.closedIDs(); len(got) != 0 {
		t.Errorf("他のユーザーがセッションを閉じられた: %v", got)
	}
	if _, ok := c.logins.Get(res.SessionID); !ok {
		t.Fatal("他のユーザーの Close でセッションが消えた")
	}

	if err := c.CloseSession(ctx, "user-1", res.SessionID); err != nil {
		t.Fatalf("所有者の Close error = %v", err)
	}
	if got := a.closedIDs(); len(got) != 1 || got[0] != "browser-5" {
		t.Errorf("closed = %v, want [browser-5]", got)
	}
	if err := c.CloseSession(ctx, "user-1", res.SessionID); !errors.Is(err, connector.ErrSessionNotFound) {
		t.Errorf("closed session error = %v, want ErrSessionNotFound", err)
	}
}

func TestAdoptSession_KeepsFirstRestoredSession(t *testing.T) {
	a := &mockAutomator{}
	c, _ := newTestConnector(a)

	if got := c.adoptSession("src-li", "browser-a"); got != "browser-a" {
		t.Fatalf("adoptSession = %q, want browser-a", got)
	}
	// 同時に復元された2つ目のセッションは閉じ、登録済みのものを使う
	if got := c.adoptSession("src-li", "browser-b"); got != "browser-a" {
		t.Errorf("adoptSession = %q, want browser-a", got)
	}
	if got := a.closedIDs(); len(got) != 1 || got[0] != "browser-b" {
		t.Errorf("closed = %v, want [browser-b]", got)
	}
	if v, ok := c.active.Get("src-li"); !ok || v.(string) != "browser-a" {
		t.Errorf("active = %v, want browser-a", v)
	}
}

func TestAuthenticate_CaptchaClosesSession(t *testing.T) {
	a := &mockAutomator{loginResp: &scrape.LinkedInLoginResponse{
		Status:     scrape.LoginStatusCaptcha,
		SessionID:  "browser-3",
		Screenshot: "iVBORw0KGgo=",
	}}
	c, _ := newTestConnector(a)

	res, err := c.Authenticate(context.Background(), connector.AuthInput{UserID: "user-1", Email: "a@example.com", Password: "pw"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Failure != connector.FailureCaptchaRequired {
		t.Errorf("Failure = %s, want captcha_required", res.Failure)
	}
	if res.Screenshot != "iVBORw0KGgo=" {
		t.Errorf("Screenshot = %q", res.Screenshot)
	}
	if c.logins.Len() != 0 {
		t.Error("CAPTCHA後もセッションが残っている")
	}
	if got := a.closedIDs(); len(got) != 1 || got[0] != "browser-3" {
		t.Errorf("closed = %v, want [browser-3]", got)
	}
}

func TestAuthenticate_FailedAndUnavailable(t *testing.T) {
	a := &mockAutomator{loginResp: &scrape.LinkedInLoginResponse{Status: scrape.LoginStatusFailed, Error: "wrong password"}}
	c, _ := newTestConnector(a)

	res, err := c.Authenticate(context.Background(), connector.AuthInput{UserID: "u", Email: "a@example.com", Password: "bad"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Failure != connector.FailureInvalidCredentials || res.Message != "wrong password" {
		t.Errorf("res = %+v", res)
	}

	a.loginErr = errors.New("connection refused")
	res, err = c.Authenticate(context.Background(), connector.AuthInput{UserID: "u", Email: "a@example.com", Password: "pw"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Failure != connector.FailureServiceUnavailable {
		t.Errorf("Failure = %s, want service_unavailable", res.Failure)
	}
	if c.logins.Len() != 0 {
		t.Error("失敗後もセッションが残っている")
	}
}

func TestFetchItems_RehydratesSession(t *testing.T) {
	a := &mockAutomator{
		restoreID: "browser-r",
		posts: []scrape.LinkedInPost{
			{URL: "https://www.linkedin.com/feed/update/urn:li:activity:1", URN: "urn:li:activity:1", Text: "<b>Hello</b> world\nsecond line", Author: "Alice", PublishedAt: "2026-01-02T03:04:05Z"},
			{URL: "https://www.linkedin.com/feed/update/urn:li:activity:1", URN: "urn:li:activity:1"},
			{URL: "https://www.linkedin.com/feed/update/urn:li:activity:2", Author: "Bob"},
		},
	}
	c, v := newTestConnector(a)
	src := newSource(t, v, credentials{LiAt: "li", JSessionID: "js", Email: "a@example.com"})

	items, err := c.FetchItems(context.Background(), src)
	if err != nil {
		t.Fatalf("FetchItems error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	if items[0].ExternalID != "urn:li:activity:1" {
		t.Errorf("ExternalID = %q", items[0].ExternalID)
	}
	if strings.Contains(items[0].Title, "<b>") {
		t.Errorf("Title にマークアップが残っている: %q", items[0].Title)
	}
	if items[0].PublishedAt == nil {
		t.Error("PublishedAt が解釈されていない")
	}
	if items[1].Title != "LinkedIn post by Bob" {
		t.Errorf("Title = %q", items[1].Title)
	}

	// 2回目は復元済みセッションを再利用する
	if _, err := c.FetchItems(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if a.restoreCalls != 1 {
		t.Errorf("restoreCalls = %d, want 1", a.restoreCalls)
	}
}

func TestFetchItems_RetriesOnceAfterRejectedSession(t *testing.T) {
	a := &mockAutomator{
		restoreID: "browser-new",
		postsErrs: []error{nil, &connector.StatusError{StatusCode: http.StatusUnauthorized}},
	}
	c, v := newTestConnector(a)
	src := newSource(t, v, credentials{LiAt: "li", JSessionID: "js"})

	if _, err := c.FetchItems(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if _, err := c.FetchItems(context.Background(), src); err != nil {
		t.Fatalf("再復元後の FetchItems error = %v", err)
	}
	if a.restoreCalls != 2 {
		t.Errorf("restoreCalls = %d, want 2", a.restoreCalls)
	}
	if len(a.postsCalls) != 3 {
		t.Errorf("postsCalls = %v, want 3 calls", a.postsCalls)
	}
}

func TestFetchItems_RestoreRejectedRequiresReauth(t *testing.T) {
	a := &mockAutomator{restoreErr: &connector.StatusError{StatusCode: http.StatusUnauthorized, Body: "cookie expired"}}
	c, v := newTestConnector(a)
	src := newSource(t, v, credentials{LiAt: "li"})

	_, err := c.FetchItems(context.Background(), src)
	if !errors.Is(err, connector.ErrReauthRequired) {
		t.Fatalf("error = %v, want ErrReauthRequired", err)
	}
	var fe *connector.FetchError
	if errors.As(err, &fe) {
		t.Error("再認証エラーがフェッチエラーとして扱われている")
	}
}

func TestFetchItems_NetworkFailure(t *testing.T) {
	a := &mockAutomator{restoreErr: errors.New("dial tcp: connection refused")}
	c, v := newTestConnector(a)
	src := newSource(t, v, credentials{LiAt: "li"})

	_, err := c.FetchItems(context.Background(), src)
	var fe *connector.FetchError
	if !errors.As(err, &fe) || fe.Kind != connector.KindNetwork {
		t.Fatalf("error = %v, want network FetchError", err)
	}
}

func TestSearchProfiles(t *testing.T) {
	a := &mockAutomator{restoreID: "b", profiles: []scrape.LinkedInProfile{{Name: "Alice", URL: "https://www.linkedin.com/in/alice"}}}
	c, v := newTestConnector(a)
	src := newSource(t, v, credentials{LiAt: "li"})

	got, err := c.SearchProfiles(context.Background(), src, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "Alice" {
		t.Errorf("profiles = %+v", got)
	}

	empty, err := c.SearchProfiles(context.Background(), src, "  ", 0)
	if err != nil || len(empty) != 0 {
		t.Errorf("empty query = %v, %v", empty, err)
	}
}

func TestGetConnectionStatus(t *testing.T) {
	c, v := newTestConnector(&mockAutomator{})

	src := newSource(t, v, credentials{LiAt: "li", Email: "a@example.com"})
	view, err := c.GetConnectionStatus(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != model.SourceStatusConnected || view.ProfileName != "a@example.com" {
		t.Errorf("view = %+v", view)
	}

	expired := newSource(t, v, credentials{Email: "a@example.com"})
	view, _ = c.GetConnectionStatus(context.Background(), expired)
	if view.Status != model.SourceStatusExpired {
		t.Errorf("Status = %s, want EXPIRED", view.Status)
	}

	expired.Credentials = ""
	view, _ = c.GetConnectionStatus(context.Background(), expired)
	if view.Status != model.SourceStatusDisconnected {
		t.Errorf("Status = %s, want DISCONNECTED", view.Status)
	}
}

func TestDisconnect_ClosesActiveSession(t *testing.T) {
	a := &mockAutomator{restoreID: "browser-active"}
	c, v := newTestConnector(a)
	src := newSource(t, v, credentials{LiAt: "li"})

	if _, err := c.FetchItems(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if err := c.Disconnect(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if got := a.closedIDs(); len(got) != 1 || got[0] != "browser-active" {
		t.Errorf("closed = %v, want [browser-active]", got)
	}
}

func TestValidateConfig(t *testing.T) {
	c, _ := newTestConnector(&mockAutomator{})
	tests := []struct {
		name    string
		cfg     *model.LinkedInConfig
		wantErr bool
	}{
		{"valid", &model.LinkedInConfig{Profiles: []string{"alice"}, MaxPostsPerProfile: 10}, false},
		{"upper bound", &model.LinkedInConfig{Profiles: []string{"alice"}, MaxPostsPerProfile: 50}, false},
		{"no profiles", &model.LinkedInConfig{MaxPostsPerProfile: 10}, true},
		{"blank profile", &model.LinkedInConfig{Profiles: []string{" "}, MaxPostsPerProfile: 10}, true},
		{"zero posts", &model.LinkedInConfig{Profiles: []string{"alice"}}, true},
		{"too many posts", &model.LinkedInConfig{Profiles: []string{"alice"}, MaxPostsPerProfile: 51}, true},
		{"missing", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.ValidateConfig(model.SourceConfig{Type: model.SourceTypeLinkedIn, LinkedIn: tt.cfg})
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

package linkedin

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/morningpaper/internal/connector"
	cache "github.com/patrickmn/go-cache"
)

// LoginState はLinkedInログインの状態を表す。
type LoginState string

// ログイン状態
const (
	StateUnauthenticated   LoginState = "unauthenticated"
	StateAuthenticating    LoginState = "authenticating"
	StateSuccess           LoginState = "success"
	StateTwoFactorRequired LoginState = "2fa_required"
	StateCaptchaRequired   LoginState = "captcha_required"
	StateFailed            LoginState = "failed"
)

// transitions は許可される状態遷移。
var transitions = map[LoginState][]LoginState{
	StateUnauthenticated:   {StateAuthenticating},
	StateAuthenticating:    {StateSuccess, StateTwoFactorRequired, StateCaptchaRequired, StateFailed},
	StateTwoFactorRequired: {StateSuccess, StateTwoFactorRequired, StateFailed},
}

// CanTransition は to への遷移が許可されているかを返す。
func (s LoginState) CanTransition(to LoginState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal は終端状態かを返す。
func (s LoginState) Terminal() bool {
	return s == StateSuccess || s == StateCaptchaRequired || s == StateFailed
}

// LoginSession は継続中のログインを表す。
// UpstreamID は自動化サービス側のブラウザセッションID。
type LoginSession struct {
	ID         string
	UpstreamID string
	UserID     string
	Email      string
	State      LoginState
	CreatedAt  time.Time
}

// SessionStore はログインセッションをTTL付きで保持する。
// 削除・期限切れのどちらでも、上流のブラウザセッションを closer で閉じる。
type SessionStore struct {
	mu     sync.Mutex
	cache  *cache.Cache
	closer func(upstreamID string)
}

// NewSessionStore はSessionStoreを生成する。
func NewSessionStore(ttl time.Duration, closer func(upstreamID string)) *SessionStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	s := &SessionStore{
		cache:  cache.New(ttl, ttl/2),
		closer: closer,
	}
	s.cache.OnEvicted(func(_ string, v interface{}) {
		sess, ok := v.(LoginSession)
		if !ok || sess.UpstreamID == "" || s.closer == nil {
			return
		}
		s.closer(sess.UpstreamID)
	})
	return s
}

// Begin は新しいログインセッションを authenticating 状態で作成する。
func (s *SessionStore) Begin(userID, email string) LoginSession {
	sess := LoginSession{
		ID:        uuid.New().String(),
		UserID:    userID,
		Email:     email,
		State:     StateAuthenticating,
		CreatedAt: time.Now(),
	}
	s.cache.SetDefault(sess.ID, sess)
	return sess
}

// Get はログインセッションを返す。期限切れの場合は見つからない。
func (s *SessionStore) Get(id string) (LoginSession, bool) {
	v, ok := s.cache.Get(id)
	if !ok {
		return LoginSession{}, false
	}
	return v.(LoginSession), true
}

// Transition はセッションの状態を遷移させる。upstreamID が空でなければ更新する。
func (s *SessionStore) Transition(id string, to LoginState, upstreamID string) (LoginSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, expiresAt, ok := s.cache.GetWithExpiration(id)
	if !ok {
		return LoginSession{}, connector.ErrSessionNotFound
	}
	sess := v.(LoginSession)
	if !sess.State.CanTransition(to) {
		return sess, fmt.Errorf("invalid login transition: %s -> %s", sess.State, to)
	}
	sess.State = to
	if upstreamID != "" {
		sess.UpstreamID = upstreamID
	}

	ttl := cache.DefaultExpiration
	if !expiresAt.IsZero() {
		if ttl = time.Until(expiresAt); ttl <= 0 {
			return LoginSession{}, connector.ErrSessionNotFound
		}
	}
	s.cache.Set(id, sess, ttl)
	return sess, nil
}

// Close はセッションを削除し、上流のブラウザセッションを閉じる。存在しない場合は何もしない。
func (s *SessionStore) Close(id string) {
	s.cache.Delete(id)
}

// Len は保持中のセッション数を返す。
func (s *SessionStore) Len() int {
	return s.cache.ItemCount()
}

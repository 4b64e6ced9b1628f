package recovery

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/morningpaper/internal/repository"
)

type mockRecoverer struct {
	called  bool
	before  time.Time
	message string
	count   int64
	err     error
}

func (m *mockRecoverer) RecoverStaleSyncs(ctx context.Context, startedBefore time.Time, message string) (int64, error) {
	m.called = true
	m.before = startedBefore
	m.message = message
	return m.count, m.err
}

type mockSessions struct {
	called bool
	count  int64
	err    error
}

func (m *mockSessions) DeleteExpired(ctx context.Context) (int64, error) {
	m.called = true
	return m.count, m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestNewJob_DefaultStaleAfter(t *testing.T) {
	var buf bytes.Buffer
	job := NewJob(&mockRecoverer{}, nil, 0, newTestLogger(&buf))
	if job == nil {
		t.Fatal("NewJob は nil を返してはならない")
	}
	if job.StaleAfter != 30*time.Minute {
		t.Errorf("StaleAfter = %v, want 30m", job.StaleAfter)
	}
}

func TestJob_Run_RecoversWithCutoff(t *testing.T) {
	var buf bytes.Buffer
	rec := &mockRecoverer{count: 2}
	sessions := &mockSessions{count: 7}
	job := NewJob(rec, sessions, 10*time.Minute, newTestLogger(&buf))
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if !rec.called {
		t.Fatal("RecoverStaleSyncs が呼び出されなかった")
	}
	if want := now.Add(-10 * time.Minute); !rec.before.Equal(want) {
		t.Errorf("startedBefore = %v, want %v", rec.before, want)
	}
	if rec.message != "sync interrupted" {
		t.Errorf("message = %q, want %q", rec.message, "sync interrupted")
	}
	if !sessions.called {
		t.Error("DeleteExpired が呼び出されなかった")
	}
	if !strings.Contains(buf.String(), `"recovered_count":2`) {
		t.Errorf("ログに回復件数が含まれていない: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"level":"WARN"`) {
		t.Error("回復した場合は WARN で記録されるべき")
	}
}

func TestJob_Run_NothingToRecover(t *testing.T) {
	var buf bytes.Buffer
	job := NewJob(&mockRecoverer{}, nil, time.Minute, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("対象が無い場合もエラーにならないべき: %v", err)
	}
	if strings.Contains(buf.String(), `"level":"WARN"`) {
		t.Error("回復対象が無い場合に WARN を出してはならない")
	}
}

func TestJob_Run_Errors(t *testing.T) {
	var buf bytes.Buffer

	job := NewJob(&mockRecoverer{err: errors.New("db down")}, nil, time.Minute, newTestLogger(&buf))
	if err := job.Run(context.Background()); err == nil {
		t.Error("回復に失敗した場合はエラーを返すべき")
	}

	job = NewJob(&mockRecoverer{}, &mockSessions{err: errors.New("db down")}, time.Minute, newTestLogger(&buf))
	if err := job.Run(context.Background()); err == nil {
		t.Error("セッション削除に失敗した場合はエラーを返すべき")
	}
}

var (
	_ StaleSyncRecoverer    = (repository.SourceRepository)(nil)
	_ ExpiredSessionDeleter = (repository.SessionRepository)(nil)
)

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// FetchErrorKind はフェッチ失敗の分類を表す。
type FetchErrorKind string

// フェッチ失敗の分類
const (
	KindNetwork      FetchErrorKind = "network"
	KindTimeout      FetchErrorKind = "timeout"
	KindRateLimited  FetchErrorKind = "rate_limited"
	KindUpstream     FetchErrorKind = "upstream"
	KindMalformed    FetchErrorKind = "malformed"
	KindUnauthorized FetchErrorKind = "unauthorized"
)

// FetchError は外部システムからの取得失敗を表す。
// Error() はソースの lastSyncError にそのまま保存される。
type FetchError struct {
	Kind FetchErrorKind
	Op   string
	Err  error
}

// Error はerrorインターフェースを実装する。
func (e *FetchError) Error() string {
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *FetchError) Unwrap() error {
	return e.Err
}

// HTTPStatusError はHTTPステータスを持つエラーが実装する。
type HTTPStatusError interface {
	error
	HTTPStatus() int
}

// StatusError は非2xxレスポンスを表す。
type StatusError struct {
	StatusCode int
	Body       string
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus はHTTPステータスコードを返す。
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// Classify は外部呼び出しのエラーを FetchError に分類する。
// nil の場合は nil を返し、既に FetchError の場合はそのまま返す。
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return &FetchError{Kind: KindOf(err), Op: op, Err: err}
}

// KindOf はエラーの分類を判定する。
func KindOf(err error) FetchErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}

	var se HTTPStatusError
	if errors.As(err, &se) {
		switch code := se.HTTPStatus(); {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return KindUnauthorized
		case code == http.StatusTooManyRequests:
			return KindRateLimited
		default:
			return KindUpstream
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return KindMalformed
	}
	return KindNetwork
}

// IsUnauthorized はエラーが認証拒否（401/403）によるものかを返す。
func IsUnauthorized(err error) bool {
	return KindOf(err) == KindUnauthorized
}

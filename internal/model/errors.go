// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, source, sync, conflict, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidURL           = "INVALID_URL"
	ErrCodeSSRFBlocked          = "SSRF_BLOCKED"
	ErrCodeFetchFailed          = "FETCH_FAILED"
	ErrCodeSourceNotFound       = "SOURCE_NOT_FOUND"
	ErrCodeSyncInProgress       = "SYNC_IN_PROGRESS"
	ErrCodeSourceDisconnected   = "SOURCE_DISCONNECTED"
	ErrCodeSourceExpired        = "SOURCE_EXPIRED"
	ErrCodeInvalidSourceType    = "INVALID_SOURCE_TYPE"
	ErrCodeInvalidConfig        = "INVALID_CONFIG"
	ErrCodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
	ErrCodeSyncFailed           = "SYNC_FAILED"
	ErrCodeLoginSessionNotFound = "LOGIN_SESSION_NOT_FOUND"
	ErrCodeTranslationFailed    = "TRANSLATION_FAILED"
	ErrCodeReauthRequired       = "REAUTH_REQUIRED"
	ErrCodeUnsupportedOperation = "UNSUPPORTED_OPERATION"
	ErrCodeUserNotFound         = "USER_NOT_FOUND"
)

// NewSourceNotFoundError はソース未検出エラーを生成する。
func NewSourceNotFoundError(sourceID string) *APIError {
	return &APIError{
		Code:     ErrCodeSourceNotFound,
		Message:  fmt.Sprintf("指定されたソースが見つかりません: %s", sourceID),
		Category: "source",
		Action:   "ソースIDを確認してください。",
	}
}

// NewSyncInProgressError は同期が既に実行中の場合のエラーを生成する。
func NewSyncInProgressError(sourceID string) *APIError {
	return &APIError{
		Code:     ErrCodeSyncInProgress,
		Message:  fmt.Sprintf("このソースは同期中です: %s", sourceID),
		Category: "conflict",
		Action:   "同期の完了を待ってから再度お試しください。",
	}
}

// NewSourceDisconnectedError は未接続ソースを同期しようとした場合のエラーを生成する。
func NewSourceDisconnectedError() *APIError {
	return &APIError{
		Code:     ErrCodeSourceDisconnected,
		Message:  "ソースは接続されていません。",
		Category: "validation",
		Action:   "ソースを再接続してから同期してください。",
	}
}

// NewSourceExpiredError は資格情報が失効したソースのエラーを生成する。
func NewSourceExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeSourceExpired,
		Message:  "ソースの資格情報が失効しています。",
		Category: "validation",
		Action:   "ソースを再認証してください。",
	}
}

// NewInvalidSourceTypeError は未対応のソース種別エラーを生成する。
func NewInvalidSourceTypeError(sourceType string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSourceType,
		Message:  fmt.Sprintf("未対応のソース種別です: %s", sourceType),
		Category: "validation",
		Action:   "WEBSITE、GMAIL、LINKEDIN、TWITTER のいずれかを指定してください。",
	}
}

// NewInvalidConfigError はソース設定が無効な場合のエラーを生成する。
func NewInvalidConfigError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidConfig,
		Message:  fmt.Sprintf("無効なソース設定です: %s", reason),
		Category: "validation",
		Action:   "設定内容を確認してください。",
	}
}

// NewServiceUnavailableError は必要な設定が欠けている場合のエラーを生成する。
func NewServiceUnavailableError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeServiceUnavailable,
		Message:  fmt.Sprintf("サービスを利用できません: %s", reason),
		Category: "system",
		Action:   "管理者に設定の確認を依頼してください。",
	}
}

// NewSyncFailedError は同期失敗エラーを生成する。
func NewSyncFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeSyncFailed,
		Message:  fmt.Sprintf("同期に失敗しました: %s", reason),
		Category: "sync",
		Action:   "しばらく待ってから再度同期してください。",
	}
}

// NewLoginSessionNotFoundError はログインセッションが見つからない場合のエラーを生成する。
func NewLoginSessionNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeLoginSessionNotFound,
		Message:  "ログインセッションが見つからないか、有効期限が切れています。",
		Category: "auth",
		Action:   "最初からログインし直してください。",
	}
}

// NewTranslationFailedError は自然言語クエリの変換に失敗した場合のエラーを生成する。
// 元のエラー内容をそのまま表示する。
func NewTranslationFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeTranslationFailed,
		Message:  reason,
		Category: "sync",
		Action:   "別の表現で検索条件を入力してください。",
	}
}

// NewReauthRequiredError は再認証が必要な場合のエラーを生成する。
func NewReauthRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeReauthRequired,
		Message:  "セッションが無効になりました。",
		Category: "auth",
		Action:   "ソースを再認証してください。",
	}
}

// NewUnsupportedOperationError はソース種別が操作に対応していない場合のエラーを生成する。
func NewUnsupportedOperationError(sourceType SourceType, op string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedOperation,
		Message:  fmt.Sprintf("%s ソースは %s に対応していません。", sourceType, op),
		Category: "validation",
		Action:   "対応するソース種別で実行してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを入力してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewFetchFailedError はフェッチ失敗エラーを生成する。
func NewFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  fmt.Sprintf("URLの取得に失敗しました: %s", reason),
		Category: "source",
		Action:   "URLが正しいか確認し、しばらく待ってから再度お試しください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

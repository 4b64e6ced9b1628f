package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/morningpaper/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// statusByCode はエラーコードとHTTPステータスの対応。
var statusByCode = map[string]int{
	model.ErrCodeInvalidURL:           http.StatusBadRequest,
	model.ErrCodeSSRFBlocked:          http.StatusForbidden,
	model.ErrCodeFetchFailed:          http.StatusBadGateway,
	model.ErrCodeSourceNotFound:       http.StatusNotFound,
	model.ErrCodeSyncInProgress:       http.StatusConflict,
	model.ErrCodeSourceDisconnected:   http.StatusBadRequest,
	model.ErrCodeSourceExpired:        http.StatusBadRequest,
	model.ErrCodeInvalidSourceType:    http.StatusBadRequest,
	model.ErrCodeInvalidConfig:        http.StatusBadRequest,
	model.ErrCodeServiceUnavailable:   http.StatusServiceUnavailable,
	model.ErrCodeSyncFailed:           http.StatusBadGateway,
	model.ErrCodeLoginSessionNotFound: http.StatusNotFound,
	model.ErrCodeTranslationFailed:    http.StatusBadGateway,
	model.ErrCodeReauthRequired:       http.StatusUnauthorized,
	model.ErrCodeUnsupportedOperation: http.StatusBadRequest,
	model.ErrCodeUserNotFound:         http.StatusNotFound,
}

// StatusFor はAPIエラーに対応するHTTPステータスを返す。未知のコードは500となる。
func StatusFor(apiErr *model.APIError) int {
	if status, ok := statusByCode[apiErr.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteError はエラーをレスポンスに変換する。
// APIError はコードに対応するステータスで返し、それ以外はログに記録して500を返す。
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		WriteErrorResponse(w, StatusFor(apiErr), apiErr)
		return
	}
	slog.Error("リクエストの処理に失敗しました",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	WriteInternalServerError(w)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// WriteUnauthorized は未認証の統一レスポンスを書き込む。
func WriteUnauthorized(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
		Code:     "UNAUTHORIZED",
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	})
}

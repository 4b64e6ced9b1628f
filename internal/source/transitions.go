package source

import (
	"errors"
	"time"

	"github.com/hitoshi/morningpaper/internal/connector"
	"github.com/hitoshi/morningpaper/internal/model"
	"github.com/hitoshi/morningpaper/internal/textgen"
	"github.com/hitoshi/morningpaper/internal/vault"
)

// maxSyncErrorLength は lastSyncError に保存するメッセージの最大長（rune）。
const maxSyncErrorLength = 1000

// transitions は許可されている状態遷移。DISCONNECTED への遷移はどの状態からでも許可される。
var transitions = map[model.SourceStatus][]model.SourceStatus{
	model.SourceStatusDisconnected: {model.SourceStatusConnected},
	model.SourceStatusConnected:    {model.SourceStatusConnected, model.SourceStatusSyncing, model.SourceStatusExpired},
	model.SourceStatusSyncing:      {model.SourceStatusConnected, model.SourceStatusError, model.SourceStatusExpired},
	model.SourceStatusError:        {model.SourceStatusConnected, model.SourceStatusSyncing, model.SourceStatusExpired},
	model.SourceStatusExpired:      {model.SourceStatusConnected},
}

// CanTransition は from から to への状態遷移が許可されているかを返す。
func CanTransition(from, to model.SourceStatus) bool {
	if to == model.SourceStatusDisconnected {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckSyncable は同期を開始できる状態かを判定する。
// 開始できない場合は呼び出し元に返すエラーを返す。コネクタへの問い合わせは行わない。
func CheckSyncable(src *model.PrivateSource) *model.APIError {
	switch {
	case src.Status == model.SourceStatusDisconnected || !src.HasCredentials():
		return model.NewSourceDisconnectedError()
	case src.Status == model.SourceStatusExpired:
		return model.NewSourceExpiredError()
	case src.Status == model.SourceStatusSyncing:
		return model.NewSyncInProgressError(src.ID)
	}
	return nil
}

// ApplySyncStarted はソースを同期中にする。
func ApplySyncStarted(src *model.PrivateSource, now time.Time) {
	src.Status = model.SourceStatusSyncing
	src.SyncStartedAt = &now
	src.UpdatedAt = now
}

// ApplySyncSucceeded は同期成功を反映する。エラーメッセージはクリアされる。
func ApplySyncSucceeded(src *model.PrivateSource, cfg model.SourceConfig, now time.Time) {
	src.Status = model.SourceStatusConnected
	src.Config = cfg
	src.LastSyncAt = &now
	src.LastSyncError = ""
	src.SyncStartedAt = nil
	src.UpdatedAt = now
}

// ApplySyncFailed は同期失敗を反映し、記録した状態を返す。
// 資格情報の失効を示すエラーは EXPIRED、それ以外は ERROR となる。
func ApplySyncFailed(src *model.PrivateSource, err error, now time.Time) model.SourceStatus {
	src.Status = FailureStatus(err)
	src.LastSyncError = FailureMessage(err)
	src.SyncStartedAt = nil
	src.UpdatedAt = now
	return src.Status
}

// FailureStatus は同期失敗時の遷移先を返す。
func FailureStatus(err error) model.SourceStatus {
	if errors.Is(err, connector.ErrCredentialsExpired) || errors.Is(err, connector.ErrReauthRequired) {
		return model.SourceStatusExpired
	}
	return model.SourceStatusError
}

// FailureMessage は lastSyncError に保存する人が読めるメッセージを返す。
func FailureMessage(err error) string {
	var msg string
	switch {
	case errors.Is(err, vault.ErrTampered), errors.Is(err, vault.ErrMalformedToken):
		msg = "stored credentials could not be decrypted: " + err.Error()
	default:
		msg = err.Error()
	}
	if r := []rune(msg); len(r) > maxSyncErrorLength {
		msg = string(r[:maxSyncErrorLength])
	}
	return msg
}

// IsConfigurationError はサーバー設定の不足を示すエラーかを返す。
func IsConfigurationError(err error) bool {
	return errors.Is(err, vault.ErrKeyNotConfigured) ||
		errors.Is(err, vault.ErrInvalidKey) ||
		errors.Is(err, connector.ErrNotConfigured) ||
		errors.Is(err, textgen.ErrNotConfigured)
}

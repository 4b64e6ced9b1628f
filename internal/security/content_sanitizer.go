package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxTextLength はサニタイズ後テキストの最大文字数。
const maxTextLength = 500

// TextSanitizer は外部ソースから取得したタイトル・著者名・件名からマークアップを除去する。
// bluemondayのStrictPolicyで全タグを落とし、実体参照を戻して空白を正規化する。
// 並行利用に対して安全。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Clean はテキストから全てのHTMLを除去し、空白を1つにまとめて返す。
// 500文字を超える場合は切り詰める。
func (s *TextSanitizer) Clean(raw string) string {
	if raw == "" {
		return ""
	}
	cleaned := html.UnescapeString(s.policy.Sanitize(raw))
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if utf8.RuneCountInString(cleaned) > maxTextLength {
		runes := []rune(cleaned)
		cleaned = string(runes[:maxTextLength])
	}
	return cleaned
}

package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/morningpaper/internal/connector"
	"github.com/hitoshi/morningpaper/internal/model"
	"github.com/hitoshi/morningpaper/internal/textgen"
)

// SenderCategory は送信者の分類。
type SenderCategory string

// 送信者の分類
const (
	CategoryNewsletter    SenderCategory = "newsletter"
	CategoryMarketing     SenderCategory = "marketing"
	CategoryTransactional SenderCategory = "transactional"
	CategoryPersonal      SenderCategory = "personal"
)

// Frequency は送信頻度の区分。
type Frequency string

// 送信頻度の区分
const (
	FrequencyDaily      Frequency = "daily"
	FrequencyWeekly     Frequency = "weekly"
	FrequencyOccasional Frequency = "occasional"
)

const (
	browseLookbackDays = 30
	browseMaxMessages  = 200
	classifyMaxTokens  = 1024
	translateMaxTokens = 128
)

// Sender は受信メールから集計した送信者。
type Sender struct {
	Email     string         `json:"email"`
	Name      string         `json:"name"`
	Count     int            `json:"count"`
	Frequency Frequency      `json:"frequency"`
	Category  SenderCategory `json:"category"`
	LastSeen  *time.Time     `json:"lastSeen,omitempty"`
}

// TranslationError は自然言語の意図を検索クエリに変換できなかったことを表す。
type TranslationError struct {
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *TranslationError) Error() string {
	return e.Err.Error()
}

// Unwrap は元のエラーを返す。
func (e *TranslationError) Unwrap() error {
	return e.Err
}

// SearchResult は自然言語検索の結果。
type SearchResult struct {
	Query string           `json:"query"`
	Items []connector.Item `json:"items"`
}

// BrowseSenders は直近30日の受信メールを送信者ごとに集計し、分類して返す。
// 分類に失敗した場合は全ての送信者を newsletter とする。結果は件数の多い順。
func (c *Connector) BrowseSenders(ctx context.Context, src *model.PrivateSource) ([]Sender, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	tok, _, err := c.accessToken(ctx, src)
	if err != nil {
		return nil, err
	}
	refs, err := c.listMessages(ctx, tok, fmt.Sprintf("newer_than:%dd", browseLookbackDays), browseMaxMessages)
	if err != nil {
		return nil, connector.Classify("gmail list messages", err)
	}

	byEmail := make(map[string]*Sender)
	for _, ref := range refs {
		msg, err := c.message(ctx, tok, ref.ID)
		if err != nil {
			return nil, connector.Classify("gmail get message", err)
		}
		name, address := parseFrom(msg.header("From"))
		if address == "" {
			continue
		}
		s, ok := byEmail[address]
		if !ok {
			s = &Sender{Email: address, Name: c.cleaner.Clean(name)}
			byEmail[address] = s
		}
		s.Count++
		if at := msg.receivedAt(); at != nil && (s.LastSeen == nil || at.After(*s.LastSeen)) {
			s.LastSeen = at
		}
	}

	senders := make([]Sender, 0, len(byEmail))
	for _, s := range byEmail {
		s.Frequency = FrequencyOf(s.Count, browseLookbackDays)
		senders = append(senders, *s)
	}
	sort.Slice(senders, func(i, j int) bool {
		if senders[i].Count != senders[j].Count {
			return senders[i].Count > senders[j].Count
		}
		return senders[i].Email < senders[j].Email
	})

	c.classify(ctx, src.ID, senders)
	return senders, nil
}

// FrequencyOf は days 日間の件数から送信頻度を判定する。
// 週5通以上は daily、週1通以上は weekly、それ未満は occasional。
func FrequencyOf(count, days int) Frequency {
	if days <= 0 {
		return FrequencyOccasional
	}
	perWeek := float64(count) * 7 / float64(days)
	switch {
	case perWeek >= 5:
		return FrequencyDaily
	case perWeek >= 1:
		return FrequencyWeekly
	default:
		return FrequencyOccasional
	}
}

const classifySystemPrompt = `You classify email senders. For each sender reply with one of: newsletter, marketing, transactional, personal.
Respond with a JSON object mapping each sender email address to its category and nothing else.`

// classify はテキスト生成サービスで送信者を分類する。失敗時は全て newsletter とする。
func (c *Connector) classify(ctx context.Context, sourceID string, senders []Sender) {
	for i := range senders {
		senders[i].Category = CategoryNewsletter
	}
	if len(senders) == 0 || c.generator == nil {
		return
	}

	var b strings.Builder
	for _, s := range senders {
		fmt.Fprintf(&b, "- %s <%s> (%d messages in %d days)\n", s.Name, s.Email, s.Count, browseLookbackDays)
	}

	text, err := c.generator.Generate(ctx, b.String(), textgen.Options{SystemPrompt: classifySystemPrompt, MaxTokens: classifyMaxTokens})
	if err != nil {
		c.logger.Warn("送信者の分類に失敗したため、ニュースレターとして扱います",
			slog.String("source_id", sourceID),
			slog.String("error", err.Error()),
		)
		return
	}

	var categories map[string]string
	if err := json.Unmarshal([]byte(textgen.ExtractJSON(text)), &categories); err != nil {
		c.logger.Warn("送信者の分類結果が不正なJSONのため、ニュースレターとして扱います",
			slog.String("source_id", sourceID),
		)
		return
	}
	lowered := make(map[string]string, len(categories))
	for k, v := range categories {
		lowered[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
	}
	for i := range senders {
		switch cat := SenderCategory(lowered[senders[i].Email]); cat {
		case CategoryNewsletter, CategoryMarketing, CategoryTransactional, CategoryPersonal:
			senders[i].Category = cat
		}
	}
}

const translateSystemPrompt = `You translate a user's request into a single Gmail search query using Gmail search operators (from:, subject:, newer_than:, label:, has:, OR, -).
Reply with the query only, without quotes or explanation.`

// SearchByIntent は自然言語の意図をGmail検索クエリに変換して実行する。
// 変換に失敗した場合はクエリを推測せず *TranslationError を返す。
func (c *Connector) SearchByIntent(ctx context.Context, src *model.PrivateSource, intent string) (*SearchResult, error) {
	intent = strings.TrimSpace(intent)
	if intent == "" {
		return nil, &TranslationError{Err: errors.New("search intent is empty")}
	}
	if c.generator == nil {
		return nil, &TranslationError{Err: textgen.ErrNotConfigured}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	text, err := c.generator.Generate(ctx, intent, textgen.Options{SystemPrompt: translateSystemPrompt, MaxTokens: translateMaxTokens})
	if err != nil {
		return nil, &TranslationError{Err: err}
	}
	query := cleanQuery(text)
	if query == "" {
		return nil, &TranslationError{Err: errors.New("text generation returned an empty query")}
	}

	tok, _, err := c.accessToken(ctx, src)
	if err != nil {
		return nil, err
	}
	limit := gmailConfig(src.Config).MaxMessages
	if limit <= 0 {
		limit = model.DefaultSourceConfig(model.SourceTypeGmail).Gmail.MaxMessages
	}
	refs, err := c.listMessages(ctx, tok, query, limit)
	if err != nil {
		return nil, connector.Classify("gmail search", err)
	}

	items := make([]connector.Item, 0, len(refs))
	for _, ref := range refs {
		msg, err := c.message(ctx, tok, ref.ID)
		if err != nil {
			return nil, connector.Classify("gmail get message", err)
		}
		items = append(items, c.messageItem(msg))
	}
	return &SearchResult{Query: query, Items: items}, nil
}

func cleanQuery(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if nl := strings.IndexByte(text, '\n'); nl >= 0 {
			text = text[nl+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	if line, _, ok := strings.Cut(strings.TrimSpace(text), "\n"); ok {
		text = line
	}
	return strings.Trim(strings.TrimSpace(text), "`\"'")
}

package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/morningpaper/internal/connector"
	"golang.org/x/oauth2"
)

const (
	maxPageSize  = 100
	maxErrorBody = 512
	messagesPath = "/gmail/v1/users/me/messages"
	profilePath  = "/gmail/v1/users/me/profile"
)

type profileResponse struct {
	EmailAddress  string `json:"emailAddress"`
	MessagesTotal int    `json:"messagesTotal"`
}

type messageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

type messageList struct {
	Messages      []messageRef `json:"messages"`
	NextPageToken string       `json:"nextPageToken"`
}

type messageHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type message struct {
	ID           string `json:"id"`
	ThreadID     string `json:"threadId"`
	Snippet      string `json:"snippet"`
	InternalDate string `json:"internalDate"`
	Payload      struct {
		Headers []messageHeader `json:"headers"`
	} `json:"payload"`
}

// header は名前が一致する最初のヘッダー値を返す。大文字小文字は区別しない。
func (m *message) header(name string) string {
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// receivedAt は internalDate（Unixミリ秒）、無ければ Date ヘッダーから受信日時を返す。
func (m *message) receivedAt() *time.Time {
	if ms, err := strconv.ParseInt(m.InternalDate, 10, 64); err == nil && ms > 0 {
		t := time.UnixMilli(ms).UTC()
		return &t
	}
	if t, err := mail.ParseDate(m.header("Date")); err == nil {
		t = t.UTC()
		return &t
	}
	return nil
}

// parseFrom は From ヘッダーから表示名と小文字のアドレスを取り出す。
func parseFrom(raw string) (name, address string) {
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		raw = strings.TrimSpace(raw)
		if i := strings.LastIndexByte(raw, '<'); i >= 0 && strings.HasSuffix(raw, ">") {
			return strings.Trim(strings.TrimSpace(raw[:i]), `"`), strings.ToLower(raw[i+1 : len(raw)-1])
		}
		return "", strings.ToLower(raw)
	}
	name = addr.Name
	if name == "" {
		name = addr.Address
	}
	return name, strings.ToLower(addr.Address)
}

func (c *Connector) profile(ctx context.Context, tok *oauth2.Token) (*profileResponse, error) {
	var p profileResponse
	if err := c.get(ctx, tok, profilePath, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// listMessages は検索クエリに一致するメッセージを新しい順に最大 limit 件返す。
func (c *Connector) listMessages(ctx context.Context, tok *oauth2.Token, query string, limit int) ([]messageRef, error) {
	var refs []messageRef
	pageToken := ""
	for len(refs) < limit {
		size := limit - len(refs)
		if size > maxPageSize {
			size = maxPageSize
		}
		params := url.Values{"maxResults": {strconv.Itoa(size)}}
		if query != "" {
			params.Set("q", query)
		}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var page messageList
		if err := c.get(ctx, tok, messagesPath, params, &page); err != nil {
			return nil, err
		}
		refs = append(refs, page.Messages...)
		if page.NextPageToken == "" || len(page.Messages) == 0 {
			break
		}
		pageToken = page.NextPageToken
	}
	if len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

// message はメッセージのメタデータ（From, Subject, Date）を取得する。
func (c *Connector) message(ctx context.Context, tok *oauth2.Token, id string) (*message, error) {
	params := url.Values{
		"format":          {"metadata"},
		"metadataHeaders": {"From", "Subject", "Date"},
	}
	var m message
	if err := c.get(ctx, tok, messagesPath+"/"+url.PathEscape(id), params, &m); err != nil {
		return nil, err
	}
	if m.ID == "" {
		m.ID = id
	}
	return &m, nil
}

func (c *Connector) get(ctx context.Context, tok *oauth2.Token, path string, params url.Values, out any) error {
	endpoint := c.cfg.APIBaseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create gmail request: %w", err)
	}
	tok.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gmail request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &connector.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode gmail response: %w", err)
	}
	return nil
}

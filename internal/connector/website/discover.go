package website

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// maxDiscoveredLinks は1ページから収集するリンクの上限。
const maxDiscoveredLinks = 500

// DiscoverLinks はページ内の同一ホストへのリンクを収集する。
// パターン推定の allDiscoveredUrls として使用される。
func (c *Connector) DiscoverLinks(ctx context.Context, rawURL string) ([]string, error) {
	target, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	page, err := c.guard.Fetch(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", target, err)
	}
	base, err := url.Parse(page.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid page url: %w", err)
	}
	return ExtractLinks(page.Body, base), nil
}

// ExtractLinks はHTMLから base と同一ホストのアンカーリンクを抽出する。
// フラグメントを除去し、重複は出現順で1件にまとめる。
func ExtractLinks(body []byte, base *url.URL) []string {
	links := []string{}
	seen := make(map[string]bool)
	host := strings.TrimPrefix(strings.ToLower(base.Hostname()), "www.")

	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return links

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			if string(tn) != "a" || !hasAttr {
				continue
			}

			var href string
			for {
				key, val, more := tokenizer.TagAttr()
				if strings.EqualFold(string(key), "href") {
					href = string(val)
				}
				if !more {
					break
				}
			}

			link := resolveLink(base, href)
			if link == "" {
				continue
			}
			u, err := url.Parse(link)
			if err != nil || strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.") != host {
				continue
			}
			if u.Path == "" || u.Path == "/" {
				continue
			}
			if seen[link] {
				continue
			}
			seen[link] = true
			links = append(links, link)
			if len(links) >= maxDiscoveredLinks {
				return links
			}
		}
	}
}

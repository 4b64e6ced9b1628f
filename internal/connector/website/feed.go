package website

import (
	"context"
	"strings"

	"github.com/hitoshi/morningpaper/internal/connector"
	"github.com/mmcdole/gofeed"
)

// fetchFeed はRSS/Atomフィードから記事を取得する。
// feedUrl が設定されたソースではスクレイピングの代わりにこちらを使う。
func (c *Connector) fetchFeed(ctx context.Context, feedURL string) ([]connector.Item, error) {
	page, err := c.guard.Fetch(ctx, feedURL)
	if err != nil {
		return nil, connector.Classify("fetch feed "+feedURL, err)
	}

	parsed, err := gofeed.NewParser().ParseString(string(page.Body))
	if err != nil {
		return nil, &connector.FetchError{Kind: connector.KindMalformed, Op: "parse feed " + feedURL, Err: err}
	}

	items := make([]connector.Item, 0, len(parsed.Items))
	seen := make(map[string]bool, len(parsed.Items))
	for _, entry := range parsed.Items {
		if entry == nil {
			continue
		}
		link := entry.Link
		if link == "" && (strings.HasPrefix(entry.GUID, "http://") || strings.HasPrefix(entry.GUID, "https://")) {
			link = entry.GUID
		}
		if link == "" || seen[link] {
			continue
		}
		seen[link] = true

		it := connector.Item{
			URL:        link,
			Title:      c.cleaner.Clean(entry.Title),
			ExternalID: entry.GUID,
		}
		if it.Title == "" {
			it.Title = link
		}
		if it.ExternalID == "" {
			it.ExternalID = link
		}
		if entry.Author != nil {
			it.Author = c.cleaner.Clean(entry.Author.Name)
		}
		if it.Author == "" && len(entry.Authors) > 0 && entry.Authors[0] != nil {
			it.Author = c.cleaner.Clean(entry.Authors[0].Name)
		}
		if entry.PublishedParsed != nil {
			t := entry.PublishedParsed.UTC()
			it.PublishedAt = &t
		} else if entry.UpdatedParsed != nil {
			t := entry.UpdatedParsed.UTC()
			it.PublishedAt = &t
		}
		items = append(items, it)
	}
	return items, nil
}

// Package gnews collects news articles for a keyword from the Google News
// search RSS feed.
package gnews

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed/rss"

	"hoaxwatch/internal/domain"
)

const Platform = "google"

// Config holds Google News source configuration.
type Config struct {
	BaseURL        string
	Language       string
	Country        string
	Period         string
	MaxResults     int
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Source implements service.Collector for Google News.
type Source struct {
	httpClient     *http.Client
	parser         *rss.Parser
	baseURL        string
	language       string
	country        string
	period         string
	maxResults     int
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Source {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Source{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		parser:         &rss.Parser{},
		baseURL:        cfg.BaseURL,
		language:       cfg.Language,
		country:        cfg.Country,
		period:         cfg.Period,
		maxResults:     cfg.MaxResults,
		maxAttempts:    attempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		logger:         logger.With("source", Platform),
	}
}

func (s *Source) Platform() string {
	return Platform
}

// Fetch returns at most MaxResults items for keyword in feed order.
func (s *Source) Fetch(ctx context.Context, keyword string) ([]domain.RawItem, error) {
	feedURL := s.searchURL(keyword)

	var (
		feed *rss.Feed
		err  error
	)
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		feed, err = s.doRequest(ctx, feedURL)
		if err == nil {
			break
		}

		if attempt == s.maxAttempts {
			return nil, fmt.Errorf("after %d attempts: %w", s.maxAttempts, err)
		}

		backoff := s.calculateBackoff(attempt)
		s.logger.Warn("request failed, retrying",
			"keyword", keyword,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	items := s.transform(keyword, feed)
	s.logger.Debug("fetched feed", "keyword", keyword, "entries", len(feed.Items), "items", len(items))
	return items, nil
}

func (s *Source) searchURL(keyword string) string {
	q := keyword
	if s.period != "" {
		q += " when:" + s.period
	}
	params := url.Values{}
	params.Set("q", q)
	params.Set("hl", s.language)
	params.Set("gl", s.country)
	params.Set("ceid", s.country+":"+s.language)
	return s.baseURL + "?" + params.Encode()
}

func (s *Source) doRequest(ctx context.Context, feedURL string) (*rss.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/rss+xml, application/xml")
	req.Header.Set("User-Agent", "hoaxwatch/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	feed, err := s.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

func (s *Source) calculateBackoff(attempt int) time.Duration {
	backoff := s.initialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if backoff > s.maxBackoff {
		backoff = s.maxBackoff
	}
	return backoff
}

func (s *Source) transform(keyword string, feed *rss.Feed) []domain.RawItem {
	items := make([]domain.RawItem, 0, len(feed.Items))

	for _, entry := range feed.Items {
		if s.maxResults > 0 && len(items) >= s.maxResults {
			break
		}

		item := domain.RawItem{
			Platform: Platform,
			Keyword:  keyword,
			Content:  joinContent(entry.Title, stripHTML(entry.Description)),
			URL:      strings.TrimSpace(entry.Link),
		}

		switch {
		case entry.Author != "":
			author := entry.Author
			item.Author = &author
		case entry.Source != nil && entry.Source.Title != "":
			author := entry.Source.Title
			item.Author = &author
		}

		if entry.PubDateParsed != nil {
			published := entry.PubDateParsed.UTC()
			item.CreatedAt = &published
		}

		items = append(items, item)
	}

	return items
}

func joinContent(title, description string) string {
	title = strings.TrimSpace(title)
	if description == "" || description == title {
		return title
	}
	return strings.TrimSpace(title + "\n\n" + description)
}

// stripHTML reduces an HTML fragment to its whitespace-normalized text.
func stripHTML(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

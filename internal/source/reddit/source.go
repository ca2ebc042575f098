// Package reddit collects submissions matching a keyword from Reddit search.
package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"hoaxwatch/internal/domain"
)

const (
	Platform = "reddit"

	permalinkBase       = "https://www.reddit.com"
	defaultOAuthBaseURL = "https://oauth.reddit.com"
	userAgent           = "hoaxwatch/1.0"
)

type Config struct {
	BaseURL      string
	OAuthBaseURL string
	TokenURL     string
	ClientID     string
	ClientSecret string
	MaxResults   int
	Timeout      time.Duration

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Source implements service.Collector for Reddit. With client credentials it
// searches through the OAuth API, otherwise through the public JSON endpoint.
type Source struct {
	client       *http.Client
	baseURL      string
	oauthBaseURL string
	tokenURL     string
	clientID     string
	clientSecret string
	maxResults   int
	logger       *slog.Logger

	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(cfg Config, logger *slog.Logger) *Source {
	s := &Source{
		client:       &http.Client{Timeout: cfg.Timeout},
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		oauthBaseURL: strings.TrimSuffix(cfg.OAuthBaseURL, "/"),
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		maxResults:   cfg.MaxResults,
		logger:       logger.With("source", Platform),

		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
	}
	if s.maxAttempts < 1 {
		s.maxAttempts = 1
	}
	if s.oauthBaseURL == "" {
		s.oauthBaseURL = defaultOAuthBaseURL
	}
	if s.tokenURL == "" {
		s.tokenURL = s.baseURL + "/api/v1/access_token"
	}
	if s.maxResults <= 0 || s.maxResults > 100 {
		s.maxResults = 100
	}
	return s
}

func (s *Source) Platform() string {
	return Platform
}

func (s *Source) authenticated() bool {
	return s.clientID != "" && s.clientSecret != ""
}

// statusError is a non-200 search response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d", e.code)
}

// retryable reports whether another attempt may succeed: transport errors,
// rate limiting and server errors.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= http.StatusInternalServerError
	}
	return true
}

// Fetch returns the newest submissions for keyword in listing order.
func (s *Source) Fetch(ctx context.Context, keyword string) ([]domain.RawItem, error) {
	base := s.baseURL
	var bearer string
	if s.authenticated() {
		token, err := s.authenticate(ctx)
		if err != nil {
			return nil, fmt.Errorf("reddit auth: %w", err)
		}
		base = s.oauthBaseURL
		bearer = token
	}

	params := url.Values{}
	params.Set("q", keyword)
	params.Set("sort", "new")
	params.Set("limit", strconv.Itoa(s.maxResults))
	params.Set("restrict_sr", "false")
	params.Set("raw_json", "1")
	searchURL := base + "/search.json?" + params.Encode()

	var (
		l   *listing
		err error
	)
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		l, err = s.doRequest(ctx, searchURL, bearer)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) {
			return nil, fmt.Errorf("search %q: %w", keyword, err)
		}
		if attempt == s.maxAttempts {
			return nil, fmt.Errorf("search %q after %d attempts: %w", keyword, s.maxAttempts, err)
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

	items := s.transform(keyword, l)
	s.logger.Debug("fetched search results", "keyword", keyword, "items", len(items))
	return items, nil
}

func (s *Source) doRequest(ctx context.Context, searchURL, bearer string) (*listing, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode}
	}

	var l listing
	if err := json.NewDecoder(resp.Body).Decode(&l); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &l, nil
}

func (s *Source) calculateBackoff(attempt int) time.Duration {
	backoff := s.initialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if s.maxBackoff > 0 && backoff > s.maxBackoff {
		backoff = s.maxBackoff
	}
	return backoff
}

func (s *Source) transform(keyword string, l *listing) []domain.RawItem {
	items := make([]domain.RawItem, 0, len(l.Data.Children))
	for _, child := range l.Data.Children {
		post := child.Data
		if post.Stickied || post.Permalink == "" {
			continue
		}

		item := domain.RawItem{
			Platform: Platform,
			Keyword:  keyword,
			Content:  strings.TrimSpace(post.Title + "\n\n" + post.Selftext),
			URL:      permalinkBase + post.Permalink,
		}
		if post.Author != "" && post.Author != "[deleted]" {
			author := post.Author
			item.Author = &author
		}
		if post.CreatedUTC > 0 {
			created := time.Unix(int64(post.CreatedUTC), 0).UTC()
			item.CreatedAt = &created
		}
		items = append(items, item)
	}
	return items
}

func (s *Source) authenticate(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.tokenExpiry) {
		return s.token, nil
	}

	data := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.SetBasicAuth(s.clientID, s.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token status %d", resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("empty access token")
	}

	s.token = tokenResp.AccessToken
	s.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn-60) * time.Second)
	return s.token, nil
}

type listing struct {
	Data struct {
		Children []struct {
			Data post `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type post struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Selftext   string  `json:"selftext"`
	Permalink  string  `json:"permalink"`
	Author     string  `json:"author"`
	CreatedUTC float64 `json:"created_utc"`
	Stickied   bool    `json:"stickied"`
}

// Package factcheck looks up published fact checks for a text through the
// Google Fact Check Tools claim search API.
package factcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	factchecktools "google.golang.org/api/factchecktools/v1alpha1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"hoaxwatch/internal/domain"
)

var ErrQuotaExceeded = errors.New("fact check quota exceeded")

type (
	claim       = factchecktools.GoogleFactcheckingFactchecktoolsV1alpha1Claim
	claimReview = factchecktools.GoogleFactcheckingFactchecktoolsV1alpha1ClaimReview
)

type Config struct {
	APIKey            string
	Endpoint          string
	LanguageCode      string
	MaxAgeDays        int64
	PageSize          int64
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

type Client struct {
	svc        *factchecktools.Service
	language   string
	maxAgeDays int64
	pageSize   int64
	timeout    time.Duration
	limiter    *RateLimiter
	logger     *slog.Logger
}

func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("fact check api key is required")
	}

	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.HasSuffix(endpoint, "/") {
			endpoint += "/"
		}
		opts = append(opts, option.WithEndpoint(endpoint))
	}

	svc, err := factchecktools.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create factchecktools service: %w", err)
	}

	return &Client{
		svc:        svc,
		language:   cfg.LanguageCode,
		maxAgeDays: cfg.MaxAgeDays,
		pageSize:   cfg.PageSize,
		timeout:    cfg.Timeout,
		limiter:    NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		logger:     logger.With("component", "factcheck"),
	}, nil
}

// Lookup returns the best matching fact check for text, or nil when the
// search finds no claim with a complete review.
func (c *Client) Lookup(ctx context.Context, text string) (*domain.FactCheck, error) {
	query := BuildQuery(text)
	if query == "" {
		return nil, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for quota: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	call := c.svc.Claims.Search().Query(query).Context(ctx)
	if c.language != "" {
		call = call.LanguageCode(c.language)
	}
	if c.maxAgeDays > 0 {
		call = call.MaxAgeDays(c.maxAgeDays)
	}
	if c.pageSize > 0 {
		call = call.PageSize(c.pageSize)
	}

	resp, err := call.Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusTooManyRequests {
			c.limiter.RecordRateLimitError(retryAfter(gerr.Header))
			return nil, fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		}
		return nil, fmt.Errorf("search claims %q: %w", query, err)
	}

	fc := SelectBest(resp.Claims)
	c.logger.Debug("claim search finished", "query", query, "claims", len(resp.Claims), "matched", fc != nil)
	return fc, nil
}

// SelectBest picks one review from claims in API relevance order: the first
// claim holding a complete review wins, and within it the most recent
// reviewDate. Equal or unparseable dates keep API order.
func SelectBest(claims []*claim) *domain.FactCheck {
	for _, cl := range claims {
		if cl == nil {
			continue
		}

		var (
			best     *domain.FactCheck
			bestDate time.Time
		)
		for _, r := range cl.ClaimReview {
			fc := toFactCheck(r)
			if fc == nil {
				continue
			}
			date := parseReviewDate(r.ReviewDate)
			if best == nil || date.After(bestDate) {
				best, bestDate = fc, date
			}
		}
		if best != nil {
			return best
		}
	}
	return nil
}

func toFactCheck(r *claimReview) *domain.FactCheck {
	if r == nil {
		return nil
	}
	fc := &domain.FactCheck{
		URL:    strings.TrimSpace(r.Url),
		Rating: strings.TrimSpace(r.TextualRating),
	}
	if r.Publisher != nil {
		fc.Publisher = strings.TrimSpace(r.Publisher.Name)
		if fc.Publisher == "" {
			fc.Publisher = strings.TrimSpace(r.Publisher.Site)
		}
	}
	if !fc.Complete() {
		return nil
	}
	return fc
}

func parseReviewDate(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Package classifier labels text as hoax or not_hoax through a hosted
// inference endpoint.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hoaxwatch/internal/domain"
)

const (
	ModeZeroShot           = "zero-shot"
	ModeTextClassification = "text-classification"

	probeText = "Pemerintah mengumumkan jadwal vaksinasi nasional."
)

var ErrEmptyInput = errors.New("empty input text")

type Config struct {
	URL           string
	APIKey        string
	Mode          string
	HoaxLabel     string
	NotHoaxLabel  string
	HoaxThreshold float64
	MaxInputChars int
	Timeout       time.Duration
}

// Client talks to an inference endpoint speaking the Hugging Face
// zero-shot or text-classification payload format.
type Client struct {
	endpoint      string
	apiKey        string
	mode          string
	candidates    []string
	labels        map[string]domain.Label
	hoaxThreshold float64
	maxInputChars int
	http          *http.Client
}

func New(cfg Config) *Client {
	hoax, notHoax := cfg.HoaxLabel, cfg.NotHoaxLabel
	if hoax == "" {
		hoax = "hoaks"
	}
	if notHoax == "" {
		notHoax = "fakta"
	}

	labels := map[string]domain.Label{
		"hoaks":    domain.LabelHoax,
		"hoax":     domain.LabelHoax,
		"label_1":  domain.LabelHoax,
		"fakta":    domain.LabelNotHoax,
		"not_hoax": domain.LabelNotHoax,
		"label_0":  domain.LabelNotHoax,
	}
	labels[strings.ToLower(hoax)] = domain.LabelHoax
	labels[strings.ToLower(notHoax)] = domain.LabelNotHoax

	mode := cfg.Mode
	if mode == "" {
		mode = ModeZeroShot
	}

	return &Client{
		endpoint:      cfg.URL,
		apiKey:        cfg.APIKey,
		mode:          mode,
		candidates:    []string{hoax, notHoax},
		labels:        labels,
		hoaxThreshold: cfg.HoaxThreshold,
		maxInputChars: cfg.MaxInputChars,
		http:          &http.Client{Timeout: cfg.Timeout},
	}
}

// Ready classifies a fixed probe sentence to confirm the endpoint and model
// are usable before a run starts.
func (c *Client) Ready(ctx context.Context) error {
	if _, err := c.Classify(ctx, probeText); err != nil {
		return fmt.Errorf("probe classifier: %w", err)
	}
	return nil
}

// Classify returns the argmax label and its score. Ties go to the class
// listed first in the response.
func (c *Client) Classify(ctx context.Context, text string) (domain.Classification, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Classification{}, ErrEmptyInput
	}
	text = truncate(text, c.maxInputChars)

	var (
		cls domain.Classification
		err error
	)
	switch c.mode {
	case ModeZeroShot:
		cls, err = c.zeroShot(ctx, text)
	case ModeTextClassification:
		cls, err = c.textClassification(ctx, text)
	default:
		return domain.Classification{}, fmt.Errorf("unknown classifier mode %q", c.mode)
	}
	if err != nil {
		return domain.Classification{}, err
	}

	if err := cls.Validate(); err != nil {
		return domain.Classification{}, fmt.Errorf("invalid classifier output: %w", err)
	}
	return cls, nil
}

type prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

func (c *Client) zeroShot(ctx context.Context, text string) (domain.Classification, error) {
	payload := map[string]any{
		"inputs": text,
		"parameters": map[string]any{
			"candidate_labels": c.candidates,
		},
	}

	var resp struct {
		Labels []string  `json:"labels"`
		Scores []float64 `json:"scores"`
	}
	if err := c.post(ctx, payload, &resp); err != nil {
		return domain.Classification{}, err
	}
	if len(resp.Labels) == 0 || len(resp.Labels) != len(resp.Scores) {
		return domain.Classification{}, fmt.Errorf("malformed zero-shot response: %d labels, %d scores",
			len(resp.Labels), len(resp.Scores))
	}

	preds := make([]prediction, len(resp.Labels))
	for i := range resp.Labels {
		preds[i] = prediction{Label: resp.Labels[i], Score: resp.Scores[i]}
	}

	best := argmax(preds)
	label, err := c.mapLabel(best.Label)
	if err != nil {
		return domain.Classification{}, err
	}
	return domain.Classification{Label: label, Score: best.Score}, nil
}

func (c *Client) textClassification(ctx context.Context, text string) (domain.Classification, error) {
	var raw json.RawMessage
	if err := c.post(ctx, map[string]any{"inputs": text}, &raw); err != nil {
		return domain.Classification{}, err
	}

	preds, err := decodePredictions(raw)
	if err != nil {
		return domain.Classification{}, err
	}

	best := argmax(preds)
	label, err := c.mapLabel(best.Label)
	if err != nil {
		return domain.Classification{}, err
	}
	if label == domain.LabelHoax && best.Score < c.hoaxThreshold {
		label = domain.LabelNotHoax
	}
	return domain.Classification{Label: label, Score: best.Score}, nil
}

// decodePredictions accepts both [[{label,score}...]] and [{label,score}...].
func decodePredictions(raw json.RawMessage) ([]prediction, error) {
	var nested [][]prediction
	if err := json.Unmarshal(raw, &nested); err == nil && len(nested) > 0 && len(nested[0]) > 0 {
		return nested[0], nil
	}

	var flat []prediction
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("decode predictions: %w", err)
	}
	if len(flat) == 0 {
		return nil, fmt.Errorf("empty predictions")
	}
	return flat, nil
}

func argmax(preds []prediction) prediction {
	best := preds[0]
	for _, p := range preds[1:] {
		if p.Score > best.Score {
			best = p
		}
	}
	return best
}

func (c *Client) mapLabel(raw string) (domain.Label, error) {
	label, ok := c.labels[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", fmt.Errorf("unknown model label %q", raw)
	}
	return label, nil
}

func (c *Client) post(ctx context.Context, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

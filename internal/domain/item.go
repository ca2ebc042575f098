package domain

import (
	"fmt"
	"math"
	"time"
)

// Label is the classifier verdict persisted with every record.
type Label string

const (
	LabelHoax    Label = "hoax"
	LabelNotHoax Label = "not_hoax"
)

// Valid reports whether l is one of the persisted labels.
func (l Label) Valid() bool {
	return l == LabelHoax || l == LabelNotHoax
}

// RawItem is a candidate item returned by a collector for one keyword.
type RawItem struct {
	Platform  string
	Keyword   string
	Content   string
	URL       string
	Author    *string
	CreatedAt *time.Time
}

type Classification struct {
	Label Label
	Score float64
}

// Validate rejects labels outside {hoax, not_hoax} and scores outside [0,1].
func (c Classification) Validate() error {
	if !c.Label.Valid() {
		return fmt.Errorf("invalid label %q", c.Label)
	}
	if math.IsNaN(c.Score) || c.Score < 0 || c.Score > 1 {
		return fmt.Errorf("score %v out of range [0,1]", c.Score)
	}
	return nil
}

// FactCheck is the single claim review selected for an item.
type FactCheck struct {
	URL       string `json:"url"`
	Rating    string `json:"rating"`
	Publisher string `json:"publisher"`
}

// Complete reports whether every fact-check field is set.
func (f *FactCheck) Complete() bool {
	return f != nil && f.URL != "" && f.Rating != "" && f.Publisher != ""
}

// Record is the persisted form of a classified (and optionally verified) item.
type Record struct {
	ID         int64      `json:"id"`
	Platform   string     `json:"platform"`
	Keyword    string     `json:"keyword"`
	Content    string     `json:"content"`
	URL        string     `json:"url"`
	Author     *string    `json:"author,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
	Label      Label      `json:"predicted_label"`
	Score      float64    `json:"prediction_score"`
	FactCheck  *FactCheck `json:"fact_check,omitempty"`
	InsertedAt time.Time  `json:"inserted_at"`
}

// NewRecord builds a record from a raw item and its classification. An
// incomplete fact check is dropped so the stored fields are all-or-none.
func NewRecord(raw RawItem, cls Classification, fc *FactCheck) Record {
	rec := Record{
		Platform:  raw.Platform,
		Keyword:   raw.Keyword,
		Content:   raw.Content,
		URL:       raw.URL,
		Author:    raw.Author,
		CreatedAt: raw.CreatedAt,
		Label:     cls.Label,
		Score:     cls.Score,
	}
	if fc.Complete() {
		check := *fc
		rec.FactCheck = &check
	}
	return rec
}

// RecordFilter selects records for the dashboard read contract. Empty slices
// and zero times mean "no restriction".
type RecordFilter struct {
	Platforms []string
	Keywords  []string
	Labels    []Label
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

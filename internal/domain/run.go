package domain

import "time"

type RunState string

const (
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Stage is one phase of the pipeline.
type Stage string

const (
	StageInit      Stage = "init"
	StageCollect   Stage = "collect"
	StageClassify  Stage = "classify"
	StageFactCheck Stage = "fact_check"
	StageStore     Stage = "store"
	StagePublish   Stage = "publish"
)

// StageCounts holds per-stage failure counters.
type StageCounts struct {
	Collect   int `json:"collect"`
	Classify  int `json:"classify"`
	FactCheck int `json:"fact_check"`
	Store     int `json:"store"`
	Publish   int `json:"publish"`
}

// Total sums the counters.
func (c StageCounts) Total() int {
	return c.Collect + c.Classify + c.FactCheck + c.Store + c.Publish
}

// Failure is one per-keyword or per-item error captured during a run.
type Failure struct {
	Stage    Stage  `json:"stage" db:"stage"`
	Keyword  string `json:"keyword" db:"keyword"`
	Platform string `json:"platform" db:"platform"`
	URL      string `json:"url,omitempty" db:"url"`
	Reason   string `json:"reason" db:"reason"`
}

// RunStats is the summary returned at the end of a pipeline run.
type RunStats struct {
	ID              string      `json:"id"`
	Trigger         string      `json:"trigger"`
	StartedAt       time.Time   `json:"started_at"`
	FinishedAt      time.Time   `json:"finished_at"`
	State           RunState    `json:"state"`
	Collected       int         `json:"collected"`
	Duplicates      int         `json:"duplicates"`
	Classified      int         `json:"classified"`
	Hoaxes          int         `json:"hoaxes"`
	Verified        int         `json:"verified"`
	FactCheckMisses int         `json:"fact_check_misses"`
	Stored          int         `json:"stored"`
	Published       int         `json:"published"`
	Failed          StageCounts `json:"failed"`
	Failures        []Failure   `json:"failures,omitempty"`
	Error           string      `json:"error,omitempty"`
}

// Duration is the wall time of a finished run.
func (s *RunStats) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// RunSummary is a persisted run row as listed by the run history.
type RunSummary struct {
	ID         string    `db:"id" json:"id"`
	Trigger    string    `db:"trigger_name" json:"trigger"`
	State      RunState  `db:"state" json:"state"`
	StartedAt  time.Time `db:"started_at" json:"started_at"`
	FinishedAt time.Time `db:"finished_at" json:"finished_at"`
	Collected  int       `db:"collected" json:"collected"`
	Duplicates int       `db:"duplicates" json:"duplicates"`
	Classified int       `db:"classified" json:"classified"`
	Verified   int       `db:"verified" json:"verified"`
	Stored     int       `db:"stored" json:"stored"`
	Failed     int       `db:"failed" json:"failed"`
	Error      string    `db:"error" json:"error,omitempty"`
}

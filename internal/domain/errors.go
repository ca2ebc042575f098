package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSourceUnavailable    = errors.New("source unavailable")
	ErrClassification       = errors.New("classification error")
	ErrFactCheckUnavailable = errors.New("fact check unavailable")
	ErrStorage              = errors.New("storage error")
	ErrInitialization       = errors.New("initialization error")
	ErrPublish              = errors.New("publish error")

	// ErrRunInProgress is returned by the scheduler when a trigger is dropped.
	ErrRunInProgress = errors.New("run already in progress")
)

// StageError attaches pipeline context to a per-keyword or per-item error.
type StageError struct {
	Stage    Stage
	Keyword  string
	Platform string
	URL      string
	Err      error
}

func (e *StageError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s %s: %v", e.Stage, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s/%q: %v", e.Stage, e.Platform, e.Keyword, e.Err)
}

// Unwrap exposes both the taxonomy sentinel for the stage and the cause.
func (e *StageError) Unwrap() []error {
	return []error{KindOf(e.Stage), e.Err}
}

// Failure converts the error into its recorded form.
func (e *StageError) Failure() Failure {
	return Failure{
		Stage:    e.Stage,
		Keyword:  e.Keyword,
		Platform: e.Platform,
		URL:      e.URL,
		Reason:   e.Err.Error(),
	}
}

// KindOf maps a stage to its error sentinel.
func KindOf(stage Stage) error {
	switch stage {
	case StageCollect:
		return ErrSourceUnavailable
	case StageClassify:
		return ErrClassification
	case StageFactCheck:
		return ErrFactCheckUnavailable
	case StageStore:
		return ErrStorage
	case StagePublish:
		return ErrPublish
	default:
		return ErrInitialization
	}
}

package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"hoaxwatch/internal/domain"
)

// Collector fetches raw candidate items for one keyword from one platform.
type Collector interface {
	Platform() string
	Fetch(ctx context.Context, keyword string) ([]domain.RawItem, error)
}

type Classifier interface {
	Ready(ctx context.Context) error
	Classify(ctx context.Context, text string) (domain.Classification, error)
}

// FactChecker returns nil, nil when no published review matches.
type FactChecker interface {
	Lookup(ctx context.Context, text string) (*domain.FactCheck, error)
}

type ItemStore interface {
	Exists(ctx context.Context, url string) (bool, error)
	Insert(ctx context.Context, rec *domain.Record) (bool, error)
}

type RunRecorder interface {
	Record(ctx context.Context, stats *domain.RunStats) error
}

type Publisher interface {
	Publish(ctx context.Context, rec *domain.Record) error
	Close() error
}

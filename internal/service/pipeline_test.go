package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"hoaxwatch/internal/config"
	"hoaxwatch/internal/domain"
	"hoaxwatch/internal/service/mocks"
	"hoaxwatch/internal/storage"
)

type PipelineTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	news        *mocks.MockCollector
	reddit      *mocks.MockCollector
	classifier  *mocks.MockClassifier
	factChecker *mocks.MockFactChecker
	store       *mocks.MockItemStore
	runs        *mocks.MockRunRecorder
	publisher   *mocks.MockPublisher

	cfg    config.PipelineConfig
	logger *slog.Logger
}

func (s *PipelineTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())

	s.news = mocks.NewMockCollector(s.ctrl)
	s.reddit = mocks.NewMockCollector(s.ctrl)
	s.classifier = mocks.NewMockClassifier(s.ctrl)
	s.factChecker = mocks.NewMockFactChecker(s.ctrl)
	s.store = mocks.NewMockItemStore(s.ctrl)
	s.runs = mocks.NewMockRunRecorder(s.ctrl)
	s.publisher = mocks.NewMockPublisher(s.ctrl)

	s.news.EXPECT().Platform().Return("google").AnyTimes()
	s.reddit.EXPECT().Platform().Return("reddit").AnyTimes()

	s.cfg = config.PipelineConfig{
		Keywords:    []string{"election fraud"},
		OnlyHoax:    true,
		ItemTimeout: time.Minute,
	}
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func (s *PipelineTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestPipelineTestSuite(t *testing.T) {
	suite.Run(t, new(PipelineTestSuite))
}

func (s *PipelineTestSuite) pipeline(collectors []Collector, fc FactChecker, store ItemStore, pub Publisher) *Pipeline {
	return NewPipeline(collectors, s.classifier, fc, store, nil, pub, s.logger, s.cfg)
}

func item(keyword, url, content string) domain.RawItem {
	return domain.RawItem{Platform: "google", Keyword: keyword, URL: url, Content: content}
}

func (s *PipelineTestSuite) openStore() *storage.ItemStore {
	db, err := storage.Open(context.Background(),
		"sqlite:///"+filepath.Join(s.T().TempDir(), "items.db"), s.logger)
	s.Require().NoError(err)
	s.T().Cleanup(func() { db.Close() })
	return storage.NewItemStore(db)
}

func (s *PipelineTestSuite) TestRun_ElectionFraudScenarioIsIdempotent() {
	ctx := context.Background()
	store := s.openStore()
	raw := item("election fraud", "https://example.com/a", "Ballots were switched overnight")

	s.classifier.EXPECT().Ready(gomock.Any()).Return(nil).Times(2)
	s.news.EXPECT().Fetch(gomock.Any(), "election fraud").Return([]domain.RawItem{raw}, nil).Times(2)
	s.classifier.EXPECT().Classify(gomock.Any(), raw.Content).
		Return(domain.Classification{Label: domain.LabelHoax, Score: 0.92}, nil).
		Times(1)

	p := s.pipeline([]Collector{s.news}, nil, store, nil)

	stats, err := p.Run(ctx, "once")
	s.Require().NoError(err)
	s.Equal(domain.RunCompleted, stats.State)
	s.Equal(1, stats.Collected)
	s.Equal(1, stats.Classified)
	s.Equal(1, stats.Stored)

	records, err := store.List(ctx, domain.RecordFilter{})
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.Equal("https://example.com/a", records[0].URL)
	s.Equal(domain.LabelHoax, records[0].Label)
	s.InDelta(0.92, records[0].Score, 1e-9)
	s.Nil(records[0].FactCheck)

	stats, err = p.Run(ctx, "once")
	s.Require().NoError(err)
	s.Equal(0, stats.Stored)
	s.Equal(1, stats.Duplicates)
	s.Equal(0, stats.Classified)

	again, err := store.List(ctx, domain.RecordFilter{})
	s.Require().NoError(err)
	s.Equal(records, again)
}

func (s *PipelineTestSuite) TestRun_ClassifierFailureIsIsolated() {
	ctx := context.Background()
	items := []domain.RawItem{
		item("election fraud", "https://example.com/1", "one"),
		item("election fraud", "https://example.com/2", "two"),
		item("election fraud", "https://example.com/3", "three"),
	}

	s.classifier.EXPECT().Ready(gomock.Any()).Return(nil)
	s.news.EXPECT().Fetch(gomock.Any(), "election fraud").Return(items, nil)
	s.store.EXPECT().Exists(gomock.Any(), gomock.Any()).Return(false, nil).Times(3)

	gomock.InOrder(
		s.classifier.EXPECT().Classify(gomock.Any(), "one").Return(domain.Classification{Label: domain.LabelNotHoax, Score: 0.8}, nil),
		s.classifier.EXPECT().Classify(gomock.Any(), "two").Return(domain.Classification{}, errors.New("model timeout")),
		s.classifier.EXPECT().Classify(gomock.Any(), "three").Return(domain.Classification{Label: domain.LabelHoax, Score: 0.7}, nil),
	)

	var stored []string
	s.store.EXPECT().Insert(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, rec *domain.Record) (bool, error) {
			stored = append(stored, rec.URL)
			return true, nil
		},
	).Times(2)

	stats, err := s.pipeline([]Collector{s.news}, nil, s.store, nil).Run(ctx, "once")

	s.NoError(err)
	s.Equal(domain.RunCompleted, stats.State)
	s.Equal(2, stats.Stored)
	s.Equal(1, stats.Failed.Classify)
	s.Equal(1, stats.Failed.Total())
	s.Equal([]string{"https://example.com/1", "https://example.com/3"}, stored)
	s.Require().Len(stats.Failures, 1)
	s.Equal(domain.StageClassify, stats.Failures[0].Stage)
	s.Equal("https://example.com/2", stats.Failures[0].URL)
	s.Equal("model timeout", stats.Failures[0].Reason)
}

func (s *PipelineTestSuite) TestRun_CollectorFailureSkipsOnlyThatKeyword() {
	ctx := context.Background()
	s.cfg.Keywords = []string{"vaksin", "pemilu"}

	s.classifier.EXPECT().Ready(gomock.Any()).Return(nil)
	gomock.InOrder(
		s.news.EXPECT().Fetch(gomock.Any(), "vaksin").Return(nil, errors.New("503")),
		s.reddit.EXPECT().Fetch(gomock.Any(), "vaksin").Return(nil, nil),
		s.news.EXPECT().Fetch(gomock.Any(), "pemilu").Return([]domain.RawItem{item("pemilu", "https://example.com/p", "isi")}, nil),
		s.reddit.EXPECT().Fetch(gomock.Any(), "pemilu").Return(nil, nil),
	)
	s.store.EXPECT().Exists(gomock.Any(), "https://example.com/p").Return(false, nil)
	s.classifier.EXPECT().Classify(gomock.Any(), "isi").Return(domain.Classification{Label: domain.LabelNotHoax, Score: 0.9}, nil)
	s.store.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(true, nil)

	stats, err := s.pipeline([]Collector{s.news, s.reddit}, nil, s.store, nil).Run(ctx, "once")

	s.NoError(err)
	s.Equal(domain.RunCompleted, stats.State)
	s.Equal(1, stats.Stored)
	s.Equal(1, stats.Failed.Collect)
	s.Require().Len(stats.Failures, 1)
	s.Equal("vaksin", stats.Failures[0].Keyword)
	s.Equal("google", stats.Failures[0].Platform)
}

func (s *PipelineTestSuite) TestRun_PartialFetchStillProcessesItems() {
	ctx := context.Background()

	s.classifier.EXPECT().Ready(gomock.Any()).Return(nil)
	s.news.EXPECT().Fetch(gomock.Any(), "election fraud").
		Return([]domain.RawItem{item("election fraud", "https://example.com/1", "one")}, errors.New("truncated feed"))
	s.store.EXPECT().Exists(gomock.Any(), "https://example.com/1").Return(false, nil)
	s.classifier.EXPECT().Classify(gomock.Any(), "one").Return(domain.Classification{Label: domain.LabelNotHoax, Score: 0.9}, nil)
	s.store.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(true, nil)

	stats, err := s.pipeline([]Collector{s.news}, nil, s.store, nil).Run(ctx, "once")

	s.NoError(err)
	s.Equal(1, stats.Collected)
	s.Equal(1, stats.Stored)
	s.Equal(1, stats.Failed.Collect)
}

func (s *PipelineTestSuite) TestRun_InitializationFailureAbortsBeforeCollecting() {
	ctx := context.Background()
	p := NewPipeline([]Collector{s.news}, s.classifier, nil, s.store, s.runs, nil, s.logger, s.cfg)

	s.classifier.EXPECT().Ready(gomock.Any()).Return(errors.New("model not found"))
	s.runs.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, stats *domain.RunStats) error {
			s.Equal(domain.RunFailed, stats.State)
			return nil
		},
	)

	stats, err := p.Run(ctx, "once")

	s.Error(err)
	s.ErrorIs(err, domain.ErrInitialization)
	s.Equal(domain.RunFailed, stats.State)
	s.Contains(stats.Error, "model not found")
	s.Zero(stats.Collected)
	s.False(stats.FinishedAt.IsZero())
}

func (s *PipelineTestSuite) TestRun_AllInsertsFailingEscalates() {
	ctx := context.Background()
	items := []domain.RawItem{
		item("election fraud", "https://example.com/1", "one"),
		item("election fraud", "https://example.com/2", "two"),
	}

	s.classifier.EXPECT().Ready(gomock.Any()).Return(nil)
	s.news.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(items, nil)
	s.store.EXPECT().Exists(gomock.Any(), gomock.Any()).Return(false, nil).Times(2)
	s.classifier.EXPECT().Classify(gomock.Any(), gomock.Any()).
		Return(domain.Classification{Label: domain.LabelNotHoax, Score: 0.6}, nil).Times(2)
	s.store.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(false, errors.New("database is locked")).Times(2)

	stats, err := s.pipeline([]Collector{s.news}, nil, s.store, nil).Run(ctx, "once")

	s.ErrorIs(err, domain.ErrStorage)
	s.Equal(domain.RunFailed, stats.State)
	s.Equal(2, stats.Failed.Store)
	s.Equal(2, stats.Classified)
}

func (s *PipelineTestSuite) TestRun_SomeInsertsFailingDoesNotEscalate() {
	ctx := context.Background()
	items := []domain.RawItem{
		item("election fraud", "https://example.com/1", "one"),
		item("election fraud", "https://example.com/2", "two"),
	}

	s.classifier.EXPECT().Ready(gomock.Any()).Return(nil)
	s.news.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(items, nil)
	s.store.EXPECT().Exists(gomock.Any(), gomock.Any()).Return(false, nil).Times(2)
	s.classifier.EXPECT().Classify(gomock.Any(), gomock.Any()).
		Return(domain.Classification{Label: domain.LabelNotHoax, Score: 0.6}, nil).Times(2)
	gomock.InOrder(
		s.store.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(true, nil),
		s.store.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(false, errors.New("disk full")),
	)

	stats, err := s.pipeline([]Collector{s.news}, nil, s.store, nil).Run(ctx, "once")

	s.NoError(err)
	s.Equal(domain.RunCompleted, stats.State)
	s.Equal(1, stats.Stored)
	s.Equal(1, stats.Failed.Store)
}

func (s *PipelineTestSuite) TestRun_FactCheckOnlyForHoaxes() {
	ctx := context.Background()
	items := []domain.RawItem{
		item("election fraud", "https://example.com/hoax", "hoax text"),
		item("election fraud", "https://example.com/fact", "fact text"),
		item("election fraud", "https://example.com/miss", "miss text"),
		item("election fraud", "https://example.com/down", "down text"),
	}
	check := &domain.FactCheck{URL: "https://cekfakta.com/1", Rating: "Salah", Publisher: "Mafindo"}

	s.classifier.EXPECT().Ready(gomock.Any()).Return(nil)
	s.news.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(items, nil)
	s.store.EXPECT().Exists(gomock.Any(), gomock.Any()).Return(false, nil).Times(4)
	s.classifier.EXPECT().Classify(gomock.Any(), "fact text").Return(domain.Classification{Label: domain.LabelNotHoax, Score: 0.9}, nil)
	s.classifier.EXPECT().Classify(gomock.Any(), gomock.Any()).Return(domain.Classification{Label: domain.LabelHoax, Score: 0.9}, nil).Times(3)

	s.factChecker.EXPECT().Lookup(gomock.Any(), "hoax text").Return(check, nil)
	s.factChecker.EXPECT().Lookup(gomock.Any(), "miss text").Return(nil, nil)
	s.factChecker.EXPECT().Lookup(gomock.Any(), "down text").Return(nil, errors.New("quota"))

	records := map[string]*domain.FactCheck{}
	s.store.EXPECT().Insert(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, rec *domain.Record) (bool, error) {
			records[rec.URL] = rec.FactCheck
			return true, nil
		},
	).Times(4)

	stats, err := s.pipeline([]Collector{s.news}, s.factChecker, s.store, nil).Run(ctx, "once")

	s.NoError(err)
	s.Equal(4, stats.Stored)
	s.Equal(3, stats.Hoaxes)
	s.Equal(1, stats.Verified)
	s.Equal(1, stats.FactCheckMisses)
	s.Equal(1, stats.Failed.FactCheck)
	s.Equal(check, records["https://example.com/hoax"])
	s.Nil(records["https://example.com/fact"])
	s.Nil(records["https://example.com/miss"])
	s.Nil(records["https://example.com/down"])
}

func (s *PipelineTestSuite) TestRun_FactCheckEveryItemWhenNotLimited() {
	ctx := context.Background()
	s.cfg.OnlyHoax = false

	s.classifier.EXPECT().Ready(gomock.Any()).Return(nil)
	s.news.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return([]domain.RawItem{item("election fraud", "https://example.com/f", "fakta")}, nil)
	s.store.EXPECT().Exists(gomock.Any(), gomock.Any()).Return(false, nil)
	s.classifier.EXPECT().Classify(gomock.Any(), gomock.Any()).Return(domain.Classification{Label: domain.LabelNotHoax, Score: 0.9}, nil)
	s.factChecker.EXPECT().Lookup(gomock.Any(), "fakta").
		Return(&domain.FactCheck{URL: "https://u", Rating: "Benar"}, nil)
	s.store.EXPECT().Insert(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, rec *domain.Record) (bool, error) {
			s.Nil(rec.FactCheck, "incomplete fact check must not be stored")
			return true, nil
		},
	)

	stats, err := s.pipeline([]Collector{s.news}, s.factChecker, s.store, nil).Run(ctx, "once")

	s.NoError(err)
	s.Equal(1, stats.FactCheckMisses)
	s.Equal(0, stats.Verified)
}

func (s *PipelineTestSuite) TestRun_DuplicateURLsWithinRunCollapse() {
	ctx := context.Background()
	shared := "https://example.com/shared"

	s.classifier.EXPECT().Ready(gomock.Any()).Return(nil)
	s.news.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return([]domain.RawItem{item("election fraud", shared, "a")}, nil)
	s.reddit.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return([]domain.RawItem{
		{Platform: "reddit", Keyword: "election fraud", URL: shared, Content: "b"},
	}, nil)
	s.store.EXPECT().Exists(gomock.Any(), shared).Return(false, nil).Times(1)
	s.classifier.EXPECT().Classify(gomock.Any(), "a").Return(domain.Classification{Label: domain.LabelHoax, Score: 0.7}, nil).Times(1)
	s.store.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(true, nil).Times(1)

	stats, err := s.pipeline([]Collector{s.news, s.reddit}, nil, s.store, nil).Run(ctx, "once")

	s.NoError(err)
	s.Equal(2, stats.Collected)
	s.Equal(1, stats.Stored)
	s.Equal(1, stats.Duplicates)
}

func (s *PipelineTestSuite) TestRun_InvalidItemsAreCounted() {
	ctx := context.Background()

	s.classifier.EXPECT().Ready(gomock.Any()).Return(nil)
	s.news.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return([]domain.RawItem{
		item("election fraud", "", "no url"),
		item("election fraud", "https://example.com/blank", "   "),
		item("election fraud", "https://example.com/weird", "weird"),
	}, nil)
	s.store.EXPECT().Exists(gomock.Any(), gomock.Any()).Return(false, nil).Times(2)
	s.classifier.EXPECT().Classify(gomock.Any(), "weird").Return(domain.Classification{Label: "maybe", Score: 0.5}, nil)

	stats, err := s.pipeline([]Collector{s.news}, nil, s.store, nil).Run(ctx, "once")

	s.NoError(err)
	s.Equal(domain.RunCompleted, stats.State)
	s.Equal(1, stats.Failed.Collect)
	s.Equal(2, stats.Failed.Classify)
	s.Zero(stats.Stored)
}

func (s *PipelineTestSuite) TestRun_StopFinishesCurrentItem() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	items := []domain.RawItem{
		item("election fraud", "https://example.com/1", "one"),
		item("election fraud", "https://example.com/2", "two"),
	}

	s.classifier.EXPECT().Ready(gomock.Any()).Return(nil)
	s.news.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(items, nil)
	s.store.EXPECT().Exists(gomock.Any(), "https://example.com/1").Return(false, nil)
	s.classifier.EXPECT().Classify(gomock.Any(), "one").DoAndReturn(
		func(itemCtx context.Context, _ string) (domain.Classification, error) {
			cancel()
			s.NoError(itemCtx.Err())
			return domain.Classification{Label: domain.LabelHoax, Score: 0.9}, nil
		},
	)
	s.store.EXPECT().Insert(gomock.Any(), gomock.Any()).DoAndReturn(
		func(itemCtx context.Context, _ *domain.Record) (bool, error) {
			s.NoError(itemCtx.Err())
			return true, nil
		},
	)

	stats, err := s.pipeline([]Collector{s.news}, nil, s.store, nil).Run(ctx, "daily")

	s.ErrorIs(err, ErrRunStopped)
	s.ErrorIs(err, context.Canceled)
	s.Equal(domain.RunCancelled, stats.State)
	s.Equal(1, stats.Stored)
}

func (s *PipelineTestSuite) TestRun_PublishesStoredRecords() {
	ctx := context.Background()
	items := []domain.RawItem{
		item("election fraud", "https://example.com/1", "one"),
		item("election fraud", "https://example.com/2", "two"),
	}

	s.classifier.EXPECT().Ready(gomock.Any()).Return(nil)
	s.news.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(items, nil)
	s.store.EXPECT().Exists(gomock.Any(), gomock.Any()).Return(false, nil).Times(2)
	s.classifier.EXPECT().Classify(gomock.Any(), gomock.Any()).
		Return(domain.Classification{Label: domain.LabelHoax, Score: 0.9}, nil).Times(2)
	s.store.EXPECT().Insert(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, rec *domain.Record) (bool, error) {
			rec.ID = 42
			return true, nil
		},
	).Times(2)
	gomock.InOrder(
		s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, rec *domain.Record) error {
				s.Equal(int64(42), rec.ID)
				return nil
			},
		),
		s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("channel closed")),
	)

	stats, err := s.pipeline([]Collector{s.news}, nil, s.store, s.publisher).Run(ctx, "once")

	s.NoError(err)
	s.Equal(2, stats.Stored)
	s.Equal(1, stats.Published)
	s.Equal(1, stats.Failed.Publish)
}

func (s *PipelineTestSuite) TestRun_RecorderErrorDoesNotFailRun() {
	ctx := context.Background()
	p := NewPipeline([]Collector{s.news}, s.classifier, nil, s.store, s.runs, nil, s.logger, s.cfg)

	s.classifier.EXPECT().Ready(gomock.Any()).Return(nil)
	s.news.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(nil, nil)
	s.runs.EXPECT().Record(gomock.Any(), gomock.Any()).Return(errors.New("locked"))

	stats, err := p.Run(ctx, "once")

	s.NoError(err)
	s.Equal(domain.RunCompleted, stats.State)
	s.NotEmpty(stats.ID)
}

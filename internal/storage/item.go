package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"hoaxwatch/internal/domain"
)

const defaultListLimit = 1000

var itemColumns = []string{
	"id", "platform", "keyword", "content", "url", "author", "created_at",
	"predicted_label", "prediction_score",
	"fact_check_url", "fact_check_rating", "fact_check_publisher",
	"inserted_at",
}

// effective publish time; inserted_at stands in when the source gave none
const effectiveTime = "COALESCE(created_at, inserted_at)"

type itemRow struct {
	ID                 int64          `db:"id"`
	Platform           string         `db:"platform"`
	Keyword            string         `db:"keyword"`
	Content            string         `db:"content"`
	URL                string         `db:"url"`
	Author             sql.NullString `db:"author"`
	CreatedAt          sql.NullTime   `db:"created_at"`
	Label              string         `db:"predicted_label"`
	Score              float64        `db:"prediction_score"`
	FactCheckURL       sql.NullString `db:"fact_check_url"`
	FactCheckRating    sql.NullString `db:"fact_check_rating"`
	FactCheckPublisher sql.NullString `db:"fact_check_publisher"`
	InsertedAt         time.Time      `db:"inserted_at"`
}

func (r itemRow) toDomain() domain.Record {
	rec := domain.Record{
		ID:         r.ID,
		Platform:   r.Platform,
		Keyword:    r.Keyword,
		Content:    r.Content,
		URL:        r.URL,
		Label:      domain.Label(r.Label),
		Score:      r.Score,
		InsertedAt: r.InsertedAt,
	}
	if r.Author.Valid {
		author := r.Author.String
		rec.Author = &author
	}
	if r.CreatedAt.Valid {
		created := r.CreatedAt.Time
		rec.CreatedAt = &created
	}
	if r.FactCheckURL.Valid {
		rec.FactCheck = &domain.FactCheck{
			URL:       r.FactCheckURL.String,
			Rating:    r.FactCheckRating.String,
			Publisher: r.FactCheckPublisher.String,
		}
	}
	return rec
}

// ItemStore is the deduplicated record of processed items, keyed by url.
type ItemStore struct {
	db *DB
}

func NewItemStore(db *DB) *ItemStore {
	return &ItemStore{db: db}
}

func (s *ItemStore) exec(ctx context.Context) sqlx.ExtContext {
	return GetExecutor(ctx, s.db.DB)
}

func (s *ItemStore) Exists(ctx context.Context, url string) (bool, error) {
	query, args, err := s.db.builder.
		Select("COUNT(*)").
		From("items").
		Where(sq.Eq{"url": url}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build exists query: %w", err)
	}

	var n int
	if err := sqlx.GetContext(ctx, s.exec(ctx), &n, query, args...); err != nil {
		return false, fmt.Errorf("check url exists: %w", err)
	}
	return n > 0, nil
}

// Insert stores rec unless its url is already present. The conflict check and
// the write are one statement, so concurrent inserts of the same url produce
// exactly one row. On success rec.ID and rec.InsertedAt are filled in.
func (s *ItemStore) Insert(ctx context.Context, rec *domain.Record) (bool, error) {
	if err := (domain.Classification{Label: rec.Label, Score: rec.Score}).Validate(); err != nil {
		return false, fmt.Errorf("validate record: %w", err)
	}

	insertedAt := time.Now().UTC()

	var author sql.NullString
	if rec.Author != nil {
		author = sql.NullString{String: *rec.Author, Valid: true}
	}
	var createdAt sql.NullTime
	if rec.CreatedAt != nil {
		createdAt = sql.NullTime{Time: rec.CreatedAt.UTC(), Valid: true}
	}
	var fcURL, fcRating, fcPublisher sql.NullString
	if rec.FactCheck.Complete() {
		fcURL = sql.NullString{String: rec.FactCheck.URL, Valid: true}
		fcRating = sql.NullString{String: rec.FactCheck.Rating, Valid: true}
		fcPublisher = sql.NullString{String: rec.FactCheck.Publisher, Valid: true}
	}

	query, args, err := s.db.builder.
		Insert("items").
		Columns(
			"platform", "keyword", "content", "url", "author", "created_at",
			"predicted_label", "prediction_score",
			"fact_check_url", "fact_check_rating", "fact_check_publisher",
			"inserted_at",
		).
		Values(
			rec.Platform, rec.Keyword, rec.Content, rec.URL, author, createdAt,
			string(rec.Label), rec.Score,
			fcURL, fcRating, fcPublisher,
			insertedAt,
		).
		Suffix("ON CONFLICT (url) DO NOTHING RETURNING id").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert: %w", err)
	}

	var id int64
	err = s.exec(ctx).QueryRowxContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert item: %w", err)
	}

	rec.ID = id
	rec.InsertedAt = insertedAt
	if !rec.FactCheck.Complete() {
		rec.FactCheck = nil
	}
	return true, nil
}

// InsertBatch inserts each record on its own. A failing record does not stop
// the batch; rows committed before it stay committed. It returns the number
// of rows actually inserted and the joined per-record errors.
func (s *ItemStore) InsertBatch(ctx context.Context, recs []domain.Record) (int, error) {
	var (
		inserted int
		errs     []error
	)
	for i := range recs {
		ok, err := s.Insert(ctx, &recs[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", recs[i].URL, err))
			continue
		}
		if ok {
			inserted++
		}
	}
	return inserted, errors.Join(errs...)
}

// GetByURL returns the stored record for url, or nil when absent.
func (s *ItemStore) GetByURL(ctx context.Context, url string) (*domain.Record, error) {
	query, args, err := s.db.builder.
		Select(itemColumns...).
		From("items").
		Where(sq.Eq{"url": url}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var row itemRow
	err = sqlx.GetContext(ctx, s.exec(ctx), &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	rec := row.toDomain()
	return &rec, nil
}

// List returns records matching f, newest first.
func (s *ItemStore) List(ctx context.Context, f domain.RecordFilter) ([]domain.Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	b := s.db.builder.Select(itemColumns...).From("items")
	query, args, err := applyFilter(b, f).
		OrderBy(effectiveTime+" DESC", "id DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	var rows []itemRow
	if err := sqlx.SelectContext(ctx, s.exec(ctx), &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	out := make([]domain.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// CountByLabel counts records matching f per label. Limit and Offset are ignored.
func (s *ItemStore) CountByLabel(ctx context.Context, f domain.RecordFilter) (map[domain.Label]int, error) {
	b := s.db.builder.Select("predicted_label", "COUNT(*) AS n").From("items")
	query, args, err := applyFilter(b, f).GroupBy("predicted_label").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build count query: %w", err)
	}

	var rows []struct {
		Label string `db:"predicted_label"`
		N     int    `db:"n"`
	}
	if err := sqlx.SelectContext(ctx, s.exec(ctx), &rows, query, args...); err != nil {
		return nil, fmt.Errorf("count items: %w", err)
	}

	counts := map[domain.Label]int{domain.LabelHoax: 0, domain.LabelNotHoax: 0}
	for _, r := range rows {
		counts[domain.Label(r.Label)] = r.N
	}
	return counts, nil
}

// applyFilter narrows b by f. From is inclusive and To exclusive.
func applyFilter(b sq.SelectBuilder, f domain.RecordFilter) sq.SelectBuilder {
	if len(f.Platforms) > 0 {
		b = b.Where(sq.Eq{"platform": f.Platforms})
	}
	if len(f.Keywords) > 0 {
		b = b.Where(sq.Eq{"keyword": f.Keywords})
	}
	if len(f.Labels) > 0 {
		labels := make([]string, len(f.Labels))
		for i, l := range f.Labels {
			labels[i] = string(l)
		}
		b = b.Where(sq.Eq{"predicted_label": labels})
	}
	if !f.From.IsZero() {
		b = b.Where(sq.GtOrEq{effectiveTime: f.From.UTC()})
	}
	if !f.To.IsZero() {
		b = b.Where(sq.Lt{effectiveTime: f.To.UTC()})
	}
	return b
}

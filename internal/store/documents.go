package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

// Collections holding archived engine output rather than metrics.
const (
	CollectionInsight = "insight"
	CollectionRollup  = "rollup"
)

var documentColumns = []string{"collection", "doc_key", "subject_id", "ts_ms", "doc"}

// DocumentStore keeps JSON documents grouped into named collections. Metric
// batches go to the collection named by their kind.
type DocumentStore struct {
	db *sqlx.DB
}

func NewDocumentStore(db *sqlx.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// InsertMetrics bulk-loads batch into collection kind. The batch is copied
// into a staging table and merged in one statement, so it lands whole or
// not at all, and replayed metrics are skipped by key.
func (s *DocumentStore) InsertMetrics(ctx context.Context, kind model.Kind, batch []model.Metric) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`CREATE TEMP TABLE documents_staging (LIKE documents INCLUDING DEFAULTS) ON COMMIT DROP`); err != nil {
		return fmt.Errorf("create staging: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("documents_staging", documentColumns...))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}
	defer stmt.Close()

	for _, m := range batch {
		doc, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode metric %s: %w", m.DedupKey(), err)
		}
		if _, err := stmt.ExecContext(ctx, string(kind), m.DedupKey(), m.SubjectID(), m.Timestamp(), doc); err != nil {
			return fmt.Errorf("copy metric: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("finish copy: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO documents (collection, doc_key, subject_id, ts_ms, doc)
		SELECT collection, doc_key, subject_id, ts_ms, doc FROM documents_staging
		ON CONFLICT (collection, doc_key) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("merge staging: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if inserted, err := res.RowsAffected(); err == nil && int(inserted) < len(batch) {
		log.WithFields(log.Fields{
			"kind":     kind,
			"batch":    len(batch),
			"inserted": inserted,
		}).Debug("Skipped already stored metrics")
	}
	return nil
}

// Archive stores one document, keeping the first copy on key conflict.
func (s *DocumentStore) Archive(ctx context.Context, collection, key, subject string, ts int64, v interface{}) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s document: %w", collection, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, doc_key, subject_id, ts_ms, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (collection, doc_key) DO NOTHING`,
		collection, key, subject, ts, doc)
	if err != nil {
		return fmt.Errorf("archive %s/%s: %w", collection, key, err)
	}
	return nil
}

// MetricQuery selects stored metrics with Start <= timestamp < End.
type MetricQuery struct {
	Start   time.Time
	End     time.Time
	Subject string
	Kinds   []model.Kind
	Limit   int
}

// filter renders the WHERE clause shared by metric reads.
func (q MetricQuery) filter() (string, []interface{}) {
	kinds := q.Kinds
	if len(kinds) == 0 {
		kinds = model.Kinds
	}
	collections := make([]string, len(kinds))
	for i, k := range kinds {
		collections[i] = string(k)
	}

	where := ` WHERE collection = ANY($1) AND ts_ms >= $2 AND ts_ms < $3`
	args := []interface{}{pq.Array(collections), q.Start.UnixMilli(), q.End.UnixMilli()}
	if q.Subject != "" {
		args = append(args, q.Subject)
		where += fmt.Sprintf(" AND subject_id = $%d", len(args))
	}
	return where, args
}

// QueryMetrics reads stored metrics ordered by timestamp, at most Limit.
func (s *DocumentStore) QueryMetrics(ctx context.Context, q MetricQuery) ([]model.Metric, error) {
	where, args := q.filter()
	query := `SELECT doc FROM documents` + where + " ORDER BY ts_ms, doc_key"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var docs [][]byte
	if err := s.db.SelectContext(ctx, &docs, query, args...); err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}

	metrics := make([]model.Metric, 0, len(docs))
	for _, doc := range docs {
		var m model.Metric
		if err := json.Unmarshal(doc, &m); err != nil {
			log.Warnf("Skipping undecodable stored metric: %v", err)
			continue
		}
		metrics = append(metrics, m)
	}
	return metrics, nil
}

type summaryRow struct {
	Currency string        `db:"currency"`
	Kind     string        `db:"kind"`
	Count    int64         `db:"n"`
	Total    model.Decimal `db:"total"`
	MinTs    int64         `db:"min_ts"`
	MaxTs    int64         `db:"max_ts"`
}

// SummarizeMetrics aggregates every stored metric matching q in the
// database. Limit is ignored: the summary always covers the whole range.
func (s *DocumentStore) SummarizeMetrics(ctx context.Context, q MetricQuery) (model.AggregationResult, error) {
	where, args := q.filter()

	var rows []summaryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT doc->>'currency' AS currency, collection AS kind, COUNT(*) AS n,
			COALESCE(SUM((doc->>'amount')::numeric), 0) AS total,
			MIN(ts_ms) AS min_ts, MAX(ts_ms) AS max_ts
		FROM documents`+where+`
		GROUP BY 1, 2`, args...)
	if err != nil {
		return model.AggregationResult{}, fmt.Errorf("summarize metrics: %w", err)
	}

	var subjects int64
	if err := s.db.GetContext(ctx, &subjects, `SELECT COUNT(DISTINCT subject_id) FROM documents`+where, args...); err != nil {
		return model.AggregationResult{}, fmt.Errorf("count subjects: %w", err)
	}

	res := model.NewAggregationResult()
	for _, r := range rows {
		res.TotalCount += r.Count
		res.TotalAmount = res.TotalAmount.Add(r.Total)
		res.AmountByCurrency[r.Currency] = res.AmountByCurrency[r.Currency].Add(r.Total)
		res.CountByKind[model.Kind(r.Kind)] += r.Count
		if res.TimeRange.Start == 0 || r.MinTs < res.TimeRange.Start {
			res.TimeRange.Start = r.MinTs
		}
		if r.MaxTs > res.TimeRange.End {
			res.TimeRange.End = r.MaxTs
		}
	}
	res.UniqueSubjectCount = subjects
	res.Finalize()
	return res, nil
}

// DeleteOlderThan removes documents, rollups and ledger rows older than
// cutoff and returns the number of rows deleted.
func (s *DocumentStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ms := cutoff.UnixMilli()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total int64
	for _, q := range []string{
		`DELETE FROM documents WHERE ts_ms < $1`,
		`DELETE FROM rollups WHERE bucket_hour < $1`,
		`DELETE FROM rollup_ledger WHERE bucket_hour < $1`,
	} {
		res, err := tx.ExecContext(ctx, q, ms)
		if err != nil {
			return 0, fmt.Errorf("retention: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *DocumentStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/model"
	"github.com/jmoiron/sqlx"
)

// RollupKey identifies one row of the hourly rollup table.
type RollupKey struct {
	BucketHour int64
	SubjectID  string
	Currency   string
	Kind       model.Kind
}

// Rollup is the running total of one key.
type Rollup struct {
	Count       int64
	TotalAmount model.Decimal
}

// RollupStore maintains hourly (bucket, subject, currency, kind) totals.
type RollupStore struct {
	db *sqlx.DB
}

func NewRollupStore(db *sqlx.DB) *RollupStore {
	return &RollupStore{db: db}
}

// Fold groups metrics into rollup deltas.
func Fold(batch []model.Metric) map[RollupKey]Rollup {
	out := make(map[RollupKey]Rollup)
	for _, m := range batch {
		k := RollupKey{
			BucketHour: model.BucketStart(m.Timestamp(), time.Hour),
			SubjectID:  m.SubjectID(),
			Currency:   m.Currency(),
			Kind:       m.Kind(),
		}
		r := out[k]
		r.Count++
		r.TotalAmount = r.TotalAmount.Add(m.Amount())
		out[k] = r
	}
	return out
}

// UpsertRollups merges batch into the rollup table. Each metric is first
// recorded in a ledger by its dedup key; metrics already in the ledger do
// not contribute, so retrying a batch leaves totals unchanged.
func (s *RollupStore) UpsertRollups(ctx context.Context, batch []model.Metric) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	fresh := make([]model.Metric, 0, len(batch))
	for _, m := range batch {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO rollup_ledger (dedup_key, bucket_hour) VALUES ($1, $2)
			ON CONFLICT (dedup_key) DO NOTHING`,
			m.DedupKey(), model.BucketStart(m.Timestamp(), time.Hour))
		if err != nil {
			return fmt.Errorf("record ledger: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			fresh = append(fresh, m)
		}
	}

	deltas := Fold(fresh)
	keys := make([]RollupKey, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.BucketHour != b.BucketHour {
			return a.BucketHour < b.BucketHour
		}
		if a.SubjectID != b.SubjectID {
			return a.SubjectID < b.SubjectID
		}
		if a.Currency != b.Currency {
			return a.Currency < b.Currency
		}
		return a.Kind < b.Kind
	})

	for _, k := range keys {
		d := deltas[k]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rollups (bucket_hour, subject_id, currency, kind, count, total_amount)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (bucket_hour, subject_id, currency, kind) DO UPDATE SET
				count = rollups.count + EXCLUDED.count,
				total_amount = rollups.total_amount + EXCLUDED.total_amount,
				updated_at = now()`,
			k.BucketHour, k.SubjectID, k.Currency, string(k.Kind), d.Count, d.TotalAmount.String()); err != nil {
			return fmt.Errorf("upsert rollup: %w", err)
		}
	}

	return tx.Commit()
}

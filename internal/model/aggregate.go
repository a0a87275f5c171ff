package model

import "time"

// WindowKey identifies one aggregation bucket.
type WindowKey struct {
	Granularity string `json:"granularity"`
	BucketStart int64  `json:"bucketStart"` // unix milliseconds
}

// BucketStart floors ts (ms) onto a bucket boundary of the given width.
func BucketStart(ts int64, interval time.Duration) int64 {
	width := interval.Milliseconds()
	if width <= 0 {
		return ts
	}
	start := (ts / width) * width
	if ts < 0 && ts%width != 0 {
		start -= width
	}
	return start
}

// TimeRange is inclusive of both ends, unix milliseconds.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// AggregationResult is a fold over some set of buckets.
type AggregationResult struct {
	TotalCount         int64              `json:"totalCount"`
	TotalAmount        Decimal            `json:"totalAmount"`
	AverageAmount      Decimal            `json:"averageAmount"`
	UniqueSubjectCount int64              `json:"uniqueSubjectCount"`
	AmountByCurrency   map[string]Decimal `json:"amountByCurrency"`
	CountByKind        map[Kind]int64     `json:"countByKind"`
	TimeRange          TimeRange          `json:"timeRange"`
}

// NewAggregationResult returns an empty result with initialized maps.
func NewAggregationResult() AggregationResult {
	return AggregationResult{
		AmountByCurrency: make(map[string]Decimal),
		CountByKind:      make(map[Kind]int64),
	}
}

// Finalize derives AverageAmount from the totals.
func (r *AggregationResult) Finalize() {
	if r.TotalCount == 0 {
		r.AverageAmount = Zero
		return
	}
	r.AverageAmount = r.TotalAmount.DivInt(r.TotalCount)
}

// Summarize folds raw metrics, as read back from durable storage.
func Summarize(metrics []Metric) AggregationResult {
	res := NewAggregationResult()
	subjects := make(map[string]struct{})
	for _, m := range metrics {
		res.TotalCount++
		res.TotalAmount = res.TotalAmount.Add(m.Amount())
		res.AmountByCurrency[m.Currency()] = res.AmountByCurrency[m.Currency()].Add(m.Amount())
		res.CountByKind[m.Kind()]++
		subjects[m.SubjectID()] = struct{}{}
		if res.TimeRange.Start == 0 || m.Timestamp() < res.TimeRange.Start {
			res.TimeRange.Start = m.Timestamp()
		}
		if m.Timestamp() > res.TimeRange.End {
			res.TimeRange.End = m.Timestamp()
		}
	}
	res.UniqueSubjectCount = int64(len(subjects))
	res.Finalize()
	return res
}

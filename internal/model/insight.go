package model

import "time"

// InsightKind names the signal an insight carries.
type InsightKind string

const (
	InsightVolumeSpike     InsightKind = "volume-spike"
	InsightHighVelocity    InsightKind = "high-velocity"
	InsightPatternDetected InsightKind = "pattern-detected"
)

// Severity ranks insights for consumers.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Insight is a transient anomaly or pattern signal. It is broadcast and
// may be archived but never feeds back into business decisions.
type Insight struct {
	ID          string                 `json:"id"`
	Kind        InsightKind            `json:"kind"`
	Rule        string                 `json:"rule"`
	Severity    Severity               `json:"severity"`
	SubjectID   string                 `json:"subjectId"`
	EntityID    string                 `json:"entityId,omitempty"`
	Message     string                 `json:"message"`
	Evidence    map[string]interface{} `json:"evidence"`
	GeneratedAt time.Time              `json:"generatedAt"`
}

// Report is the hourly rollup handed to the broadcast sink.
type Report struct {
	ID          string            `json:"id"`
	Granularity string            `json:"granularity"`
	GeneratedAt time.Time         `json:"generatedAt"`
	Summary     AggregationResult `json:"summary"`
	Buckets     []BucketSummary   `json:"buckets"`
}

// BucketSummary is one bucket line of a Report.
type BucketSummary struct {
	BucketStart    int64   `json:"bucketStart"`
	Count          int64   `json:"count"`
	TotalAmount    Decimal `json:"totalAmount"`
	UniqueSubjects int64   `json:"uniqueSubjects"`
}

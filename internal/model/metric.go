// Package model holds the value types shared by every stage of the pipeline.
package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Kind classifies a metric by the business event that produced it.
type Kind string

const (
	KindTransaction  Kind = "transaction"
	KindPayment      Kind = "payment"
	KindUserActivity Kind = "user-activity"
)

// Kinds lists every kind the pipeline accepts, in a stable order.
var Kinds = []Kind{KindTransaction, KindPayment, KindUserActivity}

// ParseKind maps upstream spellings onto a Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "transaction", "transactions", "TRANSACTION":
		return KindTransaction, true
	case "payment", "payments", "PAYMENT":
		return KindPayment, true
	case "user-activity", "user_activity", "activity", "USER_ACTIVITY":
		return KindUserActivity, true
	}
	return "", false
}

func (k Kind) String() string {
	return string(k)
}

// Attribute is one extension field of a metric.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Attributes is an ordered, read-only set of extension fields.
type Attributes struct {
	items []Attribute
}

// NewAttributes copies m into key order.
func NewAttributes(m map[string]string) Attributes {
	if len(m) == 0 {
		return Attributes{}
	}
	items := make([]Attribute, 0, len(m))
	for k, v := range m {
		items = append(items, Attribute{Key: k, Value: v})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return Attributes{items: items}
}

func (a Attributes) Get(key string) (string, bool) {
	i := sort.Search(len(a.items), func(i int) bool { return a.items[i].Key >= key })
	if i < len(a.items) && a.items[i].Key == key {
		return a.items[i].Value, true
	}
	return "", false
}

func (a Attributes) Len() int {
	return len(a.items)
}

// Items returns a copy of the ordered fields.
func (a Attributes) Items() []Attribute {
	out := make([]Attribute, len(a.items))
	copy(out, a.items)
	return out
}

// Map returns a mutable copy.
func (a Attributes) Map() map[string]string {
	out := make(map[string]string, len(a.items))
	for _, it := range a.items {
		out[it.Key] = it.Value
	}
	return out
}

func (a Attributes) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Map())
}

func (a *Attributes) UnmarshalJSON(b []byte) error {
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*a = NewAttributes(m)
	return nil
}

// Metric is one normalized observation. Fields are unexported so a Metric
// cannot change after NewMetric returns.
type Metric struct {
	timestamp  int64
	eventID    string
	subjectID  string
	entityID   string
	amount     Decimal
	currency   string
	kind       Kind
	status     string
	attributes Attributes
}

// MetricFields carries the inputs of NewMetric.
type MetricFields struct {
	Timestamp  int64  // event time, unix milliseconds
	EventID    string // identity of the inbound event
	SubjectID  string
	EntityID   string // business object the event is about
	Amount     Decimal
	Currency   string
	Kind       Kind
	Status     string
	Attributes map[string]string
}

// NewMetric validates f and builds an immutable Metric.
func NewMetric(f MetricFields) (Metric, error) {
	if f.SubjectID == "" {
		return Metric{}, fmt.Errorf("metric: subject id is required")
	}
	if f.Timestamp <= 0 {
		return Metric{}, fmt.Errorf("metric: timestamp must be positive, got %d", f.Timestamp)
	}
	if f.Amount.IsNegative() {
		return Metric{}, fmt.Errorf("metric: amount must be non-negative, got %s", f.Amount)
	}
	if !validCurrency(f.Currency) {
		return Metric{}, fmt.Errorf("metric: invalid currency %q", f.Currency)
	}
	switch f.Kind {
	case KindTransaction, KindPayment, KindUserActivity:
	default:
		return Metric{}, fmt.Errorf("metric: unknown kind %q", f.Kind)
	}
	return Metric{
		timestamp:  f.Timestamp,
		eventID:    f.EventID,
		subjectID:  f.SubjectID,
		entityID:   f.EntityID,
		amount:     f.Amount,
		currency:   f.Currency,
		kind:       f.Kind,
		status:     f.Status,
		attributes: NewAttributes(f.Attributes),
	}, nil
}

func validCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if c[i] < 'A' || c[i] > 'Z' {
			return false
		}
	}
	return true
}

func (m Metric) Timestamp() int64       { return m.timestamp }
func (m Metric) Time() time.Time        { return time.UnixMilli(m.timestamp).UTC() }
func (m Metric) EventID() string        { return m.eventID }
func (m Metric) SubjectID() string      { return m.subjectID }
func (m Metric) EntityID() string       { return m.entityID }
func (m Metric) Amount() Decimal        { return m.amount }
func (m Metric) Currency() string       { return m.currency }
func (m Metric) Kind() Kind             { return m.kind }
func (m Metric) Status() string         { return m.status }
func (m Metric) Attributes() Attributes { return m.attributes }

// DedupKey identifies the inbound event for replay detection and
// idempotent writes. Several events about one entity have distinct keys.
// Metrics without an event id fall back to subject, event time and entity.
func (m Metric) DedupKey() string {
	if m.eventID != "" {
		return string(m.kind) + ":" + m.eventID
	}
	return fmt.Sprintf("%s:%s@%d/%s", m.kind, m.subjectID, m.timestamp, m.entityID)
}

// Fields returns the constructor view of m.
func (m Metric) Fields() MetricFields {
	return MetricFields{
		Timestamp:  m.timestamp,
		EventID:    m.eventID,
		SubjectID:  m.subjectID,
		EntityID:   m.entityID,
		Amount:     m.amount,
		Currency:   m.currency,
		Kind:       m.kind,
		Status:     m.status,
		Attributes: m.attributes.Map(),
	}
}

type metricJSON struct {
	Timestamp  int64      `json:"timestamp"`
	EventID    string     `json:"eventId,omitempty"`
	SubjectID  string     `json:"subjectId"`
	EntityID   string     `json:"entityId,omitempty"`
	Amount     Decimal    `json:"amount"`
	Currency   string     `json:"currency"`
	Kind       Kind       `json:"kind"`
	Status     string     `json:"status,omitempty"`
	Attributes Attributes `json:"attributes"`
}

func (m Metric) MarshalJSON() ([]byte, error) {
	return json.Marshal(metricJSON{
		Timestamp:  m.timestamp,
		EventID:    m.eventID,
		SubjectID:  m.subjectID,
		EntityID:   m.entityID,
		Amount:     m.amount,
		Currency:   m.currency,
		Kind:       m.kind,
		Status:     m.status,
		Attributes: m.attributes,
	})
}

func (m *Metric) UnmarshalJSON(b []byte) error {
	var raw metricJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	built, err := NewMetric(MetricFields{
		Timestamp:  raw.Timestamp,
		EventID:    raw.EventID,
		SubjectID:  raw.SubjectID,
		EntityID:   raw.EntityID,
		Amount:     raw.Amount,
		Currency:   raw.Currency,
		Kind:       raw.Kind,
		Status:     raw.Status,
		Attributes: raw.Attributes.Map(),
	})
	if err != nil {
		return err
	}
	*m = built
	return nil
}

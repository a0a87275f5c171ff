package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/valyala/fastjson"
)

var parserPool fastjson.ParserPool

var (
	kindFields      = []string{"kind", "type", "eventType"}
	subjectFields   = []string{"subjectId", "userId", "accountId", "customerId"}
	eventFields     = []string{"eventId", "messageId"}
	entityFields    = []string{"entityId", "transactionId", "paymentId", "id"}
	timestampFields = []string{"timestamp", "createdAt", "occurredAt"}
	attributeFields = []string{"merchant", "category", "channel", "description", "method"}
)

// topicKinds maps source topics to the kind of events they carry.
var topicKinds = map[string]model.Kind{
	"transactions":  model.KindTransaction,
	"payments":      model.KindPayment,
	"user-activity": model.KindUserActivity,
}

// Normalizer turns raw event payloads into metrics.
type Normalizer struct {
	DefaultCurrency string
}

// Origin locates a payload on the bus.
type Origin struct {
	Topic     string
	Partition int
	Offset    int64
	Received  time.Time
}

// OriginOf returns where msg was read from.
func OriginOf(msg kafka.Message) Origin {
	return Origin{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset, Received: msg.Time}
}

// EventID is the identity used for events that carry no id of their own.
// A redelivered message keeps its position, so replays keep their identity.
func (o Origin) EventID() string {
	return fmt.Sprintf("%s/%d/%d", o.Topic, o.Partition, o.Offset)
}

// Parse classifies and normalizes a payload read at origin. The receive
// time is used when the event carries no timestamp. Errors are StageErrors.
func (n Normalizer) Parse(origin Origin, payload []byte) (model.Metric, error) {
	p := parserPool.Get()
	defer parserPool.Put(p)

	v, err := p.ParseBytes(payload)
	if err != nil {
		return model.Metric{}, stageErr(StageClassified, fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	if v.Type() != fastjson.TypeObject {
		return model.Metric{}, stageErr(StageClassified, fmt.Errorf("%w: payload is %s, not an object", ErrMalformed, v.Type()))
	}

	kind, err := classify(origin.Topic, v)
	if err != nil {
		return model.Metric{}, stageErr(StageClassified, err)
	}

	m, err := n.normalize(kind, v, origin)
	if err != nil {
		return model.Metric{}, stageErr(StageNormalized, err)
	}
	return m, nil
}

// classify prefers the kind named in the payload and falls back to the
// topic. A named but unrecognized kind is never overridden by the topic.
func classify(topic string, v *fastjson.Value) (model.Kind, error) {
	for _, f := range kindFields {
		raw := v.Get(f)
		if raw == nil {
			continue
		}
		name := string(raw.GetStringBytes())
		if kind, ok := model.ParseKind(name); ok {
			return kind, nil
		}
		return "", fmt.Errorf("%w %q", ErrUnknownKind, name)
	}
	if kind, ok := topicKinds[topic]; ok {
		return kind, nil
	}
	return "", fmt.Errorf("%w: topic %q carries no kind", ErrUnknownKind, topic)
}

func (n Normalizer) normalize(kind model.Kind, v *fastjson.Value, origin Origin) (model.Metric, error) {
	subject := firstString(v, subjectFields)
	if subject == "" {
		return model.Metric{}, fmt.Errorf("%w: no subject id", ErrMalformed)
	}

	amount := model.Zero
	if raw := v.Get("amount"); raw != nil {
		var err error
		if amount, err = decimalOf(raw); err != nil {
			return model.Metric{}, fmt.Errorf("%w: amount: %v", ErrMalformed, err)
		}
	} else if kind != model.KindUserActivity {
		return model.Metric{}, fmt.Errorf("%w: %s event without amount", ErrMalformed, kind)
	}

	currency := strings.ToUpper(firstString(v, []string{"currency"}))
	if currency == "" {
		currency = n.DefaultCurrency
	}

	ts, err := timestampOf(v, origin.Received)
	if err != nil {
		return model.Metric{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	eventID := firstString(v, eventFields)
	if eventID == "" {
		eventID = origin.EventID()
	}

	m, err := model.NewMetric(model.MetricFields{
		Timestamp:  ts,
		EventID:    eventID,
		SubjectID:  subject,
		EntityID:   firstString(v, entityFields),
		Amount:     amount,
		Currency:   currency,
		Kind:       kind,
		Status:     firstString(v, []string{"status"}),
		Attributes: attributesOf(v),
	})
	if err != nil {
		return model.Metric{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

// firstString returns the first present field as a string. Numbers are
// accepted for identifiers.
func firstString(v *fastjson.Value, fields []string) string {
	for _, f := range fields {
		raw := v.Get(f)
		if raw == nil {
			continue
		}
		switch raw.Type() {
		case fastjson.TypeString:
			if s := string(raw.GetStringBytes()); s != "" {
				return s
			}
		case fastjson.TypeNumber:
			return raw.String()
		}
	}
	return ""
}

func decimalOf(raw *fastjson.Value) (model.Decimal, error) {
	switch raw.Type() {
	case fastjson.TypeNumber:
		return model.ParseDecimal(raw.String())
	case fastjson.TypeString:
		return model.ParseDecimal(strings.TrimSpace(string(raw.GetStringBytes())))
	}
	return model.Decimal{}, fmt.Errorf("unsupported type %s", raw.Type())
}

// timestampOf reads epoch milliseconds (seconds when small enough to be
// seconds), a numeric string, or an RFC3339 string.
func timestampOf(v *fastjson.Value, received time.Time) (int64, error) {
	for _, f := range timestampFields {
		raw := v.Get(f)
		if raw == nil {
			continue
		}
		switch raw.Type() {
		case fastjson.TypeNumber:
			return epochMillis(raw.GetInt64()), nil
		case fastjson.TypeString:
			s := string(raw.GetStringBytes())
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return epochMillis(n), nil
			}
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return 0, fmt.Errorf("%s: %v", f, err)
			}
			return t.UnixMilli(), nil
		default:
			return 0, fmt.Errorf("%s: unsupported type %s", f, raw.Type())
		}
	}
	if received.IsZero() {
		received = time.Now()
	}
	return received.UnixMilli(), nil
}

func epochMillis(n int64) int64 {
	if n > 0 && n < 1e11 {
		return n * 1000
	}
	return n
}

func attributesOf(v *fastjson.Value) map[string]string {
	attrs := make(map[string]string)
	for _, f := range attributeFields {
		if s := firstString(v, []string{f}); s != "" {
			attrs[f] = s
		}
	}
	for _, f := range []string{"attributes", "metadata"} {
		obj := v.GetObject(f)
		if obj == nil {
			continue
		}
		obj.Visit(func(key []byte, val *fastjson.Value) {
			switch val.Type() {
			case fastjson.TypeString:
				attrs[string(key)] = string(val.GetStringBytes())
			case fastjson.TypeNull:
			default:
				attrs[string(key)] = val.String()
			}
		})
	}
	return attrs
}

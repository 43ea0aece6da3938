package redisstream

import (
	"strconv"
	"strings"
	"time"

	proq "github.com/TheDropZone/ProActiveQueueClient"
)

// Field constants (avoid typos/allocs)
const (
	fieldID         = "id"
	fieldPayload    = "payload" // raw []byte, no base64
	fieldProducedAt = "producedAt"
	fieldStrPrefix  = "props:" // string property
	fieldNumPrefix  = "propn:" // numeric property, formatted float64
)

// encodeMessage flattens a message into stream entry values. String and
// numeric properties take distinct prefixes so decode restores the kind
// selectors compare with.
func encodeMessage(m *proq.Message) map[string]any {
	vals := make(map[string]any, 3+m.Properties.Len())
	if m.ID != "" {
		vals[fieldID] = m.ID
	}
	vals[fieldPayload] = m.Payload
	vals[fieldProducedAt] = m.ProducedAt.UnixNano()
	for _, p := range m.Properties {
		switch v := p.Value.(type) {
		case string:
			vals[fieldStrPrefix+p.Key] = v
		case float64:
			vals[fieldNumPrefix+p.Key] = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return vals
}

// decodeMessage rebuilds a message from stream entry values. The stream
// entry ID wins over any stored ID so redeliveries stay traceable.
func decodeMessage(id string, vals map[string]any, redelivered bool) *proq.Message {
	msg := &proq.Message{ID: id, Redelivered: redelivered}
	if v, ok := vals[fieldID]; ok {
		if s := asString(v); s != "" {
			msg.ID = s
		}
	}
	if v, ok := vals[fieldPayload]; ok {
		switch p := v.(type) {
		case []byte:
			msg.Payload = p
		case string:
			msg.Payload = []byte(p)
		}
	}
	if pa := vals[fieldProducedAt]; pa != nil {
		if ns, ok := toInt64(pa); ok && ns > 0 {
			msg.ProducedAt = time.Unix(0, ns)
		}
	}
	for k, v := range vals {
		switch {
		case strings.HasPrefix(k, fieldStrPrefix):
			msg.Properties.Set(strings.TrimPrefix(k, fieldStrPrefix), asString(v))
		case strings.HasPrefix(k, fieldNumPrefix):
			if f, err := strconv.ParseFloat(asString(v), 64); err == nil {
				msg.Properties.Set(strings.TrimPrefix(k, fieldNumPrefix), f)
			}
		}
	}
	return msg
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}

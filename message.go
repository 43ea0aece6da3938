package proq

import (
	"time"
)

// Message is the envelope traveling between client and broker. The Payload
// is the UTF-8 text encoding produced by the configured Codec; Properties
// carry the string/number metadata selectors filter on.
type Message struct {
	// ID is a unique message identifier (assigned by the producer when empty).
	ID string
	// Payload is the encoded bytes of the application value.
	Payload []byte
	// Properties is the ordered metadata attached at send time.
	Properties Properties
	// ProducedAt is the production timestamp (from the injected clock).
	ProducedAt time.Time
	// Redelivered marks a message returned to the destination by a rollback.
	Redelivered bool
}

// Property is one string-keyed scalar attached to a message. Value is a
// string or a float64 once it has passed through Send.
type Property struct {
	Key   string
	Value any
}

// Properties is an ordered string-to-scalar mapping. Order is preserved so
// compiled selectors and logs stay deterministic.
type Properties []Property

// Set appends the pair, replacing an existing key in place.
func (p *Properties) Set(key string, value any) *Properties {
	for i := range *p {
		if (*p)[i].Key == key {
			(*p)[i].Value = value
			return p
		}
	}
	*p = append(*p, Property{Key: key, Value: value})
	return p
}

// Get returns the value for key and whether it is present. The signature
// doubles as the property lookup the filter package evaluates against.
func (p Properties) Get(key string) (any, bool) {
	for i := range p {
		if p[i].Key == key {
			return p[i].Value, true
		}
	}
	return nil, false
}

// Len returns the number of properties.
func (p Properties) Len() int { return len(p) }

// Clone returns a deep copy. Broker adapters copy on fan-out so
// subscribers cannot mutate each other's view.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Payload = append([]byte(nil), m.Payload...)
	out.Properties = m.Properties.clone()
	return &out
}

// clone copies the property list so staged messages stay isolated.
func (p Properties) clone() Properties {
	if len(p) == 0 {
		return nil
	}
	out := make(Properties, len(p))
	copy(out, p)
	return out
}

// scalar reduces a property value to the two wire kinds: string or float64.
// Anything else is reported unusable and the producer drops it.
func scalar(v any) (any, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return nil, false
	}
}

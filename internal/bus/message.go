// Package bus defines the messages drivers produce and the publish/subscribe
// contract the gateway talks to.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Message is one publication: a topic, a payload, and delivery flags.
//
// Topic is relative; when UseGlobalPrefix is set the client prepends the
// configured global prefix at publish time.
type Message struct {
	Topic           string
	Payload         any
	Retain          bool
	UseGlobalPrefix bool
}

// New returns a message under the global prefix.
func New(topic string, payload any) Message {
	return Message{Topic: topic, Payload: payload, UseGlobalPrefix: true}
}

// Discovery component kinds understood by Home Assistant.
const (
	ComponentSensor       = "sensor"
	ComponentBinarySensor = "binary_sensor"
	ComponentSwitch       = "switch"
	ComponentClimate      = "climate"
)

// DiscoveryMessage builds a discovery config message for component/name.
// The dispatcher moves it under the discovery prefix before publishing.
func DiscoveryMessage(component, name string, payload any) Message {
	return Message{Topic: component + "/" + name + "/config", Payload: payload}
}

// Bytes renders the payload for the wire. Strings and byte slices pass
// through, numbers and booleans are formatted, everything else is JSON.
func (m Message) Bytes() ([]byte, error) {
	switch v := m.Payload.(type) {
	case nil:
		return []byte{}, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case bool:
		return []byte(strconv.FormatBool(v)), nil
	case int:
		return []byte(strconv.Itoa(v)), nil
	case int64:
		return []byte(strconv.FormatInt(v, 10)), nil
	case float64:
		return []byte(strconv.FormatFloat(v, 'f', -1, 64)), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload for %s: %w", m.Topic, err)
		}
		return b, nil
	}
}

// FullTopic returns the topic as it goes on the wire.
func (m Message) FullTopic(prefix string) string {
	if m.UseGlobalPrefix {
		return Join(prefix, m.Topic)
	}
	return m.Topic
}

func (m Message) String() string {
	return fmt.Sprintf("%s (retain=%t)", m.Topic, m.Retain)
}

// Join concatenates non-empty topic levels with "/".
func Join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// TrimPrefix strips prefix (and its separator) from topic.
func TrimPrefix(prefix, topic string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return topic
	}
	if topic == prefix {
		return ""
	}
	return strings.TrimPrefix(topic, prefix+"/")
}

// Publisher sends messages to the bus.
type Publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
}

// Handler receives an inbound message. topic is the full wire topic.
type Handler func(topic string, payload []byte)

// Client is the pub/sub connection the dispatcher drives.
type Client interface {
	Publisher
	// Subscribe registers h for filter (MQTT wildcards allowed). The
	// subscription survives reconnects.
	Subscribe(ctx context.Context, filter string, h Handler) error
	// Prefix is the global topic prefix applied to UseGlobalPrefix messages.
	Prefix() string
}

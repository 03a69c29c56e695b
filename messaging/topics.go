package messaging

import "strings"

// Topics are the two per-device topics. Producers publish print messages
// under Inbound; the device reports status on Outbound.
type Topics struct {
	Inbound  string
	Outbound string
}

// NewTopics derives the device topics from a namespace such as
// "embedded/scribe" and the device identity.
func NewTopics(namespace, deviceID string) Topics {
	ns := strings.TrimSuffix(namespace, "/")
	return Topics{
		Inbound:  ns + "/producer/" + deviceID + "/#",
		Outbound: ns + "/client/" + deviceID,
	}
}

// KafkaTopic maps an MQTT topic (or filter) onto a legal Kafka topic name.
// A trailing multi-level wildcard is dropped, levels become dots, and any
// rune Kafka rejects becomes '-'.
func KafkaTopic(topic string) string {
	topic = strings.TrimSuffix(topic, "/#")
	topic = strings.Trim(topic, "/")
	var b strings.Builder
	for _, r := range topic {
		switch {
		case r == '/':
			b.WriteByte('.')
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

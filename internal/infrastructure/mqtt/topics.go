package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every FeeServer topic.
const TopicPrefix = "feeserver"

// Topics builds the topic hierarchy of one server:
//
//	feeserver/{server}/status           retained online/offline notice
//	feeserver/{server}/channel/{name}   retained monitored value
//	feeserver/{server}/ack              command acknowledgements
//	feeserver/{server}/msg              log/alarm messages
//	feeserver/{server}/command          inbound commands
type Topics struct {
	Server string
}

// Status returns the server status topic.
func (t Topics) Status() string {
	return fmt.Sprintf("%s/%s/status", TopicPrefix, t.Server)
}

// Channel returns the topic of a named monitoring channel. A channel name
// containing MQTT separators or wildcards is escaped.
func (t Topics) Channel(name string) string {
	return fmt.Sprintf("%s/%s/channel/%s", TopicPrefix, t.Server, escapeLevel(name))
}

// AllChannels returns a wildcard subscription for every channel of the server.
func (t Topics) AllChannels() string {
	return fmt.Sprintf("%s/%s/channel/+", TopicPrefix, t.Server)
}

// Ack returns the acknowledgement topic.
func (t Topics) Ack() string {
	return fmt.Sprintf("%s/%s/ack", TopicPrefix, t.Server)
}

// Message returns the message channel topic.
func (t Topics) Message() string {
	return fmt.Sprintf("%s/%s/msg", TopicPrefix, t.Server)
}

// Command returns the inbound command topic.
func (t Topics) Command() string {
	return fmt.Sprintf("%s/%s/command", TopicPrefix, t.Server)
}

var levelEscaper = strings.NewReplacer("/", "_", "+", "_", "#", "_")

func escapeLevel(s string) string {
	return levelEscaper.Replace(s)
}

// Package relay turns engine callbacks into broker publishes. Download
// channels are named by content id and search channels by query id, so a
// client knows which channel to subscribe to before the first event fires.
package relay

import (
	"peerstream/internal/broker"
)

// Message types published by the relay.
const (
	MessageTypeDownload  = "download"
	MessageTypeResult    = "result"
	MessageTypeSearchAck = "search.ack"
	MessageTypeStatus    = "status"
	MessageTypeError     = "error"
)

// Publisher is the part of the broker the bridges need.
type Publisher interface {
	Publish(channel string, msg broker.Message, clientHint string) error
}

// Broker is the part of the broker the dispatcher needs.
type Broker interface {
	Publisher
	Subscribe(channel, clientID string) error
	Unsubscribe(channel, clientID string)
	Subscribers(channel string) []string
}

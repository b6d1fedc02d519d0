// Package hub fans messages out to websocket display clients.
package hub

import "encoding/json"

// Message is one text frame queued for every client.
type Message struct {
	Data []byte
}

// Envelope tags a payload so one socket can carry several streams.
type Envelope struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// NewEnvelope encodes v under kind.
func NewEnvelope(kind string, v any) (Message, error) {
	data, err := json.Marshal(Envelope{Kind: kind, Data: v})
	if err != nil {
		return Message{}, err
	}
	return Message{Data: data}, nil
}

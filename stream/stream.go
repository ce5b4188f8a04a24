// Package stream publishes consensus events to dashboards and downstream
// systems. Every emitter here satisfies pbft.StreamEmitter.
package stream

import (
	"encoding/json"
	"time"
)

// Emitter receives consensus events.
type Emitter interface {
	Emit(channel string, payload any)
}

// Event is the JSON envelope written to every sink.
type Event struct {
	Channel string          `json:"channel"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

func encodeEvent(channel string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Channel: channel, At: time.Now().UTC(), Payload: body})
}

// Multi fans every event out to several emitters.
type Multi []Emitter

// Emit forwards to each emitter in order.
func (m Multi) Emit(channel string, payload any) {
	for _, e := range m {
		if e != nil {
			e.Emit(channel, payload)
		}
	}
}

// Func adapts a function to Emitter.
type Func func(channel string, payload any)

// Emit calls f.
func (f Func) Emit(channel string, payload any) { f(channel, payload) }

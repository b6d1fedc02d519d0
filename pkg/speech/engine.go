// Package speech dispatches greeting phrases to a synthesis engine and plays
// them back in submission order.
package speech

import "fmt"

// Kind names an engine variant.
type Kind string

const (
	KindNone   Kind = "none"
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Engine is the configured synthesis engine. It is one of None, Local or Remote.
type Engine interface {
	Kind() Kind
}

// None disables audio. Phrases are only logged.
type None struct{}

// Local synthesizes on the device.
type Local struct {
	Rate   float64 `json:"rate"`
	Pitch  float64 `json:"pitch"`
	Volume float64 `json:"volume"`
	Voice  string  `json:"voice"`
	Locale string  `json:"locale"`
}

// Remote synthesizes through the HTTP engine.
type Remote struct {
	SpeakerID     int     `json:"speaker_id"`
	Speed         float64 `json:"speed"`
	Pitch         float64 `json:"pitch"`
	Intonation    float64 `json:"intonation"`
	AllowFallback bool    `json:"allow_fallback"` // use Local when the remote engine fails
}

func (None) Kind() Kind   { return KindNone }
func (Local) Kind() Kind  { return KindLocal }
func (Remote) Kind() Kind { return KindRemote }

// ParseKind validates an engine name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindNone, KindLocal, KindRemote:
		return k, nil
	case "":
		return KindNone, nil
	default:
		return "", fmt.Errorf("speech: unknown engine %q", s)
	}
}

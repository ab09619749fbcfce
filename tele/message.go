// Package tele defines records sent to relay subscribers.
// Every record is one JSON object per WebSocket text frame.
package tele

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

type Message interface {
	Kind() string
}

const (
	KindTelemetry = "telemetry"
	KindAlert     = "alert"
	KindSystem    = "system"
	KindHeartbeat = "heartbeat"
	KindPong      = "pong"
	KindUntyped   = "untyped"
)

// Value is either number or string, decided at construction.
// Zero Value is string "".
type Value struct {
	num     float64
	str     string
	numeric bool
}

func Number(f float64) Value { return Value{num: f, numeric: true} }
func String(s string) Value  { return Value{str: s} }

// Float returns number and true, or 0 and false for string value.
func (v Value) Float() (float64, bool) { return v.num, v.numeric }

func (v Value) String() string {
	if v.numeric {
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	}
	return v.str
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.numeric {
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			// parser never produces these, keep encoder total anyway
			return json.Marshal(v.String())
		}
		return json.Marshal(v.num)
	}
	return json.Marshal(v.str)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*v = Number(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*v = String(s)
	return nil
}

type Telemetry struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
	Raw   string `json:"raw"`
}

func (Telemetry) Kind() string { return KindTelemetry }

type Alert struct {
	Alert string `json:"alert"`
}

func (Alert) Kind() string { return KindAlert }

type System struct {
	Message string
}

func (System) Kind() string { return KindSystem }

func (s System) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		System  bool   `json:"system"`
		Message string `json:"message"`
	}{true, s.Message})
}

type Heartbeat struct {
	// Unix seconds with fraction.
	Timestamp float64
}

func NewHeartbeat(t time.Time) Heartbeat {
	return Heartbeat{Timestamp: float64(t.UnixNano()) / float64(time.Second)}
}

func (Heartbeat) Kind() string { return KindHeartbeat }

func (h Heartbeat) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		System    bool    `json:"system"`
		Heartbeat bool    `json:"heartbeat"`
		Timestamp float64 `json:"timestamp"`
	}{true, true, h.Timestamp})
}

// Pong answers subscriber ping, timestamp is echoed verbatim.
type Pong struct {
	Timestamp json.RawMessage
}

func (Pong) Kind() string { return KindPong }

func (p Pong) MarshalJSON() ([]byte, error) {
	ts := p.Timestamp
	if len(ts) == 0 {
		ts = json.RawMessage("null")
	}
	return json.Marshal(struct {
		System    bool            `json:"system"`
		Message   string          `json:"message"`
		Timestamp json.RawMessage `json:"timestamp"`
	}{true, "Pong", ts})
}

// Untyped is device line without name/value separator.
type Untyped struct {
	Raw string `json:"raw"`
}

func (Untyped) Kind() string { return KindUntyped }

// Inbound is record received from subscriber.
type Inbound struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

func Encode(m Message) ([]byte, error) { return json.Marshal(m) }

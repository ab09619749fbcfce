// Package line turns device text lines into subscriber records.
//
// Line format is `name,value`. Only the first comma separates, the rest
// belongs to value. Value is a number when it parses as finite float,
// otherwise the value token string (not the whole line).
package line

import (
	"math"
	"strconv"
	"strings"

	"github.com/temoto/telerelay/tele"
)

const Separator = ","

const StatusName = "status"

// DefaultAlerts maps numeric `status` values to alert text.
func DefaultAlerts() map[float64]string {
	return map[float64]string{
		1: "subject is well",
		2: "subject is not well",
	}
}

// Parse returns telemetry record or false for empty or unstructured line.
// Name and value token are whitespace-trimmed, Raw is the trimmed line.
func Parse(s string) (tele.Telemetry, bool) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return tele.Telemetry{}, false
	}
	i := strings.Index(raw, Separator)
	if i < 0 {
		return tele.Telemetry{}, false
	}
	name := strings.TrimSpace(raw[:i])
	if name == "" {
		return tele.Telemetry{}, false
	}
	token := strings.TrimSpace(raw[i+len(Separator):])
	return tele.Telemetry{Name: name, Value: parseValue(token), Raw: raw}, true
}

func parseValue(token string) tele.Value {
	f, err := strconv.ParseFloat(token, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return tele.String(token)
	}
	return tele.Number(f)
}

// AlertFor derives alert from numeric `status` telemetry.
func AlertFor(t tele.Telemetry, alerts map[float64]string) (tele.Alert, bool) {
	if t.Name != StatusName {
		return tele.Alert{}, false
	}
	code, ok := t.Value.Float()
	if !ok {
		return tele.Alert{}, false
	}
	text, ok := alerts[code]
	if !ok {
		return tele.Alert{}, false
	}
	return tele.Alert{Alert: text}, true
}

type Parser struct {
	// Untyped lines without separator are surfaced as tele.Untyped instead of dropped.
	Untyped bool
	Alerts  map[float64]string
}

func NewParser(untyped bool, alerts map[float64]string) *Parser {
	if alerts == nil {
		alerts = DefaultAlerts()
	}
	return &Parser{Untyped: untyped, Alerts: alerts}
}

// Messages returns records for one line in delivery order.
func (p *Parser) Messages(s string) []tele.Message {
	t, ok := Parse(s)
	if !ok {
		raw := strings.TrimSpace(s)
		if p.Untyped && raw != "" {
			return []tele.Message{tele.Untyped{Raw: raw}}
		}
		return nil
	}
	if a, ok := AlertFor(t, p.Alerts); ok {
		return []tele.Message{t, a}
	}
	return []tele.Message{t}
}

// Package publish implements the fan-out consumers of spec.md §4.8: the
// in-memory API store, the Prometheus metric publisher, and the MQTT
// publisher (with its Lua-based topic/payload interpolator, §4.9). All three
// subscribe to the same internal/syncutil.FanOut of CollectorEvent.
package publish

import (
	"time"

	"github.com/srg/blecollector/internal/config"
	"github.com/srg/blecollector/internal/convert"
	"github.com/srg/blecollector/internal/fqcn"
)

// EventKind tags a CollectorEvent's variant.
type EventKind int

const (
	EventPayload EventKind = iota
	EventConnect
	EventDisconnect
)

// CollectorEvent is the one type flowing through the fan-out: a
// characteristic payload update, or a per-characteristic connect/disconnect
// transition, per spec.md §3's `{Payload p | Connect request | Disconnect(fqcn,
// conf)}` and §4.6.2/§4.6.5. Connect and Disconnect are emitted once per
// matched characteristic (not once per peripheral), carrying Config so the
// MQTT publisher can render that characteristic's discovery payload without
// a second config lookup.
type CollectorEvent struct {
	Kind      EventKind
	Key       fqcn.PeripheralKey
	Fqcn      fqcn.Fqcn
	Payload   *CharacteristicPayload       // set when Kind == EventPayload
	Config    *config.CharacteristicConfig // set when Kind == EventConnect or EventDisconnect
	Timestamp time.Time
}

// CharacteristicPayload is the decoded value of one poll/notification,
// together with the configuration that produced it so publishers don't need
// a second config lookup.
type CharacteristicPayload struct {
	Value  convert.Value
	Raw    []byte
	Config *config.CharacteristicConfig
}

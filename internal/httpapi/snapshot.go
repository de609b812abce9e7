package httpapi

import (
	"time"

	"github.com/srg/blecollector/internal/config"
	"github.com/srg/blecollector/internal/convert"
	"github.com/srg/blecollector/internal/publish"
)

// historyEntryJSON is one retained sample of a characteristic's ring, as
// serialized for /ble/data and the single-characteristic descriptor
// endpoint (SPEC_FULL.md §10).
type historyEntryJSON struct {
	Value     interface{} `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
}

func snapshotHistory(entries []publish.HistoryEntry) []historyEntryJSON {
	out := make([]historyEntryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyEntryJSON{Value: valueJSON(e.Value), Timestamp: e.Timestamp})
	}
	return out
}

// valueJSON normalizes a decoded convert.Value to whichever scalar it
// actually holds, so numeric values serialize as JSON numbers rather than
// as a wrapper struct.
func valueJSON(v convert.Value) interface{} {
	switch {
	case v.IsInt:
		return v.Int
	case v.IsStr:
		return v.Str
	case v.IsRaw:
		return v.Raw
	default:
		return v.Float
	}
}

type characteristicSnapshot struct {
	UUID       string             `json:"uuid"`
	Name       string             `json:"name,omitempty"`
	NumUpdates uint64             `json:"num_updates"`
	UpdatedAt  time.Time          `json:"updated_at"`
	History    []historyEntryJSON `json:"history"`
}

type serviceSnapshot struct {
	UUID            string                   `json:"uuid"`
	Name            string                   `json:"name,omitempty"`
	NumUpdates      uint64                   `json:"num_updates"`
	UpdatedAt       time.Time                `json:"updated_at"`
	Characteristics []characteristicSnapshot `json:"characteristics"`
}

type peripheralSnapshot struct {
	AdapterID  string            `json:"adapter_id"`
	Address    string            `json:"address"`
	Name       string            `json:"name,omitempty"`
	Connected  bool              `json:"connected"`
	NumUpdates uint64            `json:"num_updates"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Services   []serviceSnapshot `json:"services"`
}

// snapshotPeripherals renders a slice of API-store records into their JSON
// shape, for both GET /ble/adapters/{id}/peripherals and GET /ble/data
// (spec.md §6.2).
func snapshotPeripherals(records []*publish.PeripheralRecord) []peripheralSnapshot {
	out := make([]peripheralSnapshot, 0, len(records))
	for _, per := range records {
		ps := peripheralSnapshot{
			AdapterID:  per.Key.AdapterID,
			Address:    per.Key.Address,
			Name:       per.Key.Name,
			Connected:  per.Connected,
			NumUpdates: per.NumUpdates,
			UpdatedAt:  per.UpdatedAt,
		}
		for _, svc := range per.Services {
			ss := serviceSnapshot{
				UUID:       svc.UUID,
				Name:       svc.Name,
				NumUpdates: svc.NumUpdates,
				UpdatedAt:  svc.UpdatedAt,
			}
			for _, ch := range svc.Characteristics {
				name := ""
				if ch.Config != nil {
					name = ch.Config.Name
				}
				ss.Characteristics = append(ss.Characteristics, characteristicSnapshot{
					UUID:       ch.UUID,
					Name:       name,
					NumUpdates: ch.NumUpdates,
					UpdatedAt:  ch.UpdatedAt,
					History:    snapshotHistory(ch.History()),
				})
			}
			ps.Services = append(ps.Services, ss)
		}
		out = append(out, ps)
	}
	return out
}

type characteristicDescriptor struct {
	ServiceUUID        string             `json:"service_uuid"`
	CharacteristicUUID string             `json:"characteristic_uuid"`
	KnownName          string             `json:"known_name,omitempty"`
	NumUpdates         uint64             `json:"num_updates"`
	UpdatedAt          time.Time          `json:"updated_at"`
	History            []historyEntryJSON `json:"history"`
}

type characteristicConfigSnapshot struct {
	Kind               string `json:"kind"`
	Name               string `json:"name,omitempty"`
	ServiceName        string `json:"service_name,omitempty"`
	ServiceUUID        string `json:"service_uuid"`
	CharacteristicUUID string `json:"characteristic_uuid"`
	HistorySize        int    `json:"history_size"`
	DelayMillis        int64  `json:"delay_ms,omitempty"`
}

type configurationSnapshot struct {
	Name            string                         `json:"name"`
	Characteristics []characteristicConfigSnapshot `json:"characteristics"`
}

// snapshotConfigurations renders the effective flattened peripheral configs
// for GET /ble/configurations (spec.md §6.2).
func snapshotConfigurations(configs []*config.FlatPeripheralConfig) []configurationSnapshot {
	out := make([]configurationSnapshot, 0, len(configs))
	for _, cfg := range configs {
		cs := configurationSnapshot{Name: cfg.Name}
		for key, cc := range cfg.ServiceMap {
			cs.Characteristics = append(cs.Characteristics, characteristicConfigSnapshot{
				Kind:               string(cc.Kind),
				Name:               cc.Name,
				ServiceName:        cc.ServiceName,
				ServiceUUID:        key.ServiceUUID,
				CharacteristicUUID: key.CharacteristicUUID,
				HistorySize:        cc.HistorySize,
				DelayMillis:        cc.Delay.Milliseconds(),
			})
		}
		out = append(out, cs)
	}
	return out
}

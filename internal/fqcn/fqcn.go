// Package fqcn defines the universal routing key used across the collector:
// the fully-qualified characteristic name and the peripheral identity it is
// derived from.
package fqcn

import "fmt"

// Fqcn is a fully-qualified characteristic name: the triple that uniquely
// identifies one characteristic on one peripheral. It is immutable and
// suitable as a map key.
type Fqcn struct {
	PeripheralAddress  string
	ServiceUUID        string
	CharacteristicUUID string
}

// New builds an Fqcn from its three components.
func New(address, service, characteristic string) Fqcn {
	return Fqcn{
		PeripheralAddress:  address,
		ServiceUUID:        service,
		CharacteristicUUID: characteristic,
	}
}

// String renders a human-readable form, e.g. "AA:BB:CC:DD:EE:FF/180d/2a37".
func (f Fqcn) String() string {
	return fmt.Sprintf("%s/%s/%s", f.PeripheralAddress, f.ServiceUUID, f.CharacteristicUUID)
}

// Clean returns the address/service/characteristic sanitized for use as an
// MQTT topic segment or metric label: every character outside
// [A-Za-z0-9_-] becomes '_'.
func (f Fqcn) Clean() Fqcn {
	return Fqcn{
		PeripheralAddress:  Sanitize(f.PeripheralAddress),
		ServiceUUID:        Sanitize(f.ServiceUUID),
		CharacteristicUUID: Sanitize(f.CharacteristicUUID),
	}
}

// Sanitize replaces every rune outside [A-Za-z0-9_-] with '_'.
func Sanitize(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// PeripheralKey identifies a discovered peripheral on a specific adapter.
// Name is populated opportunistically from advertised properties or a cache
// hit and may be empty.
type PeripheralKey struct {
	AdapterID string
	Address   string
	Name      string
}

// String renders "adapter/address" for logging, independent of Name.
func (k PeripheralKey) String() string {
	return fmt.Sprintf("%s/%s", k.AdapterID, k.Address)
}

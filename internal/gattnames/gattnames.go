// Package gattnames looks up human-readable names for well-known GATT
// service/characteristic UUIDs. It stands in for the teacher's
// internal/bledb package, whose name table is produced by a code generator
// whose generated data file was not present in the snapshot this repo was
// built from; this is a small, hand-maintained equivalent covering the
// Bluetooth SIG's most common assigned numbers; see SPEC_FULL.md §10.
package gattnames

import "github.com/srg/blecollector/internal/device"

var names = map[string]string{
	// Services
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery Service",
	"181a": "Environmental Sensing",
	"181c": "User Data",
	"1812": "Human Interface Device",

	// Characteristics
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a19": "Battery Level",
	"2a37": "Heart Rate Measurement",
	"2a38": "Body Sensor Location",
	"2a29": "Manufacturer Name String",
	"2a24": "Model Number String",
	"2a25": "Serial Number String",
	"2a26": "Firmware Revision String",
	"2a6e": "Temperature",
	"2a6f": "Humidity",
	"2a6d": "Pressure",
}

// Lookup returns the well-known name for a normalized (lowercase,
// no-dashes) 16-bit UUID, if any.
func Lookup(uuid string) (string, bool) {
	name, ok := names[device.NormalizeUUID(uuid)]
	return name, ok
}

// Package convert decodes raw BLE characteristic octet buffers into typed
// scalar values according to a declared Converter.
package convert

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Kind enumerates the Converter variants.
type Kind string

const (
	Raw      Kind = "raw"
	Utf8     Kind = "utf8"
	F32      Kind = "f32"
	Signed   Kind = "signed"
	Unsigned Kind = "unsigned"
)

// Converter decodes a byte buffer per §3's Converter variant. L, M, D, B are
// only meaningful for Signed/Unsigned.
type Converter struct {
	Kind Kind `yaml:"kind"`
	L    int  `yaml:"l,omitempty"` // byte length, [0,8]
	M    int  `yaml:"m,omitempty"` // multiplier, [-10,10]
	D    int  `yaml:"d,omitempty"` // decimal exponent
	B    int  `yaml:"b,omitempty"` // binary exponent
}

// Value is the decoded result: either an int64, a float64, a string, or the
// raw []byte, depending on Kind.
type Value struct {
	Int   int64
	Float float64
	Str   string
	Raw   []byte
	IsInt bool
	IsStr bool
	IsRaw bool
}

// LenMismatchError is returned when the buffer length does not match the
// Converter's declared L.
type LenMismatchError struct {
	Want, Got int
}

func (e *LenMismatchError) Error() string {
	return fmt.Sprintf("conversion: expected %d bytes, got %d", e.Want, e.Got)
}

// Validate checks the Converter's field ranges at configuration load time.
func (c Converter) Validate() error {
	switch c.Kind {
	case Raw, Utf8, F32:
		return nil
	case Signed, Unsigned:
		if c.L < 0 || c.L > 8 {
			return fmt.Errorf("conversion: l=%d out of range [0,8]", c.L)
		}
		if c.M < -10 || c.M > 10 {
			return fmt.Errorf("conversion: m=%d out of range [-10,10]", c.M)
		}
		return nil
	default:
		return fmt.Errorf("conversion: unknown converter kind %q", c.Kind)
	}
}

// Decode converts the raw buffer into a Value per the rules in spec.md §3.
func (c Converter) Decode(buf []byte) (Value, error) {
	switch c.Kind {
	case Raw, "":
		return Value{Raw: buf, IsRaw: true}, nil

	case Utf8:
		trimmed := strings.TrimRight(string(buf), "\x00")
		return Value{Str: trimmed, IsStr: true}, nil

	case F32:
		if len(buf) != 4 {
			return Value{}, &LenMismatchError{Want: 4, Got: len(buf)}
		}
		bits := binary.LittleEndian.Uint32(buf)
		return Value{Float: float64(math.Float32frombits(bits))}, nil

	case Signed:
		if len(buf) != c.L {
			return Value{}, &LenMismatchError{Want: c.L, Got: len(buf)}
		}
		raw := decodeSigned(buf)
		return scale(raw, c.M, c.D, c.B), nil

	case Unsigned:
		if len(buf) != c.L {
			return Value{}, &LenMismatchError{Want: c.L, Got: len(buf)}
		}
		raw := decodeUnsigned(buf)
		return scale(float64(raw), c.M, c.D, c.B), nil

	default:
		return Value{}, fmt.Errorf("conversion: unknown converter kind %q", c.Kind)
	}
}

// decodeSigned interprets buf as a little-endian two's-complement integer of
// arbitrary length (1-8 bytes).
func decodeSigned(buf []byte) float64 {
	var u uint64
	for i := len(buf) - 1; i >= 0; i-- {
		u = (u << 8) | uint64(buf[i])
	}
	bits := uint(len(buf) * 8)
	signBit := uint64(1) << (bits - 1)
	if u&signBit != 0 {
		u -= uint64(1) << bits
	}
	return float64(int64(u))
}

func decodeUnsigned(buf []byte) uint64 {
	var u uint64
	for i := len(buf) - 1; i >= 0; i-- {
		u = (u << 8) | uint64(buf[i])
	}
	return u
}

// scale applies value * m * 10^d * 2^b. The result is reported as an
// integral Value when both exponents are non-negative, otherwise as a
// float, per spec.md §3.
func scale(raw float64, m, d, b int) Value {
	result := raw * float64(m) * math.Pow(10, float64(d)) * math.Pow(2, float64(b))
	if d >= 0 && b >= 0 {
		return Value{Int: int64(result), IsInt: true}
	}
	return Value{Float: result}
}

// AsFloat64 normalizes any numeric Value to float64, for consumers (the
// metric publisher's gauge/histogram dispatch) that don't care about the
// int/float distinction. ok is false for Str/Raw values.
func (v Value) AsFloat64() (f float64, ok bool) {
	switch {
	case v.IsInt:
		return float64(v.Int), true
	case v.IsStr, v.IsRaw:
		return 0, false
	default:
		return v.Float, true
	}
}

// AsUint64 normalizes any numeric Value to uint64 for counter increments.
func (v Value) AsUint64() (u uint64, ok bool) {
	f, ok := v.AsFloat64()
	if !ok || f < 0 {
		return 0, false
	}
	return uint64(f), true
}

package wire

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Sep separates frame fields.
const Sep = "\x03"

var (
	// ErrMalformed is returned for frames that cannot be parsed.
	ErrMalformed = errors.New("malformed o2lite frame")

	// ErrUnknownAddress is returned when no message is registered for an
	// address.
	ErrUnknownAddress = errors.New("unknown address")

	// ErrTypeMismatch is returned when a frame's type string does not match
	// the registered one, or a value does not match its type code.
	ErrTypeMismatch = errors.New("type mismatch")
)

// Type codes.
const (
	TypeInt32   byte = 'i'
	TypeInt64   byte = 'h'
	TypeFloat32 byte = 'f'
	TypeDouble  byte = 'd'
	TypeTime    byte = 't'
	TypeString  byte = 's'
	TypeSymbol  byte = 'S'
)

// Value is one typed frame argument.
type Value struct {
	Type  byte
	Int   int64
	Float float64
	Str   string
}

// Int32 returns an 'i' value.
func Int32(v int32) Value { return Value{Type: TypeInt32, Int: int64(v)} }

// Int64 returns an 'h' value.
func Int64(v int64) Value { return Value{Type: TypeInt64, Int: v} }

// Float32 returns an 'f' value.
func Float32(v float32) Value { return Value{Type: TypeFloat32, Float: float64(v)} }

// Double returns a 'd' value.
func Double(v float64) Value { return Value{Type: TypeDouble, Float: v} }

// Time returns a 't' value.
func Time(v float64) Value { return Value{Type: TypeTime, Float: v} }

// String returns an 's' value.
func String(v string) Value { return Value{Type: TypeString, Str: v} }

// Symbol returns an 'S' value.
func Symbol(v string) Value { return Value{Type: TypeSymbol, Str: v} }

// Frame is a decoded O2lite message.
type Frame struct {
	Address string
	Time    float64
	Types   string
	TCP     bool
	Args    []Value
}

// MarshalText encodes the frame.
func (f Frame) MarshalText() ([]byte, error) {
	s, err := f.Encode()
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// Encode returns the frame as an O2lite string.
func (f Frame) Encode() (string, error) {
	if f.Address == "" || strings.Contains(f.Address, Sep) {
		return "", fmt.Errorf("%w: bad address %q", ErrMalformed, f.Address)
	}
	if len(f.Types) != len(f.Args) {
		return "", fmt.Errorf("%w: %d types for %d values", ErrMalformed, len(f.Types), len(f.Args))
	}

	var b strings.Builder
	b.WriteString(f.Address)
	b.WriteString(Sep)
	b.WriteString(strconv.FormatFloat(f.Time, 'f', 4, 64))
	b.WriteString(Sep)
	b.WriteString(f.Types)
	b.WriteString(Sep)
	if f.TCP {
		b.WriteString("1")
	} else {
		b.WriteString("0")
	}
	b.WriteString(Sep)

	for i, v := range f.Args {
		if v.Type != f.Types[i] {
			return "", fmt.Errorf("%w: value %d is %q, types say %q", ErrTypeMismatch, i, v.Type, f.Types[i])
		}
		field, err := formatValue(v)
		if err != nil {
			return "", fmt.Errorf("value %d: %w", i, err)
		}
		b.WriteString(field)
		b.WriteString(Sep)
	}
	return b.String(), nil
}

func formatValue(v Value) (string, error) {
	switch v.Type {
	case TypeInt32, TypeInt64:
		return strconv.FormatInt(v.Int, 10), nil
	case TypeFloat32:
		return strconv.FormatFloat(v.Float, 'g', -1, 32), nil
	case TypeDouble:
		return strconv.FormatFloat(v.Float, 'g', -1, 64), nil
	case TypeTime:
		return strconv.FormatFloat(v.Float, 'f', 4, 64), nil
	case TypeString, TypeSymbol:
		if strings.Contains(v.Str, Sep) {
			return "", fmt.Errorf("%w: string contains separator", ErrMalformed)
		}
		return v.Str, nil
	default:
		return "", fmt.Errorf("%w: unknown type code %q", ErrTypeMismatch, v.Type)
	}
}

// DecodeFrame parses an O2lite string.
func DecodeFrame(s string) (Frame, error) {
	// Every field, including the last value, is followed by a separator.
	s = strings.TrimSuffix(s, Sep)
	fields := strings.Split(s, Sep)
	if len(fields) < 4 {
		return Frame{}, fmt.Errorf("%w: %d header fields", ErrMalformed, len(fields))
	}

	f := Frame{Address: fields[0], Types: fields[2]}
	if f.Address == "" {
		return Frame{}, fmt.Errorf("%w: empty address", ErrMalformed)
	}

	t, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: time %q", ErrMalformed, fields[1])
	}
	f.Time = t

	tcp, err := strconv.Atoi(fields[3])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: tcp flag %q", ErrMalformed, fields[3])
	}
	f.TCP = tcp != 0

	values := fields[4:]
	if len(f.Types) == 0 && len(values) == 1 && values[0] == "" {
		values = nil
	}
	if len(values) != len(f.Types) {
		return Frame{}, fmt.Errorf("%w: %d values for types %q", ErrMalformed, len(values), f.Types)
	}

	f.Args = make([]Value, len(values))
	for i, raw := range values {
		v, err := parseValue(f.Types[i], raw)
		if err != nil {
			return Frame{}, fmt.Errorf("value %d: %w", i, err)
		}
		f.Args[i] = v
	}
	return f, nil
}

func parseValue(code byte, raw string) (Value, error) {
	v := Value{Type: code}
	switch code {
	case TypeInt32:
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return Value{}, fmt.Errorf("%w: int32 %q", ErrTypeMismatch, raw)
		}
		v.Int = n
	case TypeInt64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: int64 %q", ErrTypeMismatch, raw)
		}
		v.Int = n
	case TypeFloat32, TypeDouble, TypeTime:
		x, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(x) {
			return Value{}, fmt.Errorf("%w: number %q", ErrTypeMismatch, raw)
		}
		v.Float = x
	case TypeString, TypeSymbol:
		v.Str = raw
	default:
		return Value{}, fmt.Errorf("%w: unknown type code %q", ErrTypeMismatch, code)
	}
	return v, nil
}

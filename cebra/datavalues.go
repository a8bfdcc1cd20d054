/*
	This file handles the scalar types a voxel can carry and which conversions between
	them preserve every value.
*/

package cebra

import (
	"fmt"
	"math"
	"strings"
)

// DataType is the scalar type of each voxel value, e.g., a uint8 or a float32.
type DataType uint8

const (
	T_uint8 DataType = iota
	T_int8
	T_uint16
	T_int16
	T_uint32
	T_int32
	T_uint64
	T_int64
	T_float32
	T_float64
)

type typeInfo struct {
	name   string
	bytes  int
	signed bool
	float  bool
}

var typeInfos = map[DataType]typeInfo{
	T_uint8:   {"uint8", 1, false, false},
	T_int8:    {"int8", 1, true, false},
	T_uint16:  {"uint16", 2, false, false},
	T_int16:   {"int16", 2, true, false},
	T_uint32:  {"uint32", 4, false, false},
	T_int32:   {"int32", 4, true, false},
	T_uint64:  {"uint64", 8, false, false},
	T_int64:   {"int64", 8, true, false},
	T_float32: {"float32", 4, true, true},
	T_float64: {"float64", 8, true, true},
}

// ParseDataType returns the DataType for a name like "uint16".
func ParseDataType(s string) (DataType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, info := range typeInfos {
		if info.name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedType, s)
}

func (t DataType) String() string {
	info, found := typeInfos[t]
	if !found {
		return fmt.Sprintf("unknown type %d", uint8(t))
	}
	return info.name
}

// Valid returns true if t is a known type.
func (t DataType) Valid() bool {
	_, found := typeInfos[t]
	return found
}

// Bytes returns the number of bytes for one value of this type.
func (t DataType) Bytes() int {
	return typeInfos[t].bytes
}

// IsFloat returns true for floating point types.
func (t DataType) IsFloat() bool {
	return typeInfos[t].float
}

// IsSigned returns true for signed integer and floating point types.
func (t DataType) IsSigned() bool {
	return typeInfos[t].signed
}

// Range returns the minimum and maximum representable values.  For 64-bit integers the
// bounds are the nearest float64 values.
func (t DataType) Range() (lo, hi float64) {
	info := typeInfos[t]
	switch {
	case t == T_float32:
		return -math.MaxFloat32, math.MaxFloat32
	case t == T_float64:
		return -math.MaxFloat64, math.MaxFloat64
	case info.signed:
		bits := uint(info.bytes*8 - 1)
		return -math.Ldexp(1, int(bits)), math.Ldexp(1, int(bits)) - 1
	default:
		return 0, math.Ldexp(1, info.bytes*8) - 1
	}
}

// MaxLabel returns the largest label an unsigned integer type can hold.  Zero is returned
// for signed or floating point types.
func (t DataType) MaxLabel() uint64 {
	switch t {
	case T_uint8:
		return math.MaxUint8
	case T_uint16:
		return math.MaxUint16
	case T_uint32:
		return math.MaxUint32
	case T_uint64:
		return math.MaxUint64
	}
	return 0
}

// valueBits returns the number of bits needed to hold every magnitude of an integer type.
func (info typeInfo) valueBits() int {
	if info.signed {
		return info.bytes*8 - 1
	}
	return info.bytes * 8
}

// LosslessTo returns true if every value of t can be represented exactly in t2.
func (t DataType) LosslessTo(t2 DataType) bool {
	if t == t2 {
		return true
	}
	src, found := typeInfos[t]
	if !found {
		return false
	}
	dst, found := typeInfos[t2]
	if !found {
		return false
	}
	if dst.float {
		if src.float {
			return dst.bytes >= src.bytes
		}
		mantissa := 24
		if t2 == T_float64 {
			mantissa = 53
		}
		return src.valueBits() <= mantissa
	}
	if src.float {
		return false
	}
	if src.signed && !dst.signed {
		return false
	}
	return src.valueBits() <= dst.valueBits()
}

// MarshalText implements encoding.TextMarshaler so types read naturally in TOML and JSON.
func (t DataType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *DataType) UnmarshalText(b []byte) error {
	parsed, err := ParseDataType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

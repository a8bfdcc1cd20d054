/*
	Package volume implements dense 3d (or channel-leading 4d) voxel arrays of a fixed scalar
	type, the unit of data that flows between the reader, the compute dispatcher and the
	writer.  Values are stored little endian with x varying fastest, then y, z and channel.
	Operations return new volumes unless their documentation says otherwise.
*/
package volume

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dokempf/CebraEM/cebra"
)

// Volume is a dense array of voxel values.
type Volume struct {
	Type     cebra.DataType
	Size     cebra.Point3d
	Channels int32
	Data     []byte
}

// New returns a zeroed single-channel volume.
func New(t cebra.DataType, size cebra.Point3d) *Volume {
	return NewChannels(t, size, 1)
}

// NewChannels returns a zeroed volume with the given number of leading channels.
func NewChannels(t cebra.DataType, size cebra.Point3d, channels int32) *Volume {
	if channels < 1 {
		channels = 1
	}
	n := size.Max(cebra.Point3d{}).Prod() * int64(channels)
	return &Volume{
		Type:     t,
		Size:     size,
		Channels: channels,
		Data:     make([]byte, n*int64(t.Bytes())),
	}
}

// NewFilled returns a single-channel volume with every voxel set to value.
func NewFilled(t cebra.DataType, size cebra.Point3d, value float64) *Volume {
	v := New(t, size)
	v.Fill(value)
	return v
}

// FromUint8 wraps a uint8 slice of matching length.
func FromUint8(size cebra.Point3d, values []uint8) (*Volume, error) {
	if int64(len(values)) != size.Prod() {
		return nil, fmt.Errorf("%w: %d values for size %s", cebra.ErrShapeMismatch, len(values), size)
	}
	data := make([]byte, len(values))
	copy(data, values)
	return &Volume{Type: cebra.T_uint8, Size: size, Channels: 1, Data: data}, nil
}

// FromLabels builds a volume of the given unsigned type from uint64 labels.
func FromLabels(t cebra.DataType, size cebra.Point3d, labels []uint64) (*Volume, error) {
	if int64(len(labels)) != size.Prod() {
		return nil, fmt.Errorf("%w: %d labels for size %s", cebra.ErrShapeMismatch, len(labels), size)
	}
	v := New(t, size)
	for i, lbl := range labels {
		v.SetLabel(i, lbl)
	}
	return v, nil
}

// FromFloats builds a volume of the given type from float64 values.
func FromFloats(t cebra.DataType, size cebra.Point3d, values []float64) (*Volume, error) {
	if int64(len(values)) != size.Prod() {
		return nil, fmt.Errorf("%w: %d values for size %s", cebra.ErrShapeMismatch, len(values), size)
	}
	v := New(t, size)
	for i, f := range values {
		v.SetValue(i, f)
	}
	return v, nil
}

func (v *Volume) String() string {
	if v.Channels > 1 {
		return fmt.Sprintf("%s volume %d x %s", v.Type, v.Channels, v.Size)
	}
	return fmt.Sprintf("%s volume %s", v.Type, v.Size)
}

// NumVoxels returns the number of spatial voxels.
func (v *Volume) NumVoxels() int64 {
	return v.Size.Prod()
}

// NumValues returns the number of voxels times channels.
func (v *Volume) NumValues() int {
	return int(v.Size.Prod()) * int(v.Channels)
}

// Index returns the flat index of a voxel in channel 0.
func (v *Volume) Index(x, y, z int32) int {
	return int(z)*int(v.Size[0])*int(v.Size[1]) + int(y)*int(v.Size[0]) + int(x)
}

// IndexC returns the flat index of a voxel in the given channel.
func (v *Volume) IndexC(c, x, y, z int32) int {
	return int(c)*int(v.Size.Prod()) + v.Index(x, y, z)
}

// Value returns the i-th value as a float64.
func (v *Volume) Value(i int) float64 {
	d := v.Data
	switch v.Type {
	case cebra.T_uint8:
		return float64(d[i])
	case cebra.T_int8:
		return float64(int8(d[i]))
	case cebra.T_uint16:
		return float64(binary.LittleEndian.Uint16(d[2*i:]))
	case cebra.T_int16:
		return float64(int16(binary.LittleEndian.Uint16(d[2*i:])))
	case cebra.T_uint32:
		return float64(binary.LittleEndian.Uint32(d[4*i:]))
	case cebra.T_int32:
		return float64(int32(binary.LittleEndian.Uint32(d[4*i:])))
	case cebra.T_uint64:
		return float64(binary.LittleEndian.Uint64(d[8*i:]))
	case cebra.T_int64:
		return float64(int64(binary.LittleEndian.Uint64(d[8*i:])))
	case cebra.T_float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(d[4*i:])))
	case cebra.T_float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(d[8*i:]))
	}
	return 0
}

// SetValue stores a float64, rounding for integer types and clamping to the type range.
func (v *Volume) SetValue(i int, f float64) {
	if !v.Type.IsFloat() {
		if math.IsNaN(f) {
			f = 0
		}
		f = math.Round(f)
		lo, hi := v.Type.Range()
		if f < lo {
			f = lo
		}
		if f > hi {
			f = hi
		}
	}
	d := v.Data
	switch v.Type {
	case cebra.T_uint8:
		d[i] = uint8(f)
	case cebra.T_int8:
		d[i] = uint8(int8(f))
	case cebra.T_uint16:
		binary.LittleEndian.PutUint16(d[2*i:], uint16(f))
	case cebra.T_int16:
		binary.LittleEndian.PutUint16(d[2*i:], uint16(int16(f)))
	case cebra.T_uint32:
		binary.LittleEndian.PutUint32(d[4*i:], uint32(f))
	case cebra.T_int32:
		binary.LittleEndian.PutUint32(d[4*i:], uint32(int32(f)))
	case cebra.T_uint64:
		u := uint64(math.MaxUint64)
		if f < 18446744073709549568 {
			u = uint64(f)
		}
		binary.LittleEndian.PutUint64(d[8*i:], u)
	case cebra.T_int64:
		s := int64(math.MaxInt64)
		if f < 9223372036854774784 {
			s = int64(f)
		}
		binary.LittleEndian.PutUint64(d[8*i:], uint64(s))
	case cebra.T_float32:
		binary.LittleEndian.PutUint32(d[4*i:], math.Float32bits(float32(f)))
	case cebra.T_float64:
		binary.LittleEndian.PutUint64(d[8*i:], math.Float64bits(f))
	}
}

// Label returns the i-th value as an unsigned label.  Signed values are reinterpreted and
// floats truncated.
func (v *Volume) Label(i int) uint64 {
	d := v.Data
	switch v.Type {
	case cebra.T_uint8, cebra.T_int8:
		return uint64(d[i])
	case cebra.T_uint16, cebra.T_int16:
		return uint64(binary.LittleEndian.Uint16(d[2*i:]))
	case cebra.T_uint32, cebra.T_int32:
		return uint64(binary.LittleEndian.Uint32(d[4*i:]))
	case cebra.T_uint64, cebra.T_int64:
		return binary.LittleEndian.Uint64(d[8*i:])
	default:
		f := v.Value(i)
		if f <= 0 {
			return 0
		}
		return uint64(f)
	}
}

// SetLabel stores an unsigned label, truncating to the type width.
func (v *Volume) SetLabel(i int, lbl uint64) {
	d := v.Data
	switch v.Type {
	case cebra.T_uint8, cebra.T_int8:
		d[i] = uint8(lbl)
	case cebra.T_uint16, cebra.T_int16:
		binary.LittleEndian.PutUint16(d[2*i:], uint16(lbl))
	case cebra.T_uint32, cebra.T_int32:
		binary.LittleEndian.PutUint32(d[4*i:], uint32(lbl))
	case cebra.T_uint64, cebra.T_int64:
		binary.LittleEndian.PutUint64(d[8*i:], lbl)
	default:
		v.SetValue(i, float64(lbl))
	}
}

// int64Value returns a signed integer value exactly.
func (v *Volume) int64Value(i int) int64 {
	d := v.Data
	switch v.Type {
	case cebra.T_int8:
		return int64(int8(d[i]))
	case cebra.T_int16:
		return int64(int16(binary.LittleEndian.Uint16(d[2*i:])))
	case cebra.T_int32:
		return int64(int32(binary.LittleEndian.Uint32(d[4*i:])))
	case cebra.T_int64:
		return int64(binary.LittleEndian.Uint64(d[8*i:]))
	}
	return int64(v.Label(i))
}

// Fill sets every value to f.
func (v *Volume) Fill(f float64) {
	n := v.NumValues()
	if n == 0 {
		return
	}
	v.SetValue(0, f)
	nb := v.Type.Bytes()
	for filled := nb; filled < len(v.Data); filled *= 2 {
		copy(v.Data[filled:], v.Data[:filled])
	}
}

// Duplicate returns a deep copy.
func (v *Volume) Duplicate() *Volume {
	data := make([]byte, len(v.Data))
	copy(data, v.Data)
	return &Volume{Type: v.Type, Size: v.Size, Channels: v.Channels, Data: data}
}

// Equal returns true if both volumes have the same type, shape and values.
func (v *Volume) Equal(v2 *Volume) bool {
	if v == nil || v2 == nil {
		return v == v2
	}
	if v.Type != v2.Type || v.Size != v2.Size || v.Channels != v2.Channels || len(v.Data) != len(v2.Data) {
		return false
	}
	for i := range v.Data {
		if v.Data[i] != v2.Data[i] {
			return false
		}
	}
	return true
}

// SameShape returns ErrShapeMismatch unless both volumes share the spatial size.
func SameShape(a, b *Volume) error {
	if a.Size != b.Size {
		return fmt.Errorf("%w: %s vs %s", cebra.ErrShapeMismatch, a.Size, b.Size)
	}
	return nil
}

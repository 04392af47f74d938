// Package netcdf reads NetCDF classic containers (CDF-1, 64-bit offset CDF-2 and
// 64-bit data CDF-5) from memory.
//
// Only what the forecast pipeline needs is exposed: dimensions, attributes,
// variable metadata and numeric variable data widened to float64. All multi-byte
// values in the format are big-endian.
package netcdf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrNotNetCDF is returned when the input does not start with a classic CDF signature.
	ErrNotNetCDF = errors.New("not a netCDF classic file")
	// ErrHDF5 is returned for HDF5-based netCDF-4 containers.
	ErrHDF5 = errors.New("HDF5-based netCDF-4 container is not supported")
	// ErrTruncated is returned when the header or data runs past the end of the input.
	ErrTruncated = errors.New("truncated netCDF data")
	// ErrFormat is returned for structurally invalid headers.
	ErrFormat = errors.New("malformed netCDF header")
	// ErrNotNumeric is returned when numeric data is requested from a char variable.
	ErrNotNumeric = errors.New("variable is not numeric")
)

var hdf5Signature = []byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n'}

const (
	tagDimension = 0x0A
	tagVariable  = 0x0B
	tagAttribute = 0x0C
)

// Type is a netCDF external data type.
type Type int32

const (
	Byte   Type = 1
	Char   Type = 2
	Short  Type = 3
	Int    Type = 4
	Float  Type = 5
	Double Type = 6
	UByte  Type = 7
	UShort Type = 8
	UInt   Type = 9
	Int64  Type = 10
	UInt64 Type = 11
)

// Size returns the encoded size of one value in bytes, or 0 for unknown types.
func (t Type) Size() int64 {
	switch t {
	case Byte, Char, UByte:
		return 1
	case Short, UShort:
		return 2
	case Int, Float, UInt:
		return 4
	case Double, Int64, UInt64:
		return 8
	}
	return 0
}

func (t Type) String() string {
	switch t {
	case Byte:
		return "byte"
	case Char:
		return "char"
	case Short:
		return "short"
	case Int:
		return "int"
	case Float:
		return "float"
	case Double:
		return "double"
	case UByte:
		return "ubyte"
	case UShort:
		return "ushort"
	case UInt:
		return "uint"
	case Int64:
		return "int64"
	case UInt64:
		return "uint64"
	}
	return fmt.Sprintf("type(%d)", int32(t))
}

// Dimension is a named axis. The record (unlimited) dimension reports the record count as Len.
type Dimension struct {
	Name      string
	Len       int64
	Unlimited bool
}

// Attribute holds either Text (char attributes) or Numbers (all numeric types, widened).
type Attribute struct {
	Name    string
	Type    Type
	Text    string
	Numbers []float64
}

// Variable describes one variable. Dims are indices into File.Dims.
type Variable struct {
	Name  string
	Dims  []int
	Attrs []Attribute
	Type  Type
	Begin int64
}

// Attr returns the named variable attribute.
func (v *Variable) Attr(name string) (Attribute, bool) {
	return findAttr(v.Attrs, name)
}

// File is a parsed container. It retains the input slice for data reads.
type File struct {
	Version byte
	NumRecs int64
	Dims    []Dimension
	Attrs   []Attribute
	Vars    []Variable

	data    []byte
	recSize int64
}

// Var returns the named variable.
func (f *File) Var(name string) (*Variable, bool) {
	for i := range f.Vars {
		if f.Vars[i].Name == name {
			return &f.Vars[i], true
		}
	}
	return nil, false
}

// Attr returns the named global attribute.
func (f *File) Attr(name string) (Attribute, bool) {
	return findAttr(f.Attrs, name)
}

// Shape returns the length of each of v's dimensions.
func (f *File) Shape(v *Variable) []int64 {
	shape := make([]int64, len(v.Dims))
	for i, id := range v.Dims {
		shape[i] = f.Dims[id].Len
	}
	return shape
}

// IsRecord reports whether v varies along the record dimension.
func (f *File) IsRecord(v *Variable) bool {
	return len(v.Dims) > 0 && f.Dims[v.Dims[0]].Unlimited
}

// ReadFloat64 returns all values of v in row-major order, widened to float64.
func (f *File) ReadFloat64(v *Variable) ([]float64, error) {
	if v.Type == Char {
		return nil, fmt.Errorf("%w: %s", ErrNotNumeric, v.Name)
	}
	size := v.Type.Size()
	shape := f.Shape(v)

	if !f.IsRecord(v) {
		n := product(shape)
		raw, err := f.slice(v.Begin, n*size)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", v.Name, err)
		}
		return decodeNumbers(v.Type, raw, n), nil
	}

	slabN := product(shape[1:])
	out := make([]float64, 0, slabN*f.NumRecs)
	for r := int64(0); r < f.NumRecs; r++ {
		raw, err := f.slice(v.Begin+r*f.recSize, slabN*size)
		if err != nil {
			return nil, fmt.Errorf("read %s record %d: %w", v.Name, r, err)
		}
		out = append(out, decodeNumbers(v.Type, raw, slabN)...)
	}
	return out, nil
}

func (f *File) slice(off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off > int64(len(f.data)) || n > int64(len(f.data))-off {
		return nil, ErrTruncated
	}
	return f.data[off : off+n], nil
}

// Parse decodes the header of a classic netCDF container held in b.
func Parse(b []byte) (*File, error) {
	if bytes.HasPrefix(b, hdf5Signature) {
		return nil, ErrHDF5
	}
	if len(b) < 4 || string(b[:3]) != "CDF" {
		return nil, ErrNotNetCDF
	}
	version := b[3]
	switch version {
	case 1, 2, 5:
	default:
		return nil, fmt.Errorf("%w: unsupported version byte %d", ErrNotNetCDF, version)
	}

	d := &decoder{b: b, off: 4, version: version}
	f := &File{Version: version, data: b}

	streaming := false
	if version == 5 {
		raw := d.u64()
		if raw == math.MaxUint64 {
			streaming = true
		} else {
			f.NumRecs = int64(raw)
		}
	} else {
		raw := d.u32()
		if raw == math.MaxUint32 {
			streaming = true
		} else {
			f.NumRecs = int64(raw)
		}
	}
	f.Dims = d.dimList()
	f.Attrs = d.attrList()
	f.Vars = d.varList()
	if d.err != nil {
		return nil, d.err
	}
	if f.NumRecs < 0 {
		return nil, fmt.Errorf("%w: negative record count", ErrFormat)
	}

	if err := f.resolve(streaming); err != nil {
		return nil, err
	}
	return f, nil
}

// resolve validates dimension references, computes the record layout and
// checks that every variable's data lies inside the input.
func (f *File) resolve(streaming bool) error {
	for i := range f.Vars {
		v := &f.Vars[i]
		if v.Type.Size() == 0 {
			return fmt.Errorf("%w: variable %s has unknown type %d", ErrFormat, v.Name, v.Type)
		}
		for j, id := range v.Dims {
			if id < 0 || id >= len(f.Dims) {
				return fmt.Errorf("%w: variable %s references dimension %d", ErrFormat, v.Name, id)
			}
			if j > 0 && f.Dims[id].Unlimited {
				return fmt.Errorf("%w: variable %s uses the record dimension in position %d", ErrFormat, v.Name, j)
			}
		}
		if v.Begin < 0 {
			return fmt.Errorf("%w: variable %s has negative offset", ErrFormat, v.Name)
		}
	}

	var recVars []*Variable
	for i := range f.Vars {
		if len(f.Vars[i].Dims) > 0 && f.Dims[f.Vars[i].Dims[0]].Unlimited {
			recVars = append(recVars, &f.Vars[i])
		}
	}
	switch len(recVars) {
	case 0:
	case 1:
		// A lone record variable is stored without inter-record padding.
		v := recVars[0]
		f.recSize = product(f.shapeAfterRecord(v)) * v.Type.Size()
	default:
		for _, v := range recVars {
			f.recSize += pad4(product(f.shapeAfterRecord(v)) * v.Type.Size())
		}
	}

	if streaming {
		f.NumRecs = 0
		if len(recVars) > 0 && f.recSize > 0 {
			first := recVars[0].Begin
			for _, v := range recVars[1:] {
				if v.Begin < first {
					first = v.Begin
				}
			}
			if avail := int64(len(f.data)) - first; avail > 0 {
				f.NumRecs = avail / f.recSize
			}
		}
	}
	for i := range f.Dims {
		if f.Dims[i].Unlimited {
			f.Dims[i].Len = f.NumRecs
		}
	}

	limit := int64(len(f.data))
	for i := range f.Vars {
		v := &f.Vars[i]
		var end int64
		if f.IsRecord(v) {
			if f.NumRecs == 0 {
				continue
			}
			n, ok := boundedProduct(f.shapeAfterRecord(v), limit)
			if !ok || f.NumRecs > limit {
				return fmt.Errorf("%w: data for %s exceeds input size", ErrTruncated, v.Name)
			}
			end = v.Begin + (f.NumRecs-1)*f.recSize + n*v.Type.Size()
		} else {
			n, ok := boundedProduct(f.Shape(v), limit)
			if !ok {
				return fmt.Errorf("%w: data for %s exceeds input size", ErrTruncated, v.Name)
			}
			end = v.Begin + n*v.Type.Size()
		}
		if end > limit {
			return fmt.Errorf("%w: data for %s ends at %d, input has %d bytes", ErrTruncated, v.Name, end, len(f.data))
		}
	}
	return nil
}

func (f *File) shapeAfterRecord(v *Variable) []int64 {
	shape := make([]int64, 0, len(v.Dims))
	for _, id := range v.Dims[1:] {
		shape = append(shape, f.Dims[id].Len)
	}
	return shape
}

type decoder struct {
	b       []byte
	off     int64
	version byte
	err     error
}

func (d *decoder) read(n int64) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > int64(len(d.b))-d.off {
		d.err = ErrTruncated
		return nil
	}
	out := d.b[d.off : d.off+n]
	d.off += n
	return out
}

func (d *decoder) u32() uint32 {
	raw := d.read(4)
	if raw == nil {
		return 0
	}
	return binary.BigEndian.Uint32(raw)
}

func (d *decoder) u64() uint64 {
	raw := d.read(8)
	if raw == nil {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

// count reads a NON_NEG element count, 8 bytes wide in CDF-5.
func (d *decoder) count() int64 {
	var n int64
	if d.version == 5 {
		n = int64(d.u64())
	} else {
		n = int64(int32(d.u32()))
	}
	if d.err == nil && (n < 0 || n > int64(len(d.b))) {
		d.err = fmt.Errorf("%w: element count %d out of range", ErrFormat, n)
		return 0
	}
	return n
}

// offset reads a variable's begin offset, 8 bytes wide in CDF-2 and CDF-5.
func (d *decoder) offset() int64 {
	if d.version == 1 {
		return int64(int32(d.u32()))
	}
	return int64(d.u64())
}

func (d *decoder) name() string {
	n := d.count()
	raw := d.read(n)
	d.read(pad4(n) - n)
	return string(raw)
}

// listHeader reads a list tag and element count; ABSENT lists yield 0.
func (d *decoder) listHeader(want uint32) int64 {
	tag := d.u32()
	n := d.count()
	if d.err != nil {
		return 0
	}
	if tag == 0 && n == 0 {
		return 0
	}
	if tag != want {
		d.err = fmt.Errorf("%w: expected list tag %#x, got %#x", ErrFormat, want, tag)
		return 0
	}
	return n
}

func (d *decoder) dimList() []Dimension {
	n := d.listHeader(tagDimension)
	dims := make([]Dimension, 0, n)
	for i := int64(0); i < n && d.err == nil; i++ {
		name := d.name()
		length := d.count()
		dims = append(dims, Dimension{Name: name, Len: length, Unlimited: length == 0})
	}
	return dims
}

func (d *decoder) attrList() []Attribute {
	n := d.listHeader(tagAttribute)
	attrs := make([]Attribute, 0, n)
	for i := int64(0); i < n && d.err == nil; i++ {
		a := Attribute{Name: d.name(), Type: Type(int32(d.u32()))}
		size := a.Type.Size()
		if d.err == nil && size == 0 {
			d.err = fmt.Errorf("%w: attribute %s has unknown type %d", ErrFormat, a.Name, a.Type)
			break
		}
		count := d.count()
		raw := d.read(count * size)
		d.read(pad4(count*size) - count*size)
		if d.err != nil {
			break
		}
		if a.Type == Char {
			a.Text = strings.TrimRight(string(raw), "\x00")
		} else {
			a.Numbers = decodeNumbers(a.Type, raw, count)
		}
		attrs = append(attrs, a)
	}
	return attrs
}

func (d *decoder) varList() []Variable {
	n := d.listHeader(tagVariable)
	vars := make([]Variable, 0, n)
	for i := int64(0); i < n && d.err == nil; i++ {
		v := Variable{Name: d.name()}
		ndims := d.count()
		v.Dims = make([]int, 0, ndims)
		for j := int64(0); j < ndims && d.err == nil; j++ {
			v.Dims = append(v.Dims, int(d.count()))
		}
		v.Attrs = d.attrList()
		v.Type = Type(int32(d.u32()))
		d.count() // vsize is recomputed from the shape
		v.Begin = d.offset()
		vars = append(vars, v)
	}
	return vars
}

func decodeNumbers(t Type, raw []byte, n int64) []float64 {
	out := make([]float64, n)
	size := t.Size()
	for i := int64(0); i < n; i++ {
		b := raw[i*size : (i+1)*size]
		switch t {
		case Byte:
			out[i] = float64(int8(b[0]))
		case UByte:
			out[i] = float64(b[0])
		case Short:
			out[i] = float64(int16(binary.BigEndian.Uint16(b)))
		case UShort:
			out[i] = float64(binary.BigEndian.Uint16(b))
		case Int:
			out[i] = float64(int32(binary.BigEndian.Uint32(b)))
		case UInt:
			out[i] = float64(binary.BigEndian.Uint32(b))
		case Float:
			out[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
		case Double:
			out[i] = math.Float64frombits(binary.BigEndian.Uint64(b))
		case Int64:
			out[i] = float64(int64(binary.BigEndian.Uint64(b)))
		case UInt64:
			out[i] = float64(binary.BigEndian.Uint64(b))
		}
	}
	return out
}

func findAttr(attrs []Attribute, name string) (Attribute, bool) {
	for _, a := range attrs {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

func product(shape []int64) int64 {
	n := int64(1)
	for _, s := range shape {
		n *= s
	}
	return n
}

// boundedProduct multiplies shape and reports false once the running product
// exceeds limit. Dimension lengths are bounded by the input size, so no step can overflow.
func boundedProduct(shape []int64, limit int64) (int64, bool) {
	n := int64(1)
	for _, s := range shape {
		n *= s
		if n > limit {
			return n, false
		}
	}
	return n, true
}

func pad4(n int64) int64 {
	return (n + 3) &^ 3
}

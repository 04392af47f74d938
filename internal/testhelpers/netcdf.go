// Package testhelpers builds synthetic NetCDF classic containers for tests.
package testhelpers

import (
	"encoding/binary"
	"math"
)

// NetCDF external type codes used by the builder.
const (
	TypeShort  int32 = 3
	TypeFloat  int32 = 5
	TypeDouble int32 = 6

	typeChar int32 = 2
)

// CDFDim is a dimension. A Record dimension is written with length 0 and Len records.
type CDFDim struct {
	Name   string
	Len    int
	Record bool
}

// CDFAttr is a char attribute when Text is set, otherwise a numeric attribute of Type (default double).
type CDFAttr struct {
	Name   string
	Text   string
	Type   int32
	Values []float64
}

// CDFVar is a variable with row-major Data. Type defaults to double.
type CDFVar struct {
	Name  string
	Dims  []string
	Type  int32
	Attrs []CDFAttr
	Data  []float64
}

// CDFDataset describes a whole container. Version 1 (classic) or 2 (64-bit offset).
type CDFDataset struct {
	Version byte
	Dims    []CDFDim
	Attrs   []CDFAttr
	Vars    []CDFVar
}

// EncodeCDF serializes ds in the NetCDF classic layout. It panics on inconsistent
// input, which is a bug in the calling test.
func EncodeCDF(ds CDFDataset) []byte {
	if ds.Version == 0 {
		ds.Version = 1
	}
	dimIndex := make(map[string]int, len(ds.Dims))
	numRecs := 0
	for i, d := range ds.Dims {
		dimIndex[d.Name] = i
		if d.Record {
			numRecs = d.Len
		}
	}
	isRecord := func(v CDFVar) bool {
		return len(v.Dims) > 0 && ds.Dims[dimIndex[v.Dims[0]]].Record
	}
	slabLen := func(v CDFVar) int {
		n := 1
		for i, name := range v.Dims {
			if i == 0 && isRecord(v) {
				continue
			}
			n *= ds.Dims[dimIndex[name]].Len
		}
		return n
	}
	for i := range ds.Vars {
		if ds.Vars[i].Type == 0 {
			ds.Vars[i].Type = TypeDouble
		}
	}

	w := &cdfWriter{version: ds.Version}
	w.bytes([]byte{'C', 'D', 'F', ds.Version})
	w.u32(uint32(numRecs))

	if len(ds.Dims) == 0 {
		w.u32(0)
		w.u32(0)
	} else {
		w.u32(0x0A)
		w.u32(uint32(len(ds.Dims)))
		for _, d := range ds.Dims {
			w.name(d.Name)
			if d.Record {
				w.u32(0)
			} else {
				w.u32(uint32(d.Len))
			}
		}
	}
	w.attrs(ds.Attrs)

	beginAt := make([]int, len(ds.Vars))
	if len(ds.Vars) == 0 {
		w.u32(0)
		w.u32(0)
	} else {
		w.u32(0x0B)
		w.u32(uint32(len(ds.Vars)))
		for i, v := range ds.Vars {
			w.name(v.Name)
			w.u32(uint32(len(v.Dims)))
			for _, name := range v.Dims {
				idx, ok := dimIndex[name]
				if !ok {
					panic("testhelpers: unknown dimension " + name)
				}
				w.u32(uint32(idx))
			}
			w.attrs(v.Attrs)
			w.u32(uint32(v.Type))
			w.u32(uint32(pad4(slabLen(v) * typeSize(v.Type))))
			beginAt[i] = len(w.buf)
			if ds.Version == 1 {
				w.u32(0)
			} else {
				w.u64(0)
			}
		}
	}

	var recVars []int
	cursor := len(w.buf)
	begins := make([]int, len(ds.Vars))
	for i, v := range ds.Vars {
		if isRecord(v) {
			recVars = append(recVars, i)
			continue
		}
		begins[i] = cursor
		cursor += pad4(slabLen(v) * typeSize(v.Type))
	}
	recSize := 0
	for _, i := range recVars {
		begins[i] = cursor + recSize
		size := slabLen(ds.Vars[i]) * typeSize(ds.Vars[i].Type)
		if len(recVars) > 1 {
			size = pad4(size)
		}
		recSize += size
	}
	for i, at := range beginAt {
		if ds.Version == 1 {
			binary.BigEndian.PutUint32(w.buf[at:], uint32(begins[i]))
		} else {
			binary.BigEndian.PutUint64(w.buf[at:], uint64(begins[i]))
		}
	}

	for _, v := range ds.Vars {
		if isRecord(v) {
			continue
		}
		if len(v.Data) != slabLen(v) {
			panic("testhelpers: data length mismatch for " + v.Name)
		}
		w.bytes(encodeValues(v.Type, v.Data))
		w.padTo4()
	}
	for r := 0; r < numRecs; r++ {
		for _, i := range recVars {
			v := ds.Vars[i]
			n := slabLen(v)
			if len(v.Data) != n*numRecs {
				panic("testhelpers: record data length mismatch for " + v.Name)
			}
			w.bytes(encodeValues(v.Type, v.Data[r*n:(r+1)*n]))
			if len(recVars) > 1 {
				w.padTo4()
			}
		}
	}
	return w.buf
}

type cdfWriter struct {
	buf     []byte
	version byte
}

func (w *cdfWriter) bytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *cdfWriter) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *cdfWriter) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *cdfWriter) padTo4() {
	for len(w.buf)%4 != 0 {
		w.buf = append(w.buf, 0)
	}
}

func (w *cdfWriter) name(s string) {
	w.u32(uint32(len(s)))
	w.bytes([]byte(s))
	w.padTo4()
}

func (w *cdfWriter) attrs(attrs []CDFAttr) {
	if len(attrs) == 0 {
		w.u32(0)
		w.u32(0)
		return
	}
	w.u32(0x0C)
	w.u32(uint32(len(attrs)))
	for _, a := range attrs {
		w.name(a.Name)
		if a.Text != "" {
			w.u32(uint32(typeChar))
			w.u32(uint32(len(a.Text)))
			w.bytes([]byte(a.Text))
			w.padTo4()
			continue
		}
		t := a.Type
		if t == 0 {
			t = TypeDouble
		}
		w.u32(uint32(t))
		w.u32(uint32(len(a.Values)))
		w.bytes(encodeValues(t, a.Values))
		w.padTo4()
	}
}

func encodeValues(t int32, vals []float64) []byte {
	out := make([]byte, 0, len(vals)*typeSize(t))
	for _, v := range vals {
		switch t {
		case TypeShort:
			out = binary.BigEndian.AppendUint16(out, uint16(int16(v)))
		case TypeFloat:
			out = binary.BigEndian.AppendUint32(out, math.Float32bits(float32(v)))
		default:
			out = binary.BigEndian.AppendUint64(out, math.Float64bits(v))
		}
	}
	return out
}

func typeSize(t int32) int {
	switch t {
	case TypeShort:
		return 2
	case TypeFloat:
		return 4
	default:
		return 8
	}
}

func pad4(n int) int { return (n + 3) &^ 3 }

// Package message is the wire format for heightfield tiles kept in shared
// caches. It is a protobuf message encoded by hand with protowire:
//
//	message HeightfieldTile {
//	  uint32 level = 1;
//	  uint32 x = 2;
//	  uint32 y = 3;
//	  uint32 cols = 4;
//	  uint32 rows = 5;
//	  double xmin = 6;
//	  double ymin = 7;
//	  double xmax = 8;
//	  double ymax = 9;
//	  string srs = 10;
//	  repeated float heights = 11 [packed = true];
//	  int64 revision = 12;
//	}
package message

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("message: malformed heightfield tile")

type HeightfieldTile struct {
	Level, X, Y uint32
	Cols, Rows  uint32
	XMin, YMin  float64
	XMax, YMax  float64
	SRS         string
	Heights     []float32
	Revision    int64
}

const (
	fieldLevel protowire.Number = iota + 1
	fieldX
	fieldY
	fieldCols
	fieldRows
	fieldXMin
	fieldYMin
	fieldXMax
	fieldYMax
	fieldSRS
	fieldHeights
	fieldRevision
)

func Encode(m *HeightfieldTile) []byte {
	b := make([]byte, 0, 64+4*len(m.Heights))
	for _, f := range []struct {
		num protowire.Number
		v   uint64
	}{{fieldLevel, uint64(m.Level)}, {fieldX, uint64(m.X)}, {fieldY, uint64(m.Y)},
		{fieldCols, uint64(m.Cols)}, {fieldRows, uint64(m.Rows)}} {
		b = protowire.AppendTag(b, f.num, protowire.VarintType)
		b = protowire.AppendVarint(b, f.v)
	}
	for _, f := range []struct {
		num protowire.Number
		v   float64
	}{{fieldXMin, m.XMin}, {fieldYMin, m.YMin}, {fieldXMax, m.XMax}, {fieldYMax, m.YMax}} {
		b = protowire.AppendTag(b, f.num, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(f.v))
	}
	if m.SRS != "" {
		b = protowire.AppendTag(b, fieldSRS, protowire.BytesType)
		b = protowire.AppendString(b, m.SRS)
	}
	if len(m.Heights) > 0 {
		packed := make([]byte, 0, 4*len(m.Heights))
		for _, h := range m.Heights {
			packed = protowire.AppendFixed32(packed, math.Float32bits(h))
		}
		b = protowire.AppendTag(b, fieldHeights, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if m.Revision != 0 {
		b = protowire.AppendTag(b, fieldRevision, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Revision))
	}
	return b
}

// Decode parses data into a tile. Unknown fields are skipped.
func Decode(data []byte) (*HeightfieldTile, error) {
	m := &HeightfieldTile{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case typ == protowire.VarintType && num != fieldHeights:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldLevel:
				m.Level = uint32(v)
			case fieldX:
				m.X = uint32(v)
			case fieldY:
				m.Y = uint32(v)
			case fieldCols:
				m.Cols = uint32(v)
			case fieldRows:
				m.Rows = uint32(v)
			case fieldRevision:
				m.Revision = int64(v)
			}
		case typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			data = data[n:]
			f := math.Float64frombits(v)
			switch num {
			case fieldXMin:
				m.XMin = f
			case fieldYMin:
				m.YMin = f
			case fieldXMax:
				m.XMax = f
			case fieldYMax:
				m.YMax = f
			}
		case typ == protowire.BytesType && (num == fieldSRS || num == fieldHeights):
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			data = data[n:]
			if num == fieldSRS {
				m.SRS = string(v)
				break
			}
			if len(v)%4 != 0 {
				return nil, fmt.Errorf("%w: packed heights length %d", ErrMalformed, len(v))
			}
			for len(v) > 0 {
				h, k := protowire.ConsumeFixed32(v)
				m.Heights = append(m.Heights, math.Float32frombits(h))
				v = v[k:]
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if int(m.Cols)*int(m.Rows) != len(m.Heights) {
		return nil, fmt.Errorf("%w: %dx%d grid with %d heights", ErrMalformed, m.Cols, m.Rows, len(m.Heights))
	}
	return m, nil
}

package message

import (
	"errors"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func assertTrue(t *testing.T, value bool, msg string) {
	t.Helper()
	if !value {
		t.Error(msg)
	}
}

func TestHeightfieldTileRoundTrip(t *testing.T) {
	in := &HeightfieldTile{
		Level: 7, X: 100, Y: 33, Cols: 2, Rows: 2,
		XMin: -10.5, YMin: 20, XMax: -9, YMax: 21.5,
		SRS: "wgs84", Heights: []float32{1, -2.5, 3, 400}, Revision: 9,
	}
	out, err := Decode(Encode(in))
	assertTrue(t, err == nil, "decode")
	assertTrue(t, out.Level == 7 && out.X == 100 && out.Y == 33, "key")
	assertTrue(t, out.XMin == -10.5 && out.YMax == 21.5, "extent")
	assertTrue(t, out.SRS == "wgs84" && out.Revision == 9, "srs and revision")
	assertTrue(t, len(out.Heights) == 4 && out.Heights[1] == -2.5 && out.Heights[3] == 400, "heights")
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	b := Encode(&HeightfieldTile{Cols: 1, Rows: 1, Heights: []float32{5}})
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "future")
	out, err := Decode(b)
	assertTrue(t, err == nil && out.Heights[0] == 5, "unknown field is ignored")
}

func TestDecodeRejectsBadInput(t *testing.T) {
	_, err := Decode([]byte{0xff})
	assertTrue(t, errors.Is(err, ErrMalformed), "truncated tag")

	b := Encode(&HeightfieldTile{Cols: 3, Rows: 3, Heights: []float32{1, 2}})
	_, err = Decode(b)
	assertTrue(t, errors.Is(err, ErrMalformed), "grid size mismatch")
}

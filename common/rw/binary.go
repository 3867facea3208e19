package rw

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// ErrShortBuffer is reported when a read runs past the end of the data.
var ErrShortBuffer = errors.New("rw: short buffer")

// ReaderWriter is a little-endian binary codec over an in-memory buffer.
// Reads never panic: the first failure is kept and every later read
// returns zero values, so callers check Err once at the end.
type ReaderWriter struct {
	order   binary.ByteOrder
	dataBuf []byte
	rw      bytes.Buffer
	err     error
}

func NewWriter() *ReaderWriter {
	return &ReaderWriter{order: binary.LittleEndian, dataBuf: make([]byte, 8)}
}

func NewReader(data []byte) *ReaderWriter {
	d := &ReaderWriter{order: binary.LittleEndian, dataBuf: make([]byte, 8)}
	d.rw.Write(data)
	return d
}

func (w *ReaderWriter) Err() error { return w.err }

func (w *ReaderWriter) read(n int) []byte {
	if w.err != nil {
		return nil
	}
	m, err := io.ReadFull(&w.rw, w.dataBuf[:n])
	if err != nil || m != n {
		w.err = ErrShortBuffer
		return nil
	}
	return w.dataBuf[:n]
}

func (w *ReaderWriter) ReadUInt8() uint8 {
	b := w.read(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (w *ReaderWriter) ReadBool() bool { return w.ReadUInt8() != 0 }

func (w *ReaderWriter) ReadUInt16() uint16 {
	b := w.read(2)
	if b == nil {
		return 0
	}
	return w.order.Uint16(b)
}

func (w *ReaderWriter) ReadUInt16s(value []uint16) {
	for i := range value {
		value[i] = w.ReadUInt16()
	}
}

func (w *ReaderWriter) ReadUInt32() uint32 {
	b := w.read(4)
	if b == nil {
		return 0
	}
	return w.order.Uint32(b)
}

func (w *ReaderWriter) ReadInt32() int32 {
	return int32(w.ReadUInt32())
}

func (w *ReaderWriter) ReadUInt64() uint64 {
	b := w.read(8)
	if b == nil {
		return 0
	}
	return w.order.Uint64(b)
}

func (w *ReaderWriter) ReadFloat32() float32 {
	return math.Float32frombits(w.ReadUInt32())
}

func (w *ReaderWriter) ReadFloat32s(value []float32) {
	for i := range value {
		value[i] = w.ReadFloat32()
	}
}

func (w *ReaderWriter) ReadFloat64() float64 {
	return math.Float64frombits(w.ReadUInt64())
}

func (w *ReaderWriter) ReadFloat64s(value []float64) {
	for i := range value {
		value[i] = w.ReadFloat64()
	}
}

func (w *ReaderWriter) WriteUInt8(v uint8) {
	w.rw.WriteByte(v)
}

func (w *ReaderWriter) WriteBool(v bool) {
	if v {
		w.WriteUInt8(1)
	} else {
		w.WriteUInt8(0)
	}
}

func (w *ReaderWriter) WriteUInt16(v uint16) {
	w.order.PutUint16(w.dataBuf, v)
	w.rw.Write(w.dataBuf[:2])
}

func (w *ReaderWriter) WriteUInt16s(v []uint16) {
	for _, tmp := range v {
		w.WriteUInt16(tmp)
	}
}

func (w *ReaderWriter) WriteUInt32(v uint32) {
	w.order.PutUint32(w.dataBuf, v)
	w.rw.Write(w.dataBuf[:4])
}

func (w *ReaderWriter) WriteInt32(v int32) {
	w.WriteUInt32(uint32(v))
}

func (w *ReaderWriter) WriteUInt64(v uint64) {
	w.order.PutUint64(w.dataBuf, v)
	w.rw.Write(w.dataBuf[:8])
}

func (w *ReaderWriter) WriteFloat32(v float32) {
	w.WriteUInt32(math.Float32bits(v))
}

func (w *ReaderWriter) WriteFloat32s(v []float32) {
	for _, tmp := range v {
		w.WriteFloat32(tmp)
	}
}

func (w *ReaderWriter) WriteFloat64(v float64) {
	w.WriteUInt64(math.Float64bits(v))
}

func (w *ReaderWriter) WriteFloat64s(v []float64) {
	for _, tmp := range v {
		w.WriteFloat64(tmp)
	}
}

func (w *ReaderWriter) Skip(size int) {
	if w.rw.Len() < size {
		w.err = ErrShortBuffer
	}
	w.rw.Next(size)
}

func (w *ReaderWriter) GetWriteBytes() (res []byte) {
	res = w.rw.Bytes()
	return res
}

func (w *ReaderWriter) PadZero(n int) {
	for i := 0; i < n; i++ {
		w.rw.WriteByte(0)
	}
}

func (w *ReaderWriter) ChangeOrder(order binary.ByteOrder) {
	w.order = order
}

// Size is the number of unread bytes.
func (w *ReaderWriter) Size() int {
	return w.rw.Len()
}

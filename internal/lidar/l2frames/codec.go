package l2frames

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Wire layout (little endian):
//
//	magic "DRC1" | seq u32 | sec u32 | nsec u32 | idLen u16 | id |
//	fields u8 | count u32 | count × (x y z intensity f32 [time f32] [ring u16])
const codecMagic = "DRC1"

const headerFixedSize = 4 + 4 + 4 + 4 + 2

var (
	ErrBadMagic      = errors.New("l2frames: bad magic")
	ErrTruncated     = errors.New("l2frames: truncated payload")
	ErrUnknownFields = errors.New("l2frames: unknown field bits")
	ErrTrailingBytes = errors.New("l2frames: trailing bytes after points")
	ErrFrameIDLength = errors.New("l2frames: frame id too long")
)

// PointStride returns the encoded size of one point with the given fields.
func PointStride(fields Fields) int {
	n := 16
	if fields.Has(FieldTime) {
		n += 4
	}
	if fields.Has(FieldRing) {
		n += 2
	}
	return n
}

// Encode packs a full-schema frame.
func Encode(f *Frame) ([]byte, error) {
	buf, err := appendHeader(f.Header, f.Fields, len(f.Points))
	if err != nil {
		return nil, err
	}
	for _, p := range f.Points {
		buf = appendXYZI(buf, p.X, p.Y, p.Z, p.Intensity)
		if f.Fields.Has(FieldTime) {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(p.Time))
		}
		if f.Fields.Has(FieldRing) {
			buf = binary.LittleEndian.AppendUint16(buf, p.Ring)
		}
	}
	return buf, nil
}

// EncodeFiltered packs a reduced-schema cloud; it decodes as a Frame with no
// optional fields.
func EncodeFiltered(c *FilteredCloud) ([]byte, error) {
	buf, err := appendHeader(c.Header, 0, len(c.Points))
	if err != nil {
		return nil, err
	}
	for _, p := range c.Points {
		buf = appendXYZI(buf, p.X, p.Y, p.Z, p.Intensity)
	}
	return buf, nil
}

func appendHeader(h Header, fields Fields, count int) ([]byte, error) {
	if len(h.FrameID) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameIDLength, len(h.FrameID))
	}
	buf := make([]byte, 0, headerFixedSize+len(h.FrameID)+5+count*PointStride(fields))
	buf = append(buf, codecMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, h.Seq)
	buf = binary.LittleEndian.AppendUint32(buf, h.Stamp.Sec)
	buf = binary.LittleEndian.AppendUint32(buf, h.Stamp.Nsec)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(h.FrameID)))
	buf = append(buf, h.FrameID...)
	buf = append(buf, byte(fields))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(count))
	return buf, nil
}

func appendXYZI(buf []byte, x, y, z, i float32) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(x))
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(y))
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(z))
	return binary.LittleEndian.AppendUint32(buf, math.Float32bits(i))
}

// Decode unpacks a frame and validates its schema. This is the only place
// transport input is checked; the pipeline assumes decoded frames are sound.
func Decode(data []byte) (*Frame, error) {
	if len(data) < len(codecMagic) || string(data[:len(codecMagic)]) != codecMagic {
		return nil, ErrBadMagic
	}
	if len(data) < headerFixedSize {
		return nil, fmt.Errorf("%w: header needs %d bytes, have %d", ErrTruncated, headerFixedSize, len(data))
	}

	le := binary.LittleEndian
	f := &Frame{}
	f.Header.Seq = le.Uint32(data[4:])
	f.Header.Stamp.Sec = le.Uint32(data[8:])
	f.Header.Stamp.Nsec = le.Uint32(data[12:])
	idLen := int(le.Uint16(data[16:]))
	off := headerFixedSize

	if len(data) < off+idLen+5 {
		return nil, fmt.Errorf("%w: frame id and point count", ErrTruncated)
	}
	f.Header.FrameID = string(data[off : off+idLen])
	off += idLen

	f.Fields = Fields(data[off])
	if f.Fields&^knownFields != 0 {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFields, byte(f.Fields))
	}
	count := int(le.Uint32(data[off+1:]))
	off += 5

	stride := PointStride(f.Fields)
	remaining := len(data) - off
	if count > remaining/stride {
		return nil, fmt.Errorf("%w: %d points of %d bytes, have %d bytes", ErrTruncated, count, stride, remaining)
	}
	if remaining != count*stride {
		return nil, fmt.Errorf("%w: %d", ErrTrailingBytes, remaining-count*stride)
	}

	f.Points = make([]Point, count)
	for i := range f.Points {
		p := &f.Points[i]
		p.X = math.Float32frombits(le.Uint32(data[off:]))
		p.Y = math.Float32frombits(le.Uint32(data[off+4:]))
		p.Z = math.Float32frombits(le.Uint32(data[off+8:]))
		p.Intensity = math.Float32frombits(le.Uint32(data[off+12:]))
		off += 16
		if f.Fields.Has(FieldTime) {
			p.Time = math.Float32frombits(le.Uint32(data[off:]))
			off += 4
		}
		if f.Fields.Has(FieldRing) {
			p.Ring = le.Uint16(data[off:])
			off += 2
		}
	}

	return f, nil
}

// Package dwarfutil contains low-level decoding helpers shared by the
// DWARF line-number program reader and the fast symbol-file format.
package dwarfutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// DecodeULEB128 decodes an unsigned Little Endian Base 128 number, as
// defined in the DWARF v4 standard, section 7.6.
func DecodeULEB128(buf *bytes.Buffer) (uint64, uint32) {
	var (
		result uint64
		shift  uint64
		length uint32
	)

	if buf.Len() == 0 {
		return 0, 0
	}

	for {
		b, err := buf.ReadByte()
		if err != nil {
			panic("dwarfutil: could not parse ULEB128 value")
		}
		length++

		result |= uint64(b&0x7f) << shift

		if b&0x80 == 0 {
			break
		}
		shift += 7
	}

	return result, length
}

// DecodeSLEB128 decodes a signed Little Endian Base 128 number.
func DecodeSLEB128(buf *bytes.Buffer) (int64, uint32) {
	var (
		b      byte
		err    error
		result int64
		shift  uint64
		length uint32
	)

	if buf.Len() == 0 {
		return 0, 0
	}

	for {
		b, err = buf.ReadByte()
		if err != nil {
			panic("dwarfutil: could not parse SLEB128 value")
		}
		length++

		result |= (int64(b) & 0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}

	if shift < 8*uint64(length) && b&0x40 > 0 {
		result |= -(1 << shift)
	}

	return result, length
}

// EncodeULEB128 writes x to out in unsigned LEB128 form.
func EncodeULEB128(out io.ByteWriter, x uint64) {
	for {
		b := byte(x & 0x7f)
		x >>= 7
		if x != 0 {
			b |= 0x80
		}
		out.WriteByte(b)
		if x == 0 {
			break
		}
	}
}

// ParseString reads a NUL-terminated string from data.
func ParseString(data *bytes.Buffer) (string, uint32) {
	str, err := data.ReadString(0x0)
	if err != nil {
		panic("dwarfutil: could not parse string")
	}
	return str[:len(str)-1], uint32(len(str))
}

// ReadUintRaw reads an integer of ptrSize bytes, in the given byte order.
func ReadUintRaw(reader io.Reader, order binary.ByteOrder, ptrSize int) (uint64, error) {
	switch ptrSize {
	case 1:
		var n uint8
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 2:
		var n uint16
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 4:
		var n uint32
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 8:
		var n uint64
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, fmt.Errorf("dwarfutil: unsupported ptr size %d", ptrSize)
}

// WriteUint writes data as an integer of ptrSize bytes, in the given byte order.
func WriteUint(writer io.Writer, order binary.ByteOrder, ptrSize int, data uint64) error {
	switch ptrSize {
	case 1:
		return binary.Write(writer, order, uint8(data))
	case 2:
		return binary.Write(writer, order, uint16(data))
	case 4:
		return binary.Write(writer, order, uint32(data))
	case 8:
		return binary.Write(writer, order, data)
	}
	return fmt.Errorf("dwarfutil: unsupported ptr size %d", ptrSize)
}

package kv

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Tuple encoding: an order-preserving binary encoding for composite keys.
// Each element is tagged with a type byte so that elements of different
// types never interleave, and encoded such that byte-wise comparison of the
// packed form matches element-wise comparison of the tuple.
//
// Supported element types: string, []byte, int64, int, int32, uint32.

const (
	tagBytes  byte = 0x01
	tagString byte = 0x02
	tagInt    byte = 0x14
)

// Pack encodes the given elements into a single ordered key.
// It panics on unsupported element types; key layouts are static, so a bad
// element is a programming error.
func Pack(elems ...interface{}) []byte {
	var buf bytes.Buffer
	for _, e := range elems {
		switch v := e.(type) {
		case string:
			buf.WriteByte(tagString)
			writeEscaped(&buf, []byte(v))
		case []byte:
			buf.WriteByte(tagBytes)
			writeEscaped(&buf, v)
		case int64:
			writeInt(&buf, v)
		case int:
			writeInt(&buf, int64(v))
		case int32:
			writeInt(&buf, int64(v))
		case uint32:
			writeInt(&buf, int64(v))
		default:
			panic(fmt.Sprintf("kv: cannot pack element of type %T", e))
		}
	}
	return buf.Bytes()
}

// writeEscaped writes b with 0x00 bytes escaped as 0x00 0xFF, terminated by
// a bare 0x00. The escape keeps embedded NULs from terminating the element
// early while preserving order.
func writeEscaped(buf *bytes.Buffer, b []byte) {
	for _, c := range b {
		buf.WriteByte(c)
		if c == 0x00 {
			buf.WriteByte(0xFF)
		}
	}
	buf.WriteByte(0x00)
}

// writeInt writes v big-endian with the sign bit flipped so negative values
// order before positive ones.
func writeInt(buf *bytes.Buffer, v int64) {
	buf.WriteByte(tagInt)
	var enc [8]byte
	binary.BigEndian.PutUint64(enc[:], uint64(v)^(1<<63))
	buf.Write(enc[:])
}

// PrefixRange returns the begin and end keys of the range covering every key
// that starts with prefix.
func PrefixRange(prefix []byte) (begin, end []byte) {
	begin = prefix
	end = make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xFF {
			end[i]++
			return begin, end[:i+1]
		}
	}
	// All 0xFF: the range is unbounded above.
	return begin, nil
}

// Unpack decodes a packed key back into its elements. Strings and byte
// slices come back as string and []byte respectively; integers as int64.
func Unpack(key []byte) ([]interface{}, error) {
	var elems []interface{}
	i := 0
	for i < len(key) {
		switch key[i] {
		case tagString, tagBytes:
			isString := key[i] == tagString
			i++
			var out []byte
			for {
				if i >= len(key) {
					return nil, fmt.Errorf("kv: unterminated element at offset %d", i)
				}
				c := key[i]
				if c == 0x00 {
					if i+1 < len(key) && key[i+1] == 0xFF {
						out = append(out, 0x00)
						i += 2
						continue
					}
					i++
					break
				}
				out = append(out, c)
				i++
			}
			if isString {
				elems = append(elems, string(out))
			} else {
				elems = append(elems, out)
			}
		case tagInt:
			if i+9 > len(key) {
				return nil, fmt.Errorf("kv: truncated integer at offset %d", i)
			}
			v := binary.BigEndian.Uint64(key[i+1:i+9]) ^ (1 << 63)
			elems = append(elems, int64(v))
			i += 9
		default:
			return nil, fmt.Errorf("kv: unknown tuple tag 0x%02x at offset %d", key[i], i)
		}
	}
	return elems, nil
}

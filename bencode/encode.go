package bencode

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// Encode returns the canonical encoding of v. Dictionaries are written in
// the order Dict keeps them, which is ascending byte order of the keys.
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeTo writes the canonical encoding of v to w.
func EncodeTo(w io.Writer, v Value) error {
	b, err := Encode(v)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func encodeValue(buf *bytes.Buffer, v Value) error {
	switch v.kind {
	case KindInteger:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.num, 10))
		buf.WriteByte('e')

	case KindString:
		writeString(buf, v.str)

	case KindList:
		buf.WriteByte('l')
		for _, item := range v.list {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte('e')

	case KindDict:
		buf.WriteByte('d')
		for _, e := range v.dict.Entries() {
			writeString(buf, []byte(e.Key))
			if err := encodeValue(buf, e.Value); err != nil {
				return fmt.Errorf("key %q: %w", e.Key, err)
			}
		}
		buf.WriteByte('e')

	default:
		return fmt.Errorf("bencode: cannot encode %s value", v.kind)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s []byte) {
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(':')
	buf.Write(s)
}

package bencode

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"hash"
	"io"
	"strconv"
)

const (
	maxIntegerDigits = 20 // len("-9223372036854775808")
	maxLengthDigits  = 19
	maxDepth         = 512
)

var (
	errEmptyNumber   = errors.New("empty number")
	errNonNumeric    = errors.New("non-numeric character")
	errLeadingZero   = errors.New("leading zero")
	errNegativeZero  = errors.New("negative zero")
	errNegativeLen   = errors.New("negative length")
	errTokenTooLong  = errors.New("token too long")
	errDuplicateKey  = errors.New("duplicate dictionary key")
	errTrailingBytes = errors.New("trailing data after value")
)

// DecodeError is returned for every kind of malformed input. Decoding stops
// at the first error and no partial value is returned.
type DecodeError struct {
	Offset int64  // byte offset where the offending token starts
	Token  string // offending token, when one was read
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("bencode: %s at offset %d", e.Reason, e.Offset)
	if e.Token != "" {
		msg += fmt.Sprintf(" (%q)", e.Token)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// decoder holds the state of a single decode call. The digest lives here
// and never outlives the call that created it.
type decoder struct {
	r      *bufio.Reader
	off    int64
	depth  int
	target string
	digest hash.Hash // non-nil while the target value is being consumed
	sum    []byte
	one    [1]byte
}

func newDecoder(r io.Reader) *decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &decoder{r: br}
}

// Decode reads a single value from r. Unless r is a *bufio.Reader it is
// wrapped in one, so bytes after the value may be consumed from r.
func Decode(r io.Reader) (Value, error) {
	return newDecoder(r).value()
}

// DecodeBytes decodes b, which must hold exactly one value.
func DecodeBytes(b []byte) (Value, error) {
	d := newDecoder(bytes.NewReader(b))
	v, err := d.value()
	if err != nil {
		return Value{}, err
	}
	if d.off != int64(len(b)) {
		return Value{}, &DecodeError{Offset: d.off, Reason: "invalid input", Err: errTrailingBytes}
	}
	return v, nil
}

// DecodeWithDigest decodes a value like Decode and, in the same pass, computes
// the SHA-1 of the exact bytes of the value stored under key in the root
// dictionary. The digest is nil when the root is not a dictionary or has no
// such key.
func DecodeWithDigest(r io.Reader, key string) (Value, []byte, error) {
	d := newDecoder(r)
	d.target = key
	v, err := d.value()
	if err != nil {
		return Value{}, nil, err
	}
	return v, d.sum, nil
}

func (d *decoder) errorf(start int64, token []byte, reason string, err error) *DecodeError {
	return &DecodeError{Offset: start, Token: string(token), Reason: reason, Err: err}
}

func (d *decoder) ioError(err error) *DecodeError {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return &DecodeError{Offset: d.off, Reason: "unexpected end of input", Err: err}
}

func (d *decoder) peek() (byte, error) {
	b, err := d.r.Peek(1)
	if err != nil {
		return 0, d.ioError(err)
	}
	return b[0], nil
}

func (d *decoder) readByte() (byte, error) {
	c, err := d.r.ReadByte()
	if err != nil {
		return 0, d.ioError(err)
	}
	d.off++
	if d.digest != nil {
		d.one[0] = c
		d.digest.Write(d.one[:])
	}
	return c, nil
}

// readUntil consumes bytes up to and including delim and returns them
// without the delimiter.
func (d *decoder) readUntil(delim byte, max int) ([]byte, error) {
	start := d.off
	var tok []byte
	for {
		c, err := d.readByte()
		if err != nil {
			return nil, err
		}
		if c == delim {
			return tok, nil
		}
		tok = append(tok, c)
		if len(tok) > max {
			return nil, d.errorf(start, tok, "invalid token", errTokenTooLong)
		}
	}
}

func (d *decoder) value() (Value, error) {
	c, err := d.peek()
	if err != nil {
		return Value{}, err
	}
	switch {
	case c == 'i':
		return d.integer()
	case c == 'l':
		return d.list()
	case c == 'd':
		return d.dict()
	case c >= '0' && c <= '9':
		b, err := d.byteString()
		if err != nil {
			return Value{}, err
		}
		return Bytes(b), nil
	}
	return Value{}, d.errorf(d.off, []byte{c}, "unexpected token", nil)
}

func (d *decoder) integer() (Value, error) {
	start := d.off
	if _, err := d.readByte(); err != nil {
		return Value{}, err
	}
	tok, err := d.readUntil('e', maxIntegerDigits)
	if err != nil {
		return Value{}, err
	}
	n, err := parseInteger(tok)
	if err != nil {
		return Value{}, d.errorf(start, tok, "invalid integer", err)
	}
	return Int(n), nil
}

func (d *decoder) byteString() ([]byte, error) {
	start := d.off
	tok, err := d.readUntil(':', maxLengthDigits)
	if err != nil {
		return nil, err
	}
	n, err := parseLength(tok)
	if err != nil {
		return nil, d.errorf(start, tok, "invalid string length", err)
	}

	var buf bytes.Buffer
	w := io.Writer(&buf)
	if d.digest != nil {
		w = io.MultiWriter(&buf, d.digest)
	}
	copied, err := io.CopyN(w, d.r, n)
	d.off += copied
	if err != nil {
		return nil, d.ioError(err)
	}
	return buf.Bytes(), nil
}

func (d *decoder) enter() error {
	d.depth++
	if d.depth > maxDepth {
		return d.errorf(d.off, nil, "nesting too deep", nil)
	}
	_, err := d.readByte()
	return err
}

func (d *decoder) list() (Value, error) {
	if err := d.enter(); err != nil {
		return Value{}, err
	}
	items := []Value{}
	for {
		c, err := d.peek()
		if err != nil {
			return Value{}, err
		}
		if c == 'e' {
			break
		}
		v, err := d.value()
		if err != nil {
			return Value{}, err
		}
		items = append(items, v)
	}
	if _, err := d.readByte(); err != nil {
		return Value{}, err
	}
	d.depth--
	return List(items...), nil
}

func (d *decoder) dict() (Value, error) {
	if err := d.enter(); err != nil {
		return Value{}, err
	}
	dict := NewDict()
	for {
		c, err := d.peek()
		if err != nil {
			return Value{}, err
		}
		if c == 'e' {
			break
		}
		if c < '0' || c > '9' {
			return Value{}, d.errorf(d.off, []byte{c}, "dictionary key is not a byte string", nil)
		}
		keyStart := d.off
		key, err := d.byteString()
		if err != nil {
			return Value{}, err
		}

		var v Value
		if d.depth == 1 && d.target != "" && d.sum == nil && string(key) == d.target {
			d.digest = sha1.New()
			v, err = d.value()
			if err == nil {
				d.sum = d.digest.Sum(nil)
			}
			d.digest = nil
		} else {
			v, err = d.value()
		}
		if err != nil {
			return Value{}, err
		}
		if !dict.insert(string(key), v) {
			return Value{}, d.errorf(keyStart, key, "invalid dictionary", errDuplicateKey)
		}
	}
	if _, err := d.readByte(); err != nil {
		return Value{}, err
	}
	d.depth--
	return DictValue(dict), nil
}

func isDigits(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// parseInteger accepts the canonical form only: no leading zeros, no "-0".
func parseInteger(tok []byte) (int64, error) {
	digits := tok
	neg := len(tok) > 0 && tok[0] == '-'
	if neg {
		digits = tok[1:]
	}
	if len(digits) == 0 {
		return 0, errEmptyNumber
	}
	if !isDigits(digits) {
		return 0, errNonNumeric
	}
	if digits[0] == '0' {
		if len(digits) > 1 {
			return 0, errLeadingZero
		}
		if neg {
			return 0, errNegativeZero
		}
	}
	return strconv.ParseInt(string(tok), 10, 64)
}

func parseLength(tok []byte) (int64, error) {
	if len(tok) == 0 {
		return 0, errEmptyNumber
	}
	if tok[0] == '-' {
		return 0, errNegativeLen
	}
	if !isDigits(tok) {
		return 0, errNonNumeric
	}
	if tok[0] == '0' && len(tok) > 1 {
		return 0, errLeadingZero
	}
	return strconv.ParseInt(string(tok), 10, 64)
}

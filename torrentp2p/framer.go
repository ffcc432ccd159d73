package torrentp2p

import (
	"bytes"
	"encoding/binary"
)

// MaxMessageLength bounds the length prefix a peer may announce.
const MaxMessageLength = 1 << 21

// Framer turns the raw bytes read from one connection into messages. The
// first message is always the handshake; every later one is length
// prefixed. A Framer belongs to the goroutine reading its connection and
// must not be shared.
type Framer struct {
	handshakeDone bool

	// carry holds the head of a message that was cut off at the end of the
	// last Feed. Its capacity is the full message length once the header has
	// been seen, the header length before that. nil when nothing is pending.
	carry []byte
}

func NewFramer() *Framer {
	return &Framer{}
}

// Feed consumes src and returns every message it completes, in arrival
// order. A trailing partial message is moved into the framer, so src is
// always drained. On error the messages decoded before the bad one are
// returned with it and the framer must be discarded.
func (f *Framer) Feed(src *bytes.Buffer) ([]Message, error) {
	var msgs []Message
	for {
		if f.carry != nil {
			done, err := f.fill(src)
			if err != nil {
				return msgs, err
			}
			if !done {
				return msgs, nil
			}
			msg, err := f.parse(f.carry)
			f.carry = nil
			if err != nil {
				return msgs, err
			}
			msgs = append(msgs, msg)
			continue
		}

		if src.Len() == 0 {
			return msgs, nil
		}
		total, err := f.frameLen(src.Bytes())
		if err != nil {
			return msgs, err
		}
		if total == 0 || total > src.Len() {
			f.stash(src, total)
			return msgs, nil
		}
		msg, err := f.parse(src.Next(total))
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
}

// Pending returns the number of bytes held for an incomplete message.
func (f *Framer) Pending() int {
	return len(f.carry)
}

// Missing returns how many bytes the pending message still needs. known is
// false while the header itself is incomplete.
func (f *Framer) Missing() (n int, known bool) {
	if f.carry == nil {
		return 0, true
	}
	total, err := f.frameLen(f.carry)
	if err != nil || total == 0 {
		return 0, false
	}
	return total - len(f.carry), true
}

func (f *Framer) headerLen() int {
	if !f.handshakeDone {
		return 1
	}
	return 4
}

// frameLen returns the full length of the message at the head of b, or 0
// if b does not hold the complete header yet.
func (f *Framer) frameLen(b []byte) (int, error) {
	if !f.handshakeDone {
		if len(b) < 1 {
			return 0, nil
		}
		return handshakeLen(int(b[0])), nil
	}
	if len(b) < 4 {
		return 0, nil
	}
	n := binary.BigEndian.Uint32(b)
	if n > MaxMessageLength {
		id := MessageID(0)
		if len(b) > 4 {
			id = MessageID(b[4])
		}
		return 0, &InvalidMessageError{ID: id, Length: int(n) - 1, Reason: "message too long"}
	}
	return 4 + int(n), nil
}

func (f *Framer) stash(src *bytes.Buffer, total int) {
	size := total
	if size == 0 {
		size = f.headerLen()
	}
	f.carry = make([]byte, 0, size)
	f.carry = append(f.carry, src.Next(src.Len())...)
}

// fill moves bytes from src into carry, never more than the pending
// message needs, and reports whether the message is now complete.
func (f *Framer) fill(src *bytes.Buffer) (bool, error) {
	total, err := f.frameLen(f.carry)
	if err != nil {
		return false, err
	}
	if total == 0 {
		hdr := f.headerLen()
		f.carry = append(f.carry, src.Next(hdr-len(f.carry))...)
		if len(f.carry) < hdr {
			return false, nil
		}
		if total, err = f.frameLen(f.carry); err != nil {
			return false, err
		}
	}
	f.grow(total)
	f.carry = append(f.carry, src.Next(total-len(f.carry))...)
	return len(f.carry) == total, nil
}

func (f *Framer) grow(total int) {
	if cap(f.carry) >= total {
		return
	}
	buf := make([]byte, len(f.carry), total)
	copy(buf, f.carry)
	f.carry = buf
}

func (f *Framer) parse(frame []byte) (Message, error) {
	if !f.handshakeDone {
		hs, err := unmarshalHandshake(frame)
		if err != nil {
			return Message{}, err
		}
		f.handshakeDone = true
		return Message{Kind: KindHandshake, Handshake: hs}, nil
	}
	if len(frame) == 4 {
		return KeepAlive(), nil
	}
	id := MessageID(frame[4])
	payload := make([]byte, len(frame)-5)
	copy(payload, frame[5:])
	if err := validatePayload(id, payload); err != nil {
		return Message{}, err
	}
	return NewMessage(id, payload), nil
}

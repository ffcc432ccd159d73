package torrentp2p

import (
	"encoding/binary"
	"fmt"
)

// MessageID is the one byte type tag of a length-prefixed peer message.
type MessageID uint8

const (
	MsgChoke MessageID = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
	MsgPort // DHT listen port

	MsgExtended MessageID = 20
)

func (id MessageID) String() string {
	switch id {
	case MsgChoke:
		return "CHOKE"
	case MsgUnchoke:
		return "UNCHOKE"
	case MsgInterested:
		return "INTERESTED"
	case MsgNotInterested:
		return "NOT_INTERESTED"
	case MsgHave:
		return "HAVE"
	case MsgBitfield:
		return "BITFIELD"
	case MsgRequest:
		return "REQUEST"
	case MsgPiece:
		return "PIECE"
	case MsgCancel:
		return "CANCEL"
	case MsgPort:
		return "PORT"
	case MsgExtended:
		return "EXTENDED"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(id))
}

// Kind tells the three wire message shapes apart.
type Kind uint8

const (
	KindRegular Kind = iota
	KindKeepAlive
	KindHandshake
)

// Message is a single framed peer message. Handshake is set only for
// KindHandshake, ID and Payload only for KindRegular.
type Message struct {
	Kind      Kind
	ID        MessageID
	Payload   []byte
	Handshake *Handshake
}

// Request is the payload of REQUEST and CANCEL messages.
type Request struct {
	Index  uint32
	Offset uint32
	Length uint32
}

// Block is a sub-range of a piece, as carried by a PIECE message.
type Block struct {
	Index  uint32
	Offset uint32
	Data   []byte
}

// InvalidMessageError reports a message the peer should never have sent.
// It is fatal to the connection it was read from.
type InvalidMessageError struct {
	Handshake bool
	ID        MessageID
	Length    int
	Reason    string
}

func (e *InvalidMessageError) Error() string {
	if e.Handshake {
		return fmt.Sprintf("invalid handshake (%d bytes): %s", e.Length, e.Reason)
	}
	return fmt.Sprintf("invalid %s message (payload %d bytes): %s", e.ID, e.Length, e.Reason)
}

// validatePayload checks the payload size of every known message id.
func validatePayload(id MessageID, payload []byte) error {
	want := -1
	switch id {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		want = 0
	case MsgHave:
		want = 4
	case MsgRequest, MsgCancel:
		want = 12
	case MsgPort:
		want = 2
	case MsgPiece:
		if len(payload) < 8 {
			return &InvalidMessageError{ID: id, Length: len(payload), Reason: "shorter than 8 bytes"}
		}
		return nil
	case MsgBitfield, MsgExtended:
		return nil
	default:
		return &InvalidMessageError{ID: id, Length: len(payload), Reason: "unknown message id"}
	}
	if len(payload) != want {
		return &InvalidMessageError{ID: id, Length: len(payload), Reason: fmt.Sprintf("expected %d bytes", want)}
	}
	return nil
}

func NewMessage(id MessageID, payload []byte) Message {
	return Message{Kind: KindRegular, ID: id, Payload: payload}
}

func KeepAlive() Message { return Message{Kind: KindKeepAlive} }

func HaveMessage(index uint32) Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return NewMessage(MsgHave, payload)
}

func (r Request) marshal() []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:], r.Index)
	binary.BigEndian.PutUint32(payload[4:], r.Offset)
	binary.BigEndian.PutUint32(payload[8:], r.Length)
	return payload
}

func RequestMessage(r Request) Message { return NewMessage(MsgRequest, r.marshal()) }

func CancelMessage(r Request) Message { return NewMessage(MsgCancel, r.marshal()) }

func PieceMessage(b Block) Message {
	payload := make([]byte, 8+len(b.Data))
	binary.BigEndian.PutUint32(payload[0:], b.Index)
	binary.BigEndian.PutUint32(payload[4:], b.Offset)
	copy(payload[8:], b.Data)
	return NewMessage(MsgPiece, payload)
}

func BitfieldMessage(bf Bitfield) Message {
	payload := make([]byte, len(bf))
	copy(payload, bf)
	return NewMessage(MsgBitfield, payload)
}

func PortMessage(port uint16) Message {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, port)
	return NewMessage(MsgPort, payload)
}

// Marshal returns the wire encoding of m.
func (m Message) Marshal() []byte {
	switch m.Kind {
	case KindHandshake:
		return m.Handshake.Marshal()
	case KindKeepAlive:
		return []byte{0, 0, 0, 0}
	}
	buf := make([]byte, 5+len(m.Payload))
	binary.BigEndian.PutUint32(buf, uint32(len(m.Payload)+1))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

func (m Message) String() string {
	switch m.Kind {
	case KindHandshake:
		return fmt.Sprintf("HANDSHAKE %x", m.Handshake.InfoHash)
	case KindKeepAlive:
		return "KEEP_ALIVE"
	}
	return fmt.Sprintf("%s (%d bytes)", m.ID, len(m.Payload))
}

func (m Message) expect(ids ...MessageID) error {
	if m.Kind == KindRegular {
		for _, id := range ids {
			if m.ID == id {
				return validatePayload(m.ID, m.Payload)
			}
		}
	}
	return fmt.Errorf("message %s is not %s", m, ids[0])
}

// Have returns the piece index of a HAVE message.
func (m Message) Have() (uint32, error) {
	if err := m.expect(MsgHave); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(m.Payload), nil
}

// Request decodes the payload of a REQUEST or CANCEL message.
func (m Message) Request() (Request, error) {
	if err := m.expect(MsgRequest, MsgCancel); err != nil {
		return Request{}, err
	}
	return Request{
		Index:  binary.BigEndian.Uint32(m.Payload[0:]),
		Offset: binary.BigEndian.Uint32(m.Payload[4:]),
		Length: binary.BigEndian.Uint32(m.Payload[8:]),
	}, nil
}

// Block decodes a PIECE message. The returned data aliases the payload.
func (m Message) Block() (Block, error) {
	if err := m.expect(MsgPiece); err != nil {
		return Block{}, err
	}
	return Block{
		Index:  binary.BigEndian.Uint32(m.Payload[0:]),
		Offset: binary.BigEndian.Uint32(m.Payload[4:]),
		Data:   m.Payload[8:],
	}, nil
}

func (m Message) Bitfield() (Bitfield, error) {
	if err := m.expect(MsgBitfield); err != nil {
		return nil, err
	}
	return Bitfield(m.Payload), nil
}

func (m Message) Port() (uint16, error) {
	if err := m.expect(MsgPort); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(m.Payload), nil
}

package torrentp2p

import (
	"fmt"
	"math/rand"
)

const (
	ProtocolName = "BitTorrent protocol"

	peerIDPrefix = "-SHOToTorrent-0.1---"
)

// Handshake is the fixed layout first message of every connection:
// <pstrlen><pstr><reserved:8><info_hash:20><peer_id:20>
type Handshake struct {
	Protocol string
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

func NewHandshake(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{
		Protocol: ProtocolName,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// NewPeerID returns the client prefix with its last three bytes randomized.
func NewPeerID() [20]byte {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	rand.Read(id[17:])
	return id
}

func handshakeLen(protocolLen int) int {
	return 1 + protocolLen + 8 + 20 + 20
}

func (h *Handshake) Marshal() []byte {
	buf := make([]byte, handshakeLen(len(h.Protocol)))
	buf[0] = byte(len(h.Protocol))
	n := 1 + copy(buf[1:], h.Protocol)
	n += copy(buf[n:], h.Reserved[:])
	n += copy(buf[n:], h.InfoHash[:])
	copy(buf[n:], h.PeerID[:])
	return buf
}

func unmarshalHandshake(buf []byte) (*Handshake, error) {
	if len(buf) == 0 || len(buf) != handshakeLen(int(buf[0])) {
		return nil, &InvalidMessageError{Handshake: true, Length: len(buf), Reason: "length does not match protocol name"}
	}
	var h Handshake
	n := 1 + int(buf[0])
	h.Protocol = string(buf[1:n])
	n += copy(h.Reserved[:], buf[n:])
	n += copy(h.InfoHash[:], buf[n:])
	copy(h.PeerID[:], buf[n:])
	return &h, nil
}

func (h *Handshake) String() string {
	return fmt.Sprintf("%s %x %q", h.Protocol, h.InfoHash, h.PeerID[:])
}

package torrentp2p

import (
	"bytes"
	"crypto/sha1"
	"hash"
	"sort"
)

type PieceState uint8

const (
	PieceOpen PieceState = iota
	PieceComplete
	PieceValidated
	PieceCorrupt
)

func (s PieceState) String() string {
	switch s {
	case PieceOpen:
		return "open"
	case PieceComplete:
		return "complete"
	case PieceValidated:
		return "validated"
	case PieceCorrupt:
		return "corrupt"
	}
	return "unknown"
}

// Piece reassembles one piece from blocks arriving in any order while
// hashing it strictly front to back. Bytes below the digested pointer are
// already folded into the hash and are never written again.
//
// A Piece is not safe for concurrent use; callers sharing one between
// connections serialize AddBlock themselves.
type Piece struct {
	index    uint32
	buf      []byte
	digested int
	pending  map[int][]byte // offset -> block bytes waiting behind a gap
	hash     hash.Hash
	sum      []byte
	state    PieceState
}

func NewPiece(index uint32, length int) *Piece {
	p := &Piece{
		index:   index,
		buf:     make([]byte, length),
		pending: make(map[int][]byte),
		hash:    sha1.New(),
	}
	if length == 0 {
		p.state = PieceComplete
	}
	return p
}

func (p *Piece) Index() uint32 { return p.index }

func (p *Piece) Len() int { return len(p.buf) }

func (p *Piece) State() PieceState { return p.state }

// Digested returns the offset of the first byte not yet hashed.
func (p *Piece) Digested() int { return p.digested }

// PendingOffsets returns the offsets of blocks stored behind a gap.
func (p *Piece) PendingOffsets() []int {
	offs := make([]int, 0, len(p.pending))
	for off := range p.pending {
		offs = append(offs, off)
	}
	sort.Ints(offs)
	return offs
}

// AddBlock copies b into the piece. It returns false without touching the
// piece when b belongs to another piece, is empty, does not fit, or the
// piece has already been validated. A block that only repeats bytes
// already hashed is accepted and ignored.
func (p *Piece) AddBlock(b Block) bool {
	if p.state == PieceValidated || p.state == PieceCorrupt {
		return false
	}
	if b.Index != p.index || len(b.Data) == 0 {
		return false
	}
	off := int64(b.Offset)
	end := off + int64(len(b.Data))
	if end > int64(len(p.buf)) {
		return false
	}

	start, stop := int(off), int(end)
	if stop <= p.digested {
		return true
	}
	if start < p.digested {
		start = p.digested
	}
	copy(p.buf[start:stop], b.Data[start-int(off):])

	if start != p.digested {
		if old, ok := p.pending[start]; !ok || len(old) < stop-start {
			p.pending[start] = p.buf[start:stop]
		}
		return true
	}
	p.fold(stop)
	p.drain()
	return true
}

// fold hashes buf[digested:end] and advances the pointer.
func (p *Piece) fold(end int) {
	p.hash.Write(p.buf[p.digested:end])
	p.digested = end
	if p.digested == len(p.buf) {
		p.state = PieceComplete
	}
}

// drain folds pending blocks for as long as the lowest one starts at or
// before the digested pointer.
func (p *Piece) drain() {
	for len(p.pending) > 0 {
		lowest := -1
		for off := range p.pending {
			if lowest < 0 || off < lowest {
				lowest = off
			}
		}
		if lowest > p.digested {
			return
		}
		blk := p.pending[lowest]
		delete(p.pending, lowest)
		if end := lowest + len(blk); end > p.digested {
			p.fold(end)
		}
	}
}

func (p *Piece) HasCompleted() bool {
	return p.digested == len(p.buf)
}

// Validate finalizes the hash and compares it with expected. It can
// succeed at most once: an open piece returns false and stays open, a
// validated or corrupt piece always returns false.
func (p *Piece) Validate(expected []byte) bool {
	if p.state != PieceComplete {
		return false
	}
	p.sum = p.hash.Sum(nil)
	p.hash = nil
	p.pending = nil
	if bytes.Equal(p.sum, expected) {
		p.state = PieceValidated
		return true
	}
	p.state = PieceCorrupt
	return false
}

// Sum returns the final digest, or nil before Validate.
func (p *Piece) Sum() []byte { return p.sum }

// Data returns the piece buffer. It must not be modified.
func (p *Piece) Data() []byte { return p.buf }

// GetBlock copies out [offset, offset+length) for an upload. Any range
// that is empty or not fully inside the piece is rejected, including a
// zero length read at the very end.
func (p *Piece) GetBlock(offset, length int) (Block, bool) {
	if length <= 0 || offset < 0 || offset >= len(p.buf) || length > len(p.buf)-offset {
		return Block{}, false
	}
	data := make([]byte, length)
	copy(data, p.buf[offset:offset+length])
	return Block{Index: p.index, Offset: uint32(offset), Data: data}, true
}

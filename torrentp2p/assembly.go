package torrentp2p

import (
	"fmt"
	"sync"

	"github.com/vaguilera/minitorrent/torrentfile"
)

// recentPieces is how many validated pieces stay in memory for uploads.
const recentPieces = 8

// PieceWriter persists validated pieces.
type PieceWriter interface {
	WritePiece(index int, data []byte) error
}

// BlockResult is the outcome of handing a block to an Assembly.
type BlockResult uint8

const (
	BlockRejected BlockResult = iota // unknown piece, bad range, or piece already finished
	BlockAccepted
	PieceDone   // piece validated and written
	PieceFailed // hash mismatch or write error; the piece was queued again
)

type queuedPiece struct {
	Hash  [20]byte
	Index int
}

type atomicPieces struct {
	mu     sync.Mutex
	pieces []queuedPiece
}

func (p *atomicPieces) findPiece(peerPieces Bitfield) *queuedPiece {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.pieces {
		if peerPieces.Has(p.pieces[i].Index) {
			cPiece := p.pieces[i]
			if len(p.pieces) > 1 { // we left always 1 piece into the queue to prevent 1 peer blocks the download
				p.pieces[i] = p.pieces[len(p.pieces)-1]
				p.pieces = p.pieces[:len(p.pieces)-1]
			}
			return &cPiece
		}
	}
	return nil
}

func (p *atomicPieces) addPiece(piece queuedPiece) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, q := range p.pieces {
		if q.Index == piece.Index {
			return
		}
	}
	p.pieces = append(p.pieces, piece)
}

func (p *atomicPieces) removePiece(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.pieces {
		if p.pieces[i].Index == index {
			p.pieces = append(p.pieces[:i], p.pieces[i+1:]...)
			return
		}
	}
}

// inflightPiece is a piece being downloaded, possibly from several peers
// at once. mu serializes every access to piece.
type inflightPiece struct {
	mu    sync.Mutex
	piece *Piece
	hash  [20]byte
	users int
}

// Claim is a session's share of an in-flight piece.
type Claim struct {
	Index uint32
	Size  int
	ip    *inflightPiece
}

// Assembly owns the in-flight pieces of one torrent and routes blocks
// from every connection into them.
type Assembly struct {
	torrent *torrentfile.Torrent
	writer  PieceWriter
	queue   atomicPieces

	mu       sync.Mutex
	inflight map[uint32]*inflightPiece
	recent   []*Piece
	owned    Bitfield
	numOwned int
	done     chan struct{}
}

func NewAssembly(torrent *torrentfile.Torrent, writer PieceWriter) *Assembly {
	a := &Assembly{
		torrent:  torrent,
		writer:   writer,
		inflight: make(map[uint32]*inflightPiece),
		owned:    NewBitfield(torrent.NumPieces()),
		done:     make(chan struct{}),
	}
	a.initPiecesList()
	if torrent.NumPieces() == 0 {
		close(a.done)
	}
	return a
}

func (a *Assembly) initPiecesList() {
	pieces := make([]queuedPiece, 0, a.torrent.NumPieces())
	for i, h := range a.torrent.PieceHashes {
		pieces = append(pieces, queuedPiece{Hash: h, Index: i})
	}
	a.queue.pieces = pieces
}

func (a *Assembly) Torrent() *torrentfile.Torrent { return a.torrent }

// Done is closed once every piece has been validated and written.
func (a *Assembly) Done() <-chan struct{} { return a.done }

func (a *Assembly) Complete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.numOwned == a.torrent.NumPieces()
}

// Owned returns a copy of the bitfield of validated pieces.
func (a *Assembly) Owned() Bitfield {
	a.mu.Lock()
	defer a.mu.Unlock()
	bf := make(Bitfield, len(a.owned))
	copy(bf, a.owned)
	return bf
}

// Wanted reports whether peer has any piece still missing here.
func (a *Assembly) Wanted(peer Bitfield) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < a.torrent.NumPieces(); i++ {
		if peer.Has(i) && !a.owned.Has(i) {
			return true
		}
	}
	return false
}

// Next picks a missing piece the peer has and claims it. Several sessions
// may hold claims on the same piece; they then share its blocks.
func (a *Assembly) Next(peer Bitfield) (*Claim, bool) {
	q := a.queue.findPiece(peer)
	if q == nil {
		return nil, false
	}
	index := uint32(q.Index)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owned.Has(q.Index) {
		return nil, false
	}
	ip, ok := a.inflight[index]
	if !ok {
		ip = &inflightPiece{
			piece: NewPiece(index, a.torrent.PieceSize(q.Index)),
			hash:  q.Hash,
		}
		a.inflight[index] = ip
	}
	ip.users++
	return &Claim{Index: index, Size: ip.piece.Len(), ip: ip}, true
}

// Release drops a claim. When no session holds the piece any more its
// partial data is discarded and it goes back to the queue.
func (a *Assembly) Release(c *Claim) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inflight[c.Index] != c.ip {
		return
	}
	c.ip.users--
	if c.ip.users > 0 {
		return
	}
	delete(a.inflight, c.Index)
	a.queue.addPiece(queuedPiece{Hash: c.ip.hash, Index: int(c.Index)})
	debugf("Piece %d released", c.Index)
}

// AddBlock hands b to the in-flight piece it belongs to and, once that
// piece is complete, validates and writes it.
func (a *Assembly) AddBlock(b Block) (BlockResult, error) {
	a.mu.Lock()
	ip := a.inflight[b.Index]
	a.mu.Unlock()
	if ip == nil {
		debugf("Block %d+%d: piece %d not in flight", b.Offset, len(b.Data), b.Index)
		return BlockRejected, nil
	}

	ip.mu.Lock()
	defer ip.mu.Unlock()
	if !ip.piece.AddBlock(b) {
		debugf("Block %d+%d of piece %d rejected", b.Offset, len(b.Data), b.Index)
		return BlockRejected, nil
	}
	if !ip.piece.HasCompleted() {
		return BlockAccepted, nil
	}

	a.mu.Lock()
	if a.inflight[b.Index] == ip {
		delete(a.inflight, b.Index)
	}
	a.mu.Unlock()

	requeue := queuedPiece{Hash: ip.hash, Index: int(b.Index)}
	if !ip.piece.Validate(ip.hash[:]) {
		warnf("Piece %d - SHA1 Error check", b.Index)
		a.queue.addPiece(requeue)
		return PieceFailed, nil
	}
	if err := a.writer.WritePiece(int(b.Index), ip.piece.Data()); err != nil {
		a.queue.addPiece(requeue)
		return PieceFailed, fmt.Errorf("writing piece %d: %w", b.Index, err)
	}
	a.complete(ip.piece)
	return PieceDone, nil
}

func (a *Assembly) complete(p *Piece) {
	a.queue.removePiece(int(p.Index()))

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owned.Has(int(p.Index())) {
		return
	}
	a.owned.Set(int(p.Index()))
	a.numOwned++
	a.recent = append(a.recent, p)
	if len(a.recent) > recentPieces {
		a.recent = a.recent[1:]
	}
	infof("Piece %d - valid SHA1 (%d/%d)", p.Index(), a.numOwned, a.torrent.NumPieces())
	if a.numOwned == a.torrent.NumPieces() {
		close(a.done)
	}
}

// Block serves an upload request from the recently validated pieces.
func (a *Assembly) Block(r Request) (Block, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.recent {
		if p.Index() == r.Index {
			return p.GetBlock(int(r.Offset), int(r.Length))
		}
	}
	return Block{}, false
}

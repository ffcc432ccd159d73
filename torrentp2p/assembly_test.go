package torrentp2p

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/vaguilera/minitorrent/torrentfile"
)

type memWriter struct {
	mu     sync.Mutex
	pieces map[int][]byte
	err    error
}

func (w *memWriter) WritePiece(index int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if w.pieces == nil {
		w.pieces = make(map[int][]byte)
	}
	w.pieces[index] = append([]byte{}, data...)
	return nil
}

func (w *memWriter) joined(n int) []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	var all []byte
	for i := 0; i < n; i++ {
		all = append(all, w.pieces[i]...)
	}
	return all
}

func testTorrent(data []byte, pieceLength int) *torrentfile.Torrent {
	t := &torrentfile.Torrent{
		Name:        "test.bin",
		PieceLength: pieceLength,
		Length:      uint64(len(data)),
		Files:       []torrentfile.TorrentMultiFileInfo{{Length: uint64(len(data)), Path: []string{"test.bin"}}},
	}
	copy(t.InfoHash[:], "infohashinfohashinfo")
	for off := 0; off < len(data); off += pieceLength {
		end := off + pieceLength
		if end > len(data) {
			end = len(data)
		}
		t.PieceHashes = append(t.PieceHashes, sha1.Sum(data[off:end]))
	}
	return t
}

func allPieces(n int) Bitfield {
	bf := NewBitfield(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func Test_findPiece(t *testing.T) {

	var pieces []queuedPiece
	peerPieces := Bitfield{0x40} // only piece 1
	for i := 0; i < 4; i++ {
		pieces = append(pieces, queuedPiece{
			Hash:  [20]byte{},
			Index: i,
		})
	}

	APieces := atomicPieces{
		pieces: pieces,
	}

	mypiece := APieces.findPiece(peerPieces)

	if mypiece.Index != 1 {
		t.Errorf("Expected piece 1, got %d", mypiece.Index)
	}
	if len(APieces.pieces) != 3 {
		t.Errorf("Expected 3 pieces left in list, got %d", len(APieces.pieces))
	}
	if APieces.pieces[0].Index != 0 ||
		APieces.pieces[1].Index != 3 ||
		APieces.pieces[2].Index != 2 {
		t.Errorf("Unexpected piece order in remaining list: %v", APieces.pieces)
	}

	last := atomicPieces{pieces: []queuedPiece{{Index: 2}}}
	if p := last.findPiece(Bitfield{0x20}); p == nil || p.Index != 2 || len(last.pieces) != 1 {
		t.Errorf("The last piece must stay in the queue: %v %v", p, last.pieces)
	}
	if p := last.findPiece(Bitfield{0x40}); p != nil {
		t.Errorf("Expected no piece for this peer, got %d", p.Index)
	}
}

func Test_assemblyDownload(t *testing.T) {
	data := make([]byte, 100)
	rand.New(rand.NewSource(7)).Read(data)
	torrent := testTorrent(data, 32)
	w := &memWriter{}
	a := NewAssembly(torrent, w)
	peer := allPieces(torrent.NumPieces())

	for !a.Complete() {
		claim, ok := a.Next(peer)
		if !ok {
			t.Fatal("Next() found nothing before completion")
		}
		start := int(claim.Index) * 32
		blocks := splitBlocks(claim.Index, data[start:start+claim.Size], 8)
		for i := len(blocks) - 1; i >= 0; i-- {
			res, err := a.AddBlock(blocks[i])
			if err != nil {
				t.Fatal(err)
			}
			if i > 0 && res != BlockAccepted {
				t.Fatalf("Expected accepted, got %d", res)
			}
			if i == 0 && res != PieceDone {
				t.Fatalf("Expected piece done, got %d", res)
			}
		}
	}

	select {
	case <-a.Done():
	default:
		t.Error("Done() not closed")
	}
	if !bytes.Equal(w.joined(torrent.NumPieces()), data) {
		t.Error("Written data does not match")
	}
	if a.Owned().Count(torrent.NumPieces()) != 4 {
		t.Errorf("Expected 4 owned pieces, got %d", a.Owned().Count(4))
	}
	if a.Wanted(peer) {
		t.Error("Nothing should be wanted after completion")
	}

	b, ok := a.Block(Request{Index: 3, Offset: 0, Length: 4})
	if !ok || !bytes.Equal(b.Data, data[96:]) {
		t.Errorf("Block() = %v %v", b, ok)
	}
}

func Test_assemblyCorruptPiece(t *testing.T) {
	data := []byte("0123456789abcdef")
	torrent := testTorrent(data, 8)
	a := NewAssembly(torrent, &memWriter{})
	peer := Bitfield{0x80}

	claim, ok := a.Next(peer)
	if !ok || claim.Index != 0 {
		t.Fatalf("Next() = %v %v", claim, ok)
	}
	res, _ := a.AddBlock(Block{Index: 0, Offset: 0, Data: []byte("xxxxxxxx")})
	if res != PieceFailed {
		t.Fatalf("Expected PieceFailed, got %d", res)
	}
	if res, _ := a.AddBlock(Block{Index: 0, Offset: 0, Data: data[:8]}); res != BlockRejected {
		t.Errorf("Blocks for a discarded piece must be rejected, got %d", res)
	}

	claim, ok = a.Next(peer)
	if !ok || claim.Index != 0 {
		t.Fatalf("Corrupt piece not queued again: %v %v", claim, ok)
	}
	if res, _ := a.AddBlock(Block{Index: 0, Offset: 0, Data: data[:8]}); res != PieceDone {
		t.Errorf("Expected PieceDone on retry, got %d", res)
	}
}

func Test_assemblyWriteError(t *testing.T) {
	data := []byte("01234567")
	torrent := testTorrent(data, 8)
	a := NewAssembly(torrent, &memWriter{err: errors.New("disk full")})

	a.Next(allPieces(1))
	res, err := a.AddBlock(Block{Index: 0, Data: data})
	if err == nil || res != PieceFailed {
		t.Errorf("Expected write failure, got %d %v", res, err)
	}
	if a.Complete() {
		t.Error("Piece must not be owned after a write error")
	}
}

func Test_assemblyRelease(t *testing.T) {
	data := make([]byte, 16)
	a := NewAssembly(testTorrent(data, 16), &memWriter{})
	peer := Bitfield{0x80}

	first, _ := a.Next(peer)
	second, ok := a.Next(peer)
	if !ok || second.Index != first.Index {
		t.Fatalf("Expected both sessions to share piece 0, got %v %v", second, ok)
	}
	a.AddBlock(Block{Index: 0, Offset: 8, Data: data[8:16]})

	a.Release(first)
	if res, _ := a.AddBlock(Block{Index: 0, Offset: 0, Data: data[:8]}); res != PieceDone {
		t.Errorf("Piece must survive while a claim remains, got %d", res)
	}
	a.Release(second)
	if !a.Complete() {
		t.Error("Release after completion must not undo the piece")
	}

	data = make([]byte, 32)
	a = NewAssembly(testTorrent(data, 16), &memWriter{})
	claim, ok := a.Next(Bitfield{0x40})
	if !ok || claim.Index != 1 {
		t.Fatalf("Next() = %v %v", claim, ok)
	}
	a.Release(claim)
	if res, _ := a.AddBlock(Block{Index: 1, Offset: 0, Data: data[:8]}); res != BlockRejected {
		t.Errorf("Released piece must be discarded, got %d", res)
	}
	if again, ok := a.Next(Bitfield{0x40}); !ok || again.Index != 1 {
		t.Errorf("Released piece must be queued again: %v %v", again, ok)
	}
}

// Blocks of the same piece arriving from several connections at once.
func Test_assemblyConcurrentBlocks(t *testing.T) {
	data := make([]byte, 4096)
	rand.New(rand.NewSource(3)).Read(data)
	torrent := testTorrent(data, 4096)
	w := &memWriter{}
	a := NewAssembly(torrent, w)
	peer := allPieces(1)

	claims := make([]*Claim, 4)
	for i := range claims {
		claims[i], _ = a.Next(peer)
	}

	blocks := splitBlocks(0, data, 64)
	rand.New(rand.NewSource(9)).Shuffle(len(blocks), func(i, j int) { blocks[i], blocks[j] = blocks[j], blocks[i] })

	var wg sync.WaitGroup
	var mu sync.Mutex
	done := 0
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := g; i < len(blocks); i += 4 {
				res, err := a.AddBlock(blocks[i])
				if err != nil {
					t.Error(err)
				}
				if res == PieceDone {
					mu.Lock()
					done++
					mu.Unlock()
				}
			}
		}(g)
	}
	wg.Wait()

	if done != 1 {
		t.Errorf("Expected exactly one PieceDone, got %d", done)
	}
	if !a.Complete() || !bytes.Equal(w.joined(1), data) {
		t.Error("Piece not assembled correctly")
	}
}

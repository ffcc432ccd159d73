package main

import (
	"log"
	"math/rand"

	"github.com/vaguilera/minitorrent/torrentfile"
	"github.com/vaguilera/minitorrent/torrentp2p"
)

type pieceReader interface {
	ReadPiece(index int, data []byte) error
}

// verify re-assembles every stored piece from blocks fed in random order
// and returns the indexes that fail to validate.
func verify(t *torrentfile.Torrent, store pieceReader, blockSize int, seed int64) []int {
	rng := rand.New(rand.NewSource(seed))
	var bad []int
	for i := 0; i < t.NumPieces(); i++ {
		data := make([]byte, t.PieceSize(i))
		if err := store.ReadPiece(i, data); err != nil {
			log.Printf("Piece %d: %s\n", i, err)
			bad = append(bad, i)
			continue
		}

		var blocks []torrentp2p.Block
		for off := 0; off < len(data); off += blockSize {
			end := off + blockSize
			if end > len(data) {
				end = len(data)
			}
			blocks = append(blocks, torrentp2p.Block{Index: uint32(i), Offset: uint32(off), Data: data[off:end]})
		}
		rng.Shuffle(len(blocks), func(a, b int) { blocks[a], blocks[b] = blocks[b], blocks[a] })

		p := torrentp2p.NewPiece(uint32(i), len(data))
		for _, b := range blocks {
			p.AddBlock(b)
		}
		if !p.Validate(t.PieceHashes[i][:]) {
			log.Printf("Piece %d: SHA1 mismatch\n", i)
			bad = append(bad, i)
		}
	}
	return bad
}

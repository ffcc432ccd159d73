package torrentp2p

// Bitfield is the piece availability vector of a BITFIELD message. The high
// bit of the first byte is piece 0.
type Bitfield []byte

func NewBitfield(numPieces int) Bitfield {
	return make(Bitfield, (numPieces+7)/8)
}

func (bf Bitfield) Has(index int) bool {
	i := index / 8
	if index < 0 || i >= len(bf) {
		return false
	}
	return bf[i]&(0x80>>uint(index%8)) != 0
}

func (bf Bitfield) Set(index int) {
	i := index / 8
	if index < 0 || i >= len(bf) {
		return
	}
	bf[i] |= 0x80 >> uint(index%8)
}

// Count returns the number of set bits among the first n pieces.
func (bf Bitfield) Count(n int) int {
	c := 0
	for i := 0; i < n; i++ {
		if bf.Has(i) {
			c++
		}
	}
	return c
}

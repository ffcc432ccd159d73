package torrentfile

// TorrentMultiFileInfo describes one file of the torrent content.
type TorrentMultiFileInfo struct {
	Length uint64   `bencode:"length"`
	Path   []string `bencode:"path"`
	MD5sum string   `bencode:"md5sum"`
}

type torrentFileInfo struct {
	Pieces      string                 `bencode:"pieces"`
	PieceLength int                    `bencode:"piece length"`
	Length      uint64                 `bencode:"length"`
	Name        string                 `bencode:"name"`
	Private     int                    `bencode:"private"`
	Files       []TorrentMultiFileInfo `bencode:"files"`
}

type torrentFile struct {
	Announce     string          `bencode:"announce"`
	AnnounceList [][]string      `bencode:"announce-list"`
	CreationDate int             `bencode:"creation date"`
	Info         torrentFileInfo `bencode:"info"`
	Comment      string          `bencode:"comment"`
	CreatedBy    string          `bencode:"created by"`
}

type tracker struct {
	URL      string
	Protocol string
}

// Torrent Represents a torrent entity
type Torrent struct {
	Trackers     []tracker
	InfoHash     [20]byte
	PieceHashes  [][20]byte
	PieceLength  int
	Length       uint64
	Name         string
	Files        []TorrentMultiFileInfo
	Private      bool
	Comment      string
	CreatedBy    string
	CreationDate int
}

// NumPieces returns the number of pieces described by the metainfo.
func (t *Torrent) NumPieces() int {
	return len(t.PieceHashes)
}

// PieceSize returns the length of piece i; only the last piece may be
// shorter than PieceLength.
func (t *Torrent) PieceSize(i int) int {
	if i < 0 || i >= len(t.PieceHashes) {
		return 0
	}
	start := uint64(i) * uint64(t.PieceLength)
	if start+uint64(t.PieceLength) > t.Length {
		return int(t.Length - start)
	}
	return t.PieceLength
}

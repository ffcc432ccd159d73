package torrentfile

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	bencodego "github.com/jackpal/bencode-go"

	"github.com/vaguilera/minitorrent/bencode"
)

var (
	ErrNoInfo          = errors.New("missing info dictionary")
	ErrCorruptedPieces = errors.New("corrupted data in pieces")
)

func (tf *torrentFile) pieceHashes() ([][20]byte, error) {

	buffer := []byte(tf.Info.Pieces)
	lenbuffer := len(buffer)

	if lenbuffer%20 != 0 {
		return nil, ErrCorruptedPieces
	}

	hashes := make([][20]byte, lenbuffer/20)
	for i := 0; i < len(hashes); i++ {
		copy(hashes[i][:], buffer[i*20:(i+1)*20])
	}
	return hashes, nil

}

func (tf *torrentFile) trackers() ([]tracker, error) {
	var urls []string
	for _, tier := range tf.AnnounceList {
		urls = append(urls, tier...)
	}
	if len(urls) == 0 && tf.Announce != "" {
		urls = append(urls, tf.Announce)
	}

	var trackers []tracker
	seen := make(map[string]bool)
	for _, raw := range urls {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("tracker %q: %w", raw, err)
		}
		tr := tracker{Protocol: u.Scheme, URL: u.Host}
		if seen[tr.Protocol+tr.URL] {
			continue
		}
		seen[tr.Protocol+tr.URL] = true
		trackers = append(trackers, tr)
	}
	return trackers, nil
}

func newTorrent(tf *torrentFile) (*Torrent, error) {

	t := new(Torrent)

	t.Name = tf.Info.Name
	if tf.Info.Length > 0 || len(tf.Info.Files) == 0 {
		t.Length = tf.Info.Length
		t.Files = []TorrentMultiFileInfo{{Length: tf.Info.Length, Path: []string{tf.Info.Name}}}
	} else {
		for _, f := range tf.Info.Files {
			if len(f.Path) == 0 {
				return nil, errors.New("file entry without path")
			}
			t.Length += f.Length
			path := append([]string{tf.Info.Name}, f.Path...)
			t.Files = append(t.Files, TorrentMultiFileInfo{Length: f.Length, Path: path, MD5sum: f.MD5sum})
		}
	}

	var err error
	t.PieceLength = tf.Info.PieceLength
	if t.PieceLength <= 0 {
		return nil, fmt.Errorf("invalid piece length %d", t.PieceLength)
	}
	t.PieceHashes, err = tf.pieceHashes()
	if err != nil {
		return nil, err
	}
	want := (t.Length + uint64(t.PieceLength) - 1) / uint64(t.PieceLength)
	if uint64(len(t.PieceHashes)) != want {
		return nil, fmt.Errorf("%w: %d hashes for %d pieces", ErrCorruptedPieces, len(t.PieceHashes), want)
	}

	t.Trackers, err = tf.trackers()
	if err != nil {
		return nil, err
	}
	t.Private = tf.Info.Private == 1
	t.Comment = tf.Comment
	t.CreatedBy = tf.CreatedBy
	t.CreationDate = tf.CreationDate
	return t, nil

}

// PrintInfo logs a human readable summary of the torrent.
func (t *Torrent) PrintInfo() {
	log.Printf("InfoHash: %x\n", t.InfoHash)
	for _, tr := range t.Trackers {
		log.Printf("Tracker: %s://%s\n", tr.Protocol, tr.URL)
	}
	if t.CreationDate > 0 {
		log.Printf("Creation Date: %s\n", time.Unix(int64(t.CreationDate), 0))
	}
	log.Printf("Comment: %s\n", t.Comment)
	log.Printf("Created By: %s\n", t.CreatedBy)
	log.Printf("Name: %s\n", t.Name)
	for _, f := range t.Files {
		log.Printf("File: %s (%d bytes)\n", strings.Join(f.Path, "/"), f.Length)
	}
	log.Printf("Pieces: %d x %d bytes\n", t.NumPieces(), t.PieceLength)
	log.Printf("Files total length: %d\n", t.Length)
}

// TorrentFromBytes parses a metainfo file. The info hash is taken over the
// exact bytes of the info dictionary while it is decoded.
func TorrentFromBytes(raw []byte) (*Torrent, error) {
	root, infoHash, err := bencode.DecodeWithDigest(bytes.NewReader(raw), "info")
	if err != nil {
		return nil, fmt.Errorf("couldn't parse torrent file: %w", err)
	}
	dict, ok := root.AsDict()
	if !ok {
		return nil, errors.New("couldn't parse torrent file: not a dictionary")
	}
	if info, ok := dict.Get("info"); !ok || info.Kind() != bencode.KindDict || len(infoHash) != sha1.Size {
		return nil, ErrNoInfo
	}

	tfile := torrentFile{}
	if err := bencodego.Unmarshal(bytes.NewReader(raw), &tfile); err != nil {
		return nil, fmt.Errorf("couldn't parse torrent file: %w", err)
	}

	t, err := newTorrent(&tfile)
	if err != nil {
		return nil, fmt.Errorf("error processing torrent file: %w", err)
	}
	copy(t.InfoHash[:], infoHash)
	return t, nil
}

// TorrentFromFile creates Torrent entity from .torrent file
func TorrentFromFile(fileName string) (*Torrent, error) {
	raw, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	return TorrentFromBytes(raw)
}

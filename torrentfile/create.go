package torrentfile

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vaguilera/minitorrent/bencode"
)

// DefaultPieceLength is used when BuildOptions leaves PieceLength unset.
const DefaultPieceLength = 256 * 1024

type BuildOptions struct {
	PieceLength  int
	Announce     []string
	Comment      string
	CreatedBy    string
	CreationDate time.Time
	Private      bool
}

type sourceFile struct {
	path   []string
	length int64
	open   func() (io.ReadCloser, error)
}

// pieceHasher collects the SHA-1 of every pieceLength bytes written to it.
type pieceHasher struct {
	pieceLength int
	h           hash.Hash
	filled      int
	sums        []byte
}

func (ph *pieceHasher) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		chunk := ph.pieceLength - ph.filled
		if chunk > len(p) {
			chunk = len(p)
		}
		ph.h.Write(p[:chunk])
		ph.filled += chunk
		p = p[chunk:]
		if ph.filled == ph.pieceLength {
			ph.flush()
		}
	}
	return n, nil
}

func (ph *pieceHasher) flush() {
	if ph.filled == 0 {
		return
	}
	ph.sums = ph.h.Sum(ph.sums)
	ph.h.Reset()
	ph.filled = 0
}

// Build creates a metainfo file for the file or directory at root.
func Build(root string, opts BuildOptions) ([]byte, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(filepath.Clean(root))
	if !st.IsDir() {
		return build(name, false, []sourceFile{fileSource(root, []string{name}, st.Size())}, opts)
	}

	var files []sourceFile
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, fileSource(p, strings.Split(filepath.ToSlash(rel), "/"), info.Size()))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: no files", root)
	}
	return build(name, true, files, opts)
}

// BuildBytes creates a single file metainfo for data.
func BuildBytes(name string, data []byte, opts BuildOptions) ([]byte, error) {
	src := sourceFile{
		path:   []string{name},
		length: int64(len(data)),
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
	return build(name, false, []sourceFile{src}, opts)
}

func fileSource(p string, path []string, length int64) sourceFile {
	return sourceFile{
		path:   path,
		length: length,
		open:   func() (io.ReadCloser, error) { return os.Open(p) },
	}
}

func build(name string, multi bool, files []sourceFile, opts BuildOptions) ([]byte, error) {
	if name == "" {
		return nil, errors.New("empty torrent name")
	}
	pieceLength := opts.PieceLength
	if pieceLength == 0 {
		pieceLength = DefaultPieceLength
	}
	if pieceLength < 0 {
		return nil, fmt.Errorf("invalid piece length %d", pieceLength)
	}

	hasher := &pieceHasher{pieceLength: pieceLength, h: sha1.New()}
	for _, f := range files {
		r, err := f.open()
		if err != nil {
			return nil, err
		}
		n, err := io.Copy(hasher, r)
		r.Close()
		if err != nil {
			return nil, err
		}
		if n != f.length {
			return nil, fmt.Errorf("%s: size changed while hashing", strings.Join(f.path, "/"))
		}
	}
	hasher.flush()

	info := bencode.NewDict()
	info.Set("name", bencode.String(name))
	info.Set("piece length", bencode.Int(int64(pieceLength)))
	info.Set("pieces", bencode.Bytes(hasher.sums))
	if opts.Private {
		info.Set("private", bencode.Int(1))
	}
	if multi {
		list := make([]bencode.Value, 0, len(files))
		for _, f := range files {
			path := make([]bencode.Value, len(f.path))
			for i, elem := range f.path {
				path[i] = bencode.String(elem)
			}
			entry := bencode.NewDict()
			entry.Set("length", bencode.Int(f.length))
			entry.Set("path", bencode.List(path...))
			list = append(list, bencode.DictValue(entry))
		}
		info.Set("files", bencode.List(list...))
	} else {
		info.Set("length", bencode.Int(files[0].length))
	}

	meta := bencode.NewDict()
	meta.Set("info", bencode.DictValue(info))
	if len(opts.Announce) > 0 {
		meta.Set("announce", bencode.String(opts.Announce[0]))
	}
	if len(opts.Announce) > 1 {
		tiers := make([]bencode.Value, len(opts.Announce))
		for i, a := range opts.Announce {
			tiers[i] = bencode.List(bencode.String(a))
		}
		meta.Set("announce-list", bencode.List(tiers...))
	}
	if opts.Comment != "" {
		meta.Set("comment", bencode.String(opts.Comment))
	}
	if opts.CreatedBy != "" {
		meta.Set("created by", bencode.String(opts.CreatedBy))
	}
	if !opts.CreationDate.IsZero() {
		meta.Set("creation date", bencode.Int(opts.CreationDate.Unix()))
	}
	return bencode.Encode(bencode.DictValue(meta))
}

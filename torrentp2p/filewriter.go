package torrentp2p

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vaguilera/minitorrent/torrentfile"
)

func create(p string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0644)
}

type fileData struct {
	file   *os.File
	length int64
}

// FileStore maps the torrent's contiguous byte space onto its files.
type FileStore struct {
	files       []fileData
	pieceLength int64
	length      int64
}

// CreateFileStore creates (or reopens) every file of t below dir.
func CreateFileStore(dir string, t *torrentfile.Torrent) (*FileStore, error) {
	return openFileStore(dir, t, create)
}

// OpenFileStore opens existing files of t below dir read-only.
func OpenFileStore(dir string, t *torrentfile.Torrent) (*FileStore, error) {
	return openFileStore(dir, t, os.Open)
}

func openFileStore(dir string, t *torrentfile.Torrent, open func(string) (*os.File, error)) (*FileStore, error) {
	fs := &FileStore{pieceLength: int64(t.PieceLength), length: int64(t.Length)}
	for _, file := range t.Files {
		p := filepath.Join(append([]string{dir}, file.Path...)...)
		cfile, err := open(p)
		if err != nil {
			fs.Close()
			return nil, fmt.Errorf("error opening %s: %w", p, err)
		}
		fs.files = append(fs.files, fileData{file: cfile, length: int64(file.Length)})
	}
	return fs, nil
}

func (fs *FileStore) Close() error {
	var errs []error
	for _, file := range fs.files {
		errs = append(errs, file.file.Close())
	}
	return errors.Join(errs...)
}

// span calls fn for every file section covered by [offset, offset+n).
func (fs *FileStore) span(offset int64, n int, fn func(f *os.File, fileOff int64, lo, hi int) error) error {
	if offset < 0 || offset+int64(n) > fs.length {
		return fmt.Errorf("range %d+%d outside of %d bytes", offset, n, fs.length)
	}
	cOffset := int64(0)
	dataOff := 0
	for i := 0; i < len(fs.files) && dataOff < n; i++ {
		start := cOffset
		cOffset += fs.files[i].length
		if cOffset <= offset {
			continue
		}
		relative := offset - start
		relData := fs.files[i].length - relative
		if relData > int64(n-dataOff) {
			relData = int64(n - dataOff)
		}
		if err := fn(fs.files[i].file, relative, dataOff, dataOff+int(relData)); err != nil {
			return err
		}
		dataOff += int(relData)
		offset += relData
	}
	return nil
}

func (fs *FileStore) WriteAt(data []byte, offset int64) (int, error) {
	err := fs.span(offset, len(data), func(f *os.File, off int64, lo, hi int) error {
		_, err := f.WriteAt(data[lo:hi], off)
		return err
	})
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

func (fs *FileStore) ReadAt(data []byte, offset int64) (int, error) {
	err := fs.span(offset, len(data), func(f *os.File, off int64, lo, hi int) error {
		_, err := f.ReadAt(data[lo:hi], off)
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

func (fs *FileStore) WritePiece(index int, data []byte) error {
	_, err := fs.WriteAt(data, int64(index)*fs.pieceLength)
	return err
}

func (fs *FileStore) ReadPiece(index int, data []byte) error {
	_, err := fs.ReadAt(data, int64(index)*fs.pieceLength)
	return err
}

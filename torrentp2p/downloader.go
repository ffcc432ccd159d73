package torrentp2p

import (
	"errors"
	"io"
	"log"
	"sync"

	"golang.org/x/time/rate"
)

var ErrIncomplete = errors.New("no more peers and download incomplete")

// PeerConn is an established connection to a peer.
type PeerConn struct {
	Name string
	Conn io.ReadWriteCloser
}

// Downloader runs a fixed pool of workers, each taking connections from
// a queue and running one session at a time against the shared Assembly.
type Downloader struct {
	assembly *Assembly
	peerID   [20]byte
	upload   *rate.Limiter
}

func NewDownloader(assembly *Assembly) *Downloader {
	return &Downloader{
		assembly: assembly,
		peerID:   NewPeerID(),
	}
}

// SetUploadLimit shares l between the sessions of every worker.
func (down *Downloader) SetUploadLimit(l *rate.Limiter) { down.upload = l }

func (down *Downloader) worker(peersQueue <-chan PeerConn) {
	for {
		select {
		case <-down.assembly.Done():
			return
		case peer, ok := <-peersQueue:
			if !ok {
				return
			}
			session := NewSession(peer.Name, peer.Conn, down.assembly, down.peerID)
			session.SetUploadLimit(down.upload)
			err := session.Run()
			peer.Conn.Close()
			if err != nil {
				warnf("(%s) Error processing peer: %s", peer.Name, err)
			}
		}
	}
}

// Run blocks until every piece is downloaded or peersQueue is closed and
// all workers have finished. Connections still open when the download
// completes are left to the caller.
func (down *Downloader) Run(peersQueue <-chan PeerConn, numWorkers int) error {

	log.Printf("Number of workers: %d\n", numWorkers)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			down.worker(peersQueue)
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-down.assembly.Done():
	case <-finished:
		if !down.assembly.Complete() {
			return ErrIncomplete
		}
	}

	log.Println("File(s) downloaded")
	return nil
}

package torrentp2p

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/time/rate"
)

const (
	BlockSize   = 0x4000
	MaxPipeline = 5 // outstanding REQUESTs per session

	maxRequestLength = 8 * BlockSize
	readChunkSize    = 32 * 1024
)

var (
	ErrInfoHashMismatch = errors.New("invalid infoHash in handshake with peer")
	ErrBitfieldOrder    = errors.New("BITFIELD received but not as first message")
	ErrNoUsefulPieces   = errors.New("this peer doesnt have any useful piece")

	errSessionDone = errors.New("download complete")
)

// job tracks the blocks this session asked for within one claimed piece.
type job struct {
	claim       *Claim
	next        int
	retry       []Request
	outstanding map[uint32]Request
}

func newJob(c *Claim) *job {
	return &job{claim: c, outstanding: make(map[uint32]Request)}
}

func (j *job) nextRequest() (Request, bool) {
	if n := len(j.retry); n > 0 {
		r := j.retry[n-1]
		j.retry = j.retry[:n-1]
		return r, true
	}
	if j.next >= j.claim.Size {
		return Request{}, false
	}
	length := BlockSize
	if j.next+length > j.claim.Size {
		length = j.claim.Size - j.next
	}
	r := Request{Index: j.claim.Index, Offset: uint32(j.next), Length: uint32(length)}
	j.next += length
	return r, true
}

// requeue moves the outstanding requests back for sending again. A choking
// peer discards every request it has not answered yet.
func (j *job) requeue() {
	for off, r := range j.outstanding {
		j.retry = append(j.retry, r)
		delete(j.outstanding, off)
	}
}

func (j *job) exhausted() bool {
	return j.next >= j.claim.Size && len(j.retry) == 0 && len(j.outstanding) == 0
}

// Session speaks the peer protocol over one established connection and
// downloads into a shared Assembly. Dialing and accepting connections is
// left to the caller.
type Session struct {
	name     string
	conn     io.ReadWriter
	assembly *Assembly
	peerID   [20]byte
	framer   *Framer

	remote   *Handshake
	choked   bool
	bitfield Bitfield
	received int // regular messages seen after the handshake
	current  *job
	upload   *rate.Limiter
}

func NewSession(name string, conn io.ReadWriter, assembly *Assembly, peerID [20]byte) *Session {
	return &Session{
		name:     name,
		conn:     conn,
		assembly: assembly,
		peerID:   peerID,
		framer:   NewFramer(),
		choked:   true,
		bitfield: NewBitfield(assembly.Torrent().NumPieces()),
	}
}

// SetUploadLimit throttles served blocks. The limiter's burst must cover
// the largest block a peer may request. Sessions may share one limiter.
func (s *Session) SetUploadLimit(l *rate.Limiter) { s.upload = l }

// Remote returns the handshake received from the peer, nil before it arrives.
func (s *Session) Remote() *Handshake { return s.remote }

// Run sends the handshake and processes messages until the peer closes the
// connection, the download completes or the peer misbehaves.
func (s *Session) Run() error {
	defer s.release()

	hs := NewHandshake(s.assembly.Torrent().InfoHash, s.peerID)
	if err := s.send(Message{Kind: KindHandshake, Handshake: hs}); err != nil {
		return err
	}

	var buf bytes.Buffer
	chunk := make([]byte, readChunkSize)
	for {
		n, err := s.conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			msgs, ferr := s.framer.Feed(&buf)
			for _, msg := range msgs {
				if herr := s.handle(msg); herr != nil {
					if herr == errSessionDone {
						return nil
					}
					return herr
				}
			}
			if ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (s *Session) release() {
	if s.current != nil {
		s.assembly.Release(s.current.claim)
		s.current = nil
	}
}

func (s *Session) send(msg Message) error {
	_, err := s.conn.Write(msg.Marshal())
	return err
}

func (s *Session) handle(msg Message) error {
	switch msg.Kind {
	case KindHandshake:
		return s.handleHandshake(msg.Handshake)
	case KindKeepAlive:
		debugf("(%s) Keep alive message", s.name)
		return nil
	}

	s.received++
	debugf("(%s) %s", s.name, msg)
	switch msg.ID {
	case MsgChoke:
		s.choked = true
		if s.current != nil {
			s.current.requeue()
		}
	case MsgUnchoke:
		s.choked = false
		return s.request()
	case MsgInterested:
		return s.send(NewMessage(MsgUnchoke, nil))
	case MsgNotInterested:
	case MsgHave:
		index, err := msg.Have()
		if err != nil {
			return err
		}
		if int(index) >= s.assembly.Torrent().NumPieces() {
			return &InvalidMessageError{ID: msg.ID, Length: len(msg.Payload), Reason: "piece index out of range"}
		}
		s.bitfield.Set(int(index))
		return s.request()
	case MsgBitfield:
		if s.received > 1 {
			return ErrBitfieldOrder
		}
		bf, err := msg.Bitfield()
		if err != nil {
			return err
		}
		if len(bf) != len(s.bitfield) {
			return &InvalidMessageError{ID: msg.ID, Length: len(bf), Reason: "wrong bitfield size"}
		}
		copy(s.bitfield, bf)
		if !s.assembly.Wanted(s.bitfield) {
			return ErrNoUsefulPieces
		}
		return s.request()
	case MsgRequest:
		r, err := msg.Request()
		if err != nil {
			return err
		}
		return s.serve(r)
	case MsgPiece:
		b, err := msg.Block()
		if err != nil {
			return err
		}
		return s.receive(b)
	default:
		debugf("(%s) Ignoring %s", s.name, msg)
	}
	return nil
}

func (s *Session) handleHandshake(hs *Handshake) error {
	s.remote = hs
	if hs.InfoHash != s.assembly.Torrent().InfoHash {
		warnf("(%s) Invalid Infohash %x", s.name, hs.InfoHash)
		return ErrInfoHashMismatch
	}
	infof("(%s) HandShake received from Peer: %q", s.name, hs.PeerID[:])

	owned := s.assembly.Owned()
	if owned.Count(s.assembly.Torrent().NumPieces()) > 0 {
		if err := s.send(BitfieldMessage(owned)); err != nil {
			return err
		}
	}
	if s.assembly.Complete() {
		return nil
	}
	return s.send(NewMessage(MsgInterested, nil))
}

// request claims a piece if needed and tops up the request pipeline.
func (s *Session) request() error {
	if s.choked {
		return nil
	}
	if s.current == nil {
		claim, ok := s.assembly.Next(s.bitfield)
		if !ok {
			if s.assembly.Complete() {
				return errSessionDone
			}
			return nil
		}
		s.current = newJob(claim)
		infof("(%s) current PIECE %d - size: %d", s.name, claim.Index, claim.Size)
	}
	for len(s.current.outstanding) < MaxPipeline {
		r, ok := s.current.nextRequest()
		if !ok {
			break
		}
		if err := s.send(RequestMessage(r)); err != nil {
			return err
		}
		s.current.outstanding[r.Offset] = r
	}
	return nil
}

func (s *Session) receive(b Block) error {
	res, err := s.assembly.AddBlock(b)
	if err != nil {
		return err
	}

	mine := s.current != nil && s.current.claim.Index == b.Index
	if mine {
		delete(s.current.outstanding, b.Offset)
	}
	switch res {
	case PieceDone:
		if mine {
			s.current = nil
		}
		if err := s.send(HaveMessage(b.Index)); err != nil {
			return err
		}
		if s.assembly.Complete() {
			return errSessionDone
		}
	case PieceFailed:
		if mine {
			s.current = nil
		}
	case BlockRejected:
		debugf("(%s) Block %d+%d of piece %d not used", s.name, b.Offset, len(b.Data), b.Index)
	}

	if s.current != nil && s.current.exhausted() {
		s.release()
	}
	return s.request()
}

func (s *Session) serve(r Request) error {
	if r.Length > maxRequestLength {
		return &InvalidMessageError{ID: MsgRequest, Length: 12, Reason: "requested block too large"}
	}
	b, ok := s.assembly.Block(r)
	if !ok {
		debugf("(%s) Cannot serve piece %d offset %d", s.name, r.Index, r.Offset)
		return nil
	}
	if s.upload != nil {
		res := s.upload.ReserveN(time.Now(), len(b.Data))
		if !res.OK() {
			return fmt.Errorf("upload rate limiter burst size < %d", len(b.Data))
		}
		time.Sleep(res.Delay())
	}
	return s.send(PieceMessage(b))
}

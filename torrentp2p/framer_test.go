package torrentp2p

import (
	"bytes"
	"errors"
	"testing"
)

func testHandshake() *Handshake {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "01234567890123456789")
	copy(peerID[:], "-SHOToTorrent-0.1abc")
	return NewHandshake(infoHash, peerID)
}

// readyFramer returns a framer that has already consumed a handshake.
func readyFramer(t *testing.T) *Framer {
	t.Helper()
	f := NewFramer()
	msgs, err := f.Feed(bytes.NewBuffer(testHandshake().Marshal()))
	if err != nil || len(msgs) != 1 || msgs[0].Kind != KindHandshake {
		t.Fatalf("Handshake not framed: %v %v", msgs, err)
	}
	return f
}

func sameMessage(a, b Message) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind == KindHandshake {
		return bytes.Equal(a.Handshake.Marshal(), b.Handshake.Marshal())
	}
	return a.ID == b.ID && bytes.Equal(a.Payload, b.Payload)
}

func Test_framerHave(t *testing.T) {
	f := readyFramer(t)
	msgs, err := f.Feed(bytes.NewBuffer([]byte{0, 0, 0, 5, 4, 0, 0, 0x01, 0x2c}))
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	index, err := msgs[0].Have()
	if err != nil {
		t.Fatalf("Have() error = %v", err)
	}
	if index != 300 {
		t.Errorf("Expected piece 300, got %d", index)
	}
}

func Test_framerEmptyInput(t *testing.T) {
	f := NewFramer()
	msgs, err := f.Feed(new(bytes.Buffer))
	if err != nil || len(msgs) != 0 {
		t.Errorf("Expected no messages, got %v %v", msgs, err)
	}
	if f.Pending() != 0 {
		t.Errorf("Expected no pending bytes, got %d", f.Pending())
	}
}

func Test_framerPartialLengthPrefix(t *testing.T) {
	f := readyFramer(t)
	for _, b := range []byte{0, 0, 0} {
		src := bytes.NewBuffer([]byte{b})
		msgs, err := f.Feed(src)
		if err != nil || len(msgs) != 0 {
			t.Fatalf("Expected no messages, got %v %v", msgs, err)
		}
		if src.Len() != 0 {
			t.Errorf("Source not drained: %d bytes left", src.Len())
		}
		if _, known := f.Missing(); known {
			t.Error("Missing length must be unknown before the prefix is complete")
		}
	}
	if f.Pending() != 3 {
		t.Errorf("Expected 3 pending bytes, got %d", f.Pending())
	}

	msgs, err := f.Feed(bytes.NewBuffer([]byte{1, byte(MsgInterested)}))
	if err != nil || len(msgs) != 1 || msgs[0].ID != MsgInterested {
		t.Fatalf("Expected INTERESTED, got %v %v", msgs, err)
	}
	if f.Pending() != 0 {
		t.Errorf("Expected carry-over to be released, got %d bytes", f.Pending())
	}
}

func Test_framerCarryOverSizing(t *testing.T) {
	f := readyFramer(t)
	full := PieceMessage(Block{Index: 1, Offset: 0, Data: bytes.Repeat([]byte{7}, 100)}).Marshal()

	if _, err := f.Feed(bytes.NewBuffer(full[:10])); err != nil {
		t.Fatal(err)
	}
	missing, known := f.Missing()
	if !known || missing != len(full)-10 {
		t.Errorf("Missing() = %d %v, want %d true", missing, known, len(full)-10)
	}
	if cap(f.carry) != len(full) {
		t.Errorf("Carry-over capacity %d, want %d", cap(f.carry), len(full))
	}
}

func Test_framerCompletionThenMore(t *testing.T) {
	f := readyFramer(t)
	first := RequestMessage(Request{Index: 1, Offset: 2, Length: 3})
	second := HaveMessage(9)
	third := KeepAlive()

	wire := first.Marshal()
	if msgs, err := f.Feed(bytes.NewBuffer(wire[:7])); err != nil || len(msgs) != 0 {
		t.Fatalf("Expected nothing yet, got %v %v", msgs, err)
	}

	rest := append([]byte{}, wire[7:]...)
	rest = append(rest, second.Marshal()...)
	rest = append(rest, third.Marshal()...)
	src := bytes.NewBuffer(rest)
	msgs, err := f.Feed(src)
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(msgs) != 3 || !sameMessage(msgs[0], first) || !sameMessage(msgs[1], second) || !sameMessage(msgs[2], third) {
		t.Errorf("Unexpected messages %v", msgs)
	}
	if src.Len() != 0 || f.Pending() != 0 {
		t.Errorf("Expected everything consumed, src=%d pending=%d", src.Len(), f.Pending())
	}
}

func Test_framerBatching(t *testing.T) {
	want := []Message{
		{Kind: KindHandshake, Handshake: testHandshake()},
		BitfieldMessage(Bitfield{0xff, 0x80}),
		NewMessage(MsgUnchoke, nil),
		PieceMessage(Block{Index: 2, Offset: 0x4000, Data: []byte("block data")}),
		KeepAlive(),
		CancelMessage(Request{Index: 2, Offset: 0, Length: 0x4000}),
		NewMessage(MsgExtended, []byte{0, 'd', 'e'}),
	}
	var wire []byte
	for _, m := range want {
		wire = append(wire, m.Marshal()...)
	}

	msgs, err := NewFramer().Feed(bytes.NewBuffer(wire))
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(msgs) != len(want) {
		t.Fatalf("Expected %d messages, got %d", len(want), len(msgs))
	}
	for i := range want {
		if !sameMessage(msgs[i], want[i]) {
			t.Errorf("Message %d: got %v, want %v", i, msgs[i], want[i])
		}
	}
}

// Every way of cutting a message in two or three parts frames it exactly once.
func Test_framerFragmentation(t *testing.T) {
	messages := []Message{
		{Kind: KindHandshake, Handshake: testHandshake()},
		HaveMessage(77),
		PieceMessage(Block{Index: 1, Offset: 32, Data: []byte("0123456789abcdef")}),
		KeepAlive(),
	}

	for mi, m := range messages {
		wire := m.Marshal()
		for i := 0; i <= len(wire); i++ {
			for j := i; j <= len(wire); j++ {
				var f *Framer
				if m.Kind == KindHandshake {
					f = NewFramer()
				} else {
					f = readyFramer(t)
				}
				var got []Message
				for k, part := range [][]byte{wire[:i], wire[i:j], wire[j:]} {
					msgs, err := f.Feed(bytes.NewBuffer(part))
					if err != nil {
						t.Fatalf("message %d split %d/%d: %v", mi, i, j, err)
					}
					if k < 2 && j < len(wire) && len(msgs) != 0 {
						t.Fatalf("message %d split %d/%d: framed before completion", mi, i, j)
					}
					got = append(got, msgs...)
				}
				if len(got) != 1 || !sameMessage(got[0], m) {
					t.Fatalf("message %d split %d/%d: got %v", mi, i, j, got)
				}
				if f.Pending() != 0 {
					t.Fatalf("message %d split %d/%d: %d bytes left over", mi, i, j, f.Pending())
				}
			}
		}
	}
}

func Test_framerByteAtATime(t *testing.T) {
	f := NewFramer()
	var wire []byte
	wire = append(wire, testHandshake().Marshal()...)
	wire = append(wire, HaveMessage(1).Marshal()...)
	wire = append(wire, NewMessage(MsgChoke, nil).Marshal()...)

	var got []Message
	for _, b := range wire {
		msgs, err := f.Feed(bytes.NewBuffer([]byte{b}))
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, msgs...)
	}
	if len(got) != 3 || got[0].Kind != KindHandshake || got[1].ID != MsgHave || got[2].ID != MsgChoke {
		t.Errorf("Unexpected messages %v", got)
	}
}

func Test_framerInvalidMessages(t *testing.T) {
	tests := []struct {
		name string
		wire []byte
	}{
		{name: "Unknown id", wire: []byte{0, 0, 0, 1, 42}},
		{name: "Short have", wire: []byte{0, 0, 0, 3, 4, 0, 1}},
		{name: "Choke with payload", wire: []byte{0, 0, 0, 2, 0, 1}},
		{name: "Short piece", wire: []byte{0, 0, 0, 5, 7, 0, 0, 0, 1}},
		{name: "Too long", wire: []byte{0x7f, 0xff, 0xff, 0xff, 7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := readyFramer(t)
			wire := append(HaveMessage(3).Marshal(), tt.wire...)
			msgs, err := f.Feed(bytes.NewBuffer(wire))
			var ime *InvalidMessageError
			if !errors.As(err, &ime) {
				t.Fatalf("Expected *InvalidMessageError, got %v", err)
			}
			if len(msgs) != 1 || msgs[0].ID != MsgHave {
				t.Errorf("Expected the preceding HAVE to be returned, got %v", msgs)
			}
		})
	}
}

func Test_framerPayloadNotAliased(t *testing.T) {
	f := readyFramer(t)
	src := bytes.NewBuffer(HaveMessage(5).Marshal())
	msgs, err := f.Feed(src)
	if err != nil || len(msgs) != 1 {
		t.Fatal(msgs, err)
	}
	src.Reset()
	src.Write([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	if index, _ := msgs[0].Have(); index != 5 {
		t.Errorf("Payload changed with the source buffer: %d", index)
	}
}

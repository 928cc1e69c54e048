// Package peerwire implements the BitTorrent peer wire framing:
// the handshake preamble and the length-prefixed message stream that
// follows it.
package peerwire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ID identifies a framed peer message.
type ID uint8

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	BitfieldMsg   ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	Port          ID = 9
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not-interested"
	case Have:
		return "have"
	case BitfieldMsg:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is one framed peer message. A keep-alive has no Message of
// its own: a zero-length frame decodes to a nil *Message, and
// Serialize on a nil *Message writes a zero-length frame.
type Message struct {
	ID      ID
	Payload []byte
}

// Serialize encodes m as <u32 length prefix><id><payload>.
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4) // keep-alive
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// ProtocolErrorKind classifies a fatal per-connection wire error.
type ProtocolErrorKind int

const (
	BadHandshake ProtocolErrorKind = iota
	Truncated
	OversizedFrame
	UnexpectedMessage
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case BadHandshake:
		return "bad handshake"
	case Truncated:
		return "truncated stream"
	case OversizedFrame:
		return "oversized frame"
	case UnexpectedMessage:
		return "unexpected message"
	default:
		return "protocol error"
	}
}

// ProtocolError is fatal to the connection it occurred on, never to
// the orchestrator.
type ProtocolError struct {
	Kind ProtocolErrorKind
	Msg  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("peerwire: %s: %s", e.Kind, e.Msg)
}

const pstr = "BitTorrent protocol"

// Handshake is the 68-byte preamble exchanged before any framed
// message.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Serialize encodes the handshake: pstrlen | pstr | 8 zero reserved
// bytes | info-hash | peer-id.
func (h Handshake) Serialize() []byte {
	buf := make([]byte, 49+len(pstr))
	buf[0] = byte(len(pstr))
	n := 1
	n += copy(buf[n:], pstr)
	n += 8 // reserved, left zero: this core sends and ignores extension bits
	n += copy(buf[n:], h.InfoHash[:])
	copy(buf[n:], h.PeerID[:])
	return buf
}

// ReadHandshake reads and validates exactly 68 bytes off r, checking
// the remote's info-hash against want.
func ReadHandshake(r io.Reader, want [20]byte) (Handshake, error) {
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Handshake{}, &ProtocolError{Kind: BadHandshake, Msg: err.Error()}
	}
	pstrlen := int(lenBuf[0])
	if pstrlen != len(pstr) {
		return Handshake{}, &ProtocolError{Kind: BadHandshake, Msg: "bad pstrlen"}
	}

	rest := make([]byte, pstrlen+48)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Handshake{}, &ProtocolError{Kind: BadHandshake, Msg: err.Error()}
	}
	if !bytes.Equal(rest[:pstrlen], []byte(pstr)) {
		return Handshake{}, &ProtocolError{Kind: BadHandshake, Msg: "protocol string mismatch"}
	}

	var h Handshake
	cursor := pstrlen + 8
	copy(h.InfoHash[:], rest[cursor:cursor+20])
	cursor += 20
	copy(h.PeerID[:], rest[cursor:cursor+20])

	if h.InfoHash != want {
		return Handshake{}, &ProtocolError{Kind: BadHandshake, Msg: "info-hash mismatch"}
	}
	return h, nil
}

// DefaultMaxFrameLength is the frame length bound NewReader uses when
// given 0; frames declaring more than a Reader's bound are rejected as
// OversizedFrame rather than risking an unbounded allocation from a
// hostile or corrupt peer.
const DefaultMaxFrameLength = 1 << 20

// Reader parses the framed message stream described in spec.md
// §4.4.4 off a buffered reader, one frame per Next call.
type Reader struct {
	br            *bufio.Reader
	maxFrameLength uint32
}

// NewReader wraps r for frame-at-a-time reads.
func NewReader(r io.Reader, maxFrameLength uint32) *Reader {
	if maxFrameLength == 0 {
		maxFrameLength = DefaultMaxFrameLength
	}
	return &Reader{br: bufio.NewReaderSize(r, 32*1024), maxFrameLength: maxFrameLength}
}

// Next reads the next frame. A nil, nil return is a keep-alive. EOF
// with nothing buffered is reported as io.EOF; EOF mid-frame is
// reported as a Truncated ProtocolError.
func (fr *Reader) Next() (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.br, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &ProtocolError{Kind: Truncated, Msg: err.Error()}
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil // keep-alive
	}
	if length > fr.maxFrameLength {
		return nil, &ProtocolError{Kind: OversizedFrame, Msg: fmt.Sprintf("declared length %d", length)}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.br, payload); err != nil {
		return nil, &ProtocolError{Kind: Truncated, Msg: err.Error()}
	}

	return &Message{ID: ID(payload[0]), Payload: payload[1:]}, nil
}

// FormatHave builds a `have` message.
func FormatHave(index int) *Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, uint32(index))
	return &Message{ID: Have, Payload: p}
}

// FormatRequest builds a `request` message.
func FormatRequest(index, begin, length int) *Message {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], uint32(index))
	binary.BigEndian.PutUint32(p[4:8], uint32(begin))
	binary.BigEndian.PutUint32(p[8:12], uint32(length))
	return &Message{ID: Request, Payload: p}
}

// FormatCancel builds a `cancel` message.
func FormatCancel(index, begin, length int) *Message {
	m := FormatRequest(index, begin, length)
	m.ID = Cancel
	return m
}

// FormatPort builds a `port` message.
func FormatPort(port uint16) *Message {
	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, port)
	return &Message{ID: Port, Payload: p}
}

// ParsePiece decodes a `piece` message's index, begin and block.
func ParsePiece(msg *Message) (index, begin int, block []byte, err error) {
	if msg.ID != Piece {
		return 0, 0, nil, &ProtocolError{Kind: UnexpectedMessage, Msg: fmt.Sprintf("expected piece, got %s", msg.ID)}
	}
	if len(msg.Payload) < 8 {
		return 0, 0, nil, &ProtocolError{Kind: Truncated, Msg: "piece payload too short"}
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	block = msg.Payload[8:]
	return index, begin, block, nil
}

// ParseHave decodes a `have` message's piece index.
func ParseHave(msg *Message) (int, error) {
	if msg.ID != Have || len(msg.Payload) != 4 {
		return 0, &ProtocolError{Kind: UnexpectedMessage, Msg: "malformed have"}
	}
	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}

// ParseRequest decodes a `request` (or `cancel`) message's fields.
func ParseRequest(msg *Message) (index, begin, length int, err error) {
	if len(msg.Payload) != 12 {
		return 0, 0, 0, &ProtocolError{Kind: UnexpectedMessage, Msg: "malformed request"}
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(msg.Payload[8:12]))
	return index, begin, length, nil
}

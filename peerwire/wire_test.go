package peerwire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash [20]byte
	var peerID [20]byte
	for i := range peerID {
		peerID[i] = 0x41
	}

	h := Handshake{InfoHash: infoHash, PeerID: peerID}
	buf := h.Serialize()
	require.Len(t, buf, 68)

	want := append([]byte{19}, []byte("BitTorrent protocol")...)
	want = append(want, make([]byte, 8)...)
	want = append(want, infoHash[:]...)
	want = append(want, peerID[:]...)
	assert.Equal(t, want, buf)

	got, err := ReadHandshake(bytes.NewReader(buf), infoHash)
	require.NoError(t, err)
	assert.Equal(t, infoHash, got.InfoHash)
	assert.Equal(t, peerID, got.PeerID)
}

func TestHandshakeRejectsMismatchedInfoHash(t *testing.T) {
	var sent [20]byte
	sent[0] = 1
	var want [20]byte
	want[0] = 2

	h := Handshake{InfoHash: sent}
	_, err := ReadHandshake(bytes.NewReader(h.Serialize()), want)
	require.Error(t, err)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, BadHandshake, perr.Kind)
}

func TestStreamFramingArbitraryChunking(t *testing.T) {
	msgs := []*Message{
		nil, // keep-alive
		{ID: Unchoke},
		{ID: Have, Payload: []byte{0, 0, 0, 7}},
		{ID: Piece, Payload: bytes.Repeat([]byte{0xAB}, 16392)},
	}
	var full []byte
	for _, m := range msgs {
		full = append(full, m.Serialize()...)
	}

	chunkSizes := []int{1, 3, 7, 64, 4096}
	for _, chunk := range chunkSizes {
		t.Run("", func(t *testing.T) {
			pr, pw := io.Pipe()
			go func() {
				defer pw.Close()
				for i := 0; i < len(full); i += chunk {
					end := i + chunk
					if end > len(full) {
						end = len(full)
					}
					pw.Write(full[i:end])
				}
			}()

			fr := NewReader(pr, DefaultMaxFrameLength)
			var got []*Message
			for i := 0; i < len(msgs); i++ {
				m, err := fr.Next()
				require.NoError(t, err)
				got = append(got, m)
			}
			require.Equal(t, len(msgs), len(got))
			assert.Nil(t, got[0])
			assert.Equal(t, Unchoke, got[1].ID)
			assert.Equal(t, Have, got[2].ID)
			assert.Equal(t, Piece, got[3].ID)
			assert.Equal(t, msgs[3].Payload, got[3].Payload)
		})
	}
}

func TestOversizedFrameRejected(t *testing.T) {
	big := &Message{ID: Piece, Payload: make([]byte, 100)}
	fr := NewReader(bytes.NewReader(big.Serialize()), 50)
	_, err := fr.Next()
	require.Error(t, err)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, OversizedFrame, perr.Kind)
}

func TestTruncatedStreamRejected(t *testing.T) {
	full := (&Message{ID: Have, Payload: []byte{0, 0, 0, 1}}).Serialize()
	fr := NewReader(bytes.NewReader(full[:len(full)-2]), DefaultMaxFrameLength)
	_, err := fr.Next()
	require.Error(t, err)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, Truncated, perr.Kind)
}

func TestParseRequestAndPiece(t *testing.T) {
	req := FormatRequest(3, 16384, 16384)
	index, begin, length, err := ParseRequest(req)
	require.NoError(t, err)
	assert.Equal(t, 3, index)
	assert.Equal(t, 16384, begin)
	assert.Equal(t, 16384, length)

	piecePayload := make([]byte, 8+4)
	piecePayload[3] = 3
	piecePayload[7] = 0
	copy(piecePayload[8:], []byte{1, 2, 3, 4})
	msg := &Message{ID: Piece, Payload: piecePayload}
	pi, pb, block, err := ParsePiece(msg)
	require.NoError(t, err)
	assert.Equal(t, 3, pi)
	assert.Equal(t, 0, pb)
	assert.Equal(t, []byte{1, 2, 3, 4}, block)
}

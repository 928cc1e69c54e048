package orchestrator

import (
	"context"
	"crypto/sha1"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anteater/leech/bencode"
	"github.com/anteater/leech/config"
	"github.com/anteater/leech/metainfo"
	"github.com/anteater/leech/peer"
	"github.com/anteater/leech/peerwire"
)

func TestGeneratePeerIDFormat(t *testing.T) {
	id := GeneratePeerID("GR")
	assert.Equal(t, byte('-'), id[0])
	assert.Equal(t, "GR", string(id[1:3]))
	assert.Equal(t, "1234", string(id[3:7]))
	assert.Equal(t, byte('-'), id[7])

	id2 := GeneratePeerID("GR")
	assert.NotEqual(t, id[8:], id2[8:], "the random suffix must vary per call")
}

func TestCooldownExpiresAfterWindow(t *testing.T) {
	e := &Engine{cooldown: make(map[string]time.Time)}
	ep := peer.Endpoint{IP: net.ParseIP("1.2.3.4"), Port: 1}

	assert.False(t, e.onCooldown(ep))
	e.cfg.DisconnectCooldown = time.Millisecond
	e.markCooldown(ep)
	assert.True(t, e.onCooldown(ep))

	time.Sleep(5 * time.Millisecond)
	assert.False(t, e.onCooldown(ep))
}

// fakeSeedPeer is a minimal single-connection seeder used to drive one
// real peer.Conn through a full handshake/bitfield/unchoke/request/
// piece exchange over an actual TCP socket.
func fakeSeedPeer(t *testing.T, infoHash [20]byte, piece []byte) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if _, err := peerwire.ReadHandshake(conn, infoHash); err != nil {
			return
		}
		hs := peerwire.Handshake{InfoHash: infoHash, PeerID: [20]byte{1}}
		if _, err := conn.Write(hs.Serialize()); err != nil {
			return
		}

		bits := make([]byte, 1)
		bits[0] = 0x80
		conn.Write((&peerwire.Message{ID: peerwire.BitfieldMsg, Payload: bits}).Serialize())
		conn.Write((&peerwire.Message{ID: peerwire.Unchoke}).Serialize())

		fr := peerwire.NewReader(conn, peerwire.DefaultMaxFrameLength)
		for {
			msg, err := fr.Next()
			if err != nil {
				return
			}
			if msg == nil {
				continue
			}
			if msg.ID != peerwire.Request {
				continue
			}
			index, begin, length, err := peerwire.ParseRequest(msg)
			if err != nil {
				return
			}
			payload := make([]byte, 8+length)
			payload[3] = byte(index)
			payload[7] = byte(begin)
			copy(payload[8:], piece[begin:begin+length])
			conn.Write((&peerwire.Message{ID: peerwire.Piece, Payload: payload}).Serialize())
		}
	}()

	return ln.Addr()
}

func TestEngineDownloadsSinglePieceFromOnePeer(t *testing.T) {
	piece := make([]byte, 16384)
	for i := range piece {
		piece[i] = byte(i)
	}
	pieceHash := sha1.Sum(piece)

	info := bencode.Dct(
		bencode.KV{Key: []byte("name"), Value: bencode.Str("f.bin")},
		bencode.KV{Key: []byte("piece length"), Value: bencode.Int64(16384)},
		bencode.KV{Key: []byte("pieces"), Value: bencode.Bstr(pieceHash[:])},
		bencode.KV{Key: []byte("length"), Value: bencode.Int64(16384)},
	)
	infoBytes, err := bencode.Encode(info)
	require.NoError(t, err)
	infoHash := sha1.Sum(infoBytes)

	addr := fakeSeedPeer(t, infoHash, piece)
	tcpAddr := addr.(*net.TCPAddr)
	peers := []byte{127, 0, 0, 1, byte(tcpAddr.Port >> 8), byte(tcpAddr.Port)}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := bencode.Dct(
			bencode.KV{Key: []byte("interval"), Value: bencode.Int64(3600)},
			bencode.KV{Key: []byte("peers"), Value: bencode.Bstr(peers)},
		)
		out, _ := bencode.Encode(resp)
		w.Write(out)
	}))
	defer srv.Close()

	top := bencode.Dct(
		bencode.KV{Key: []byte("announce"), Value: bencode.Str(srv.URL + "/announce")},
		bencode.KV{Key: []byte("info"), Value: info},
	)
	data, err := bencode.Encode(top)
	require.NoError(t, err)
	tor, err := metainfo.Parse(data)
	require.NoError(t, err)
	require.Equal(t, infoHash, tor.InfoHash)

	cfg := config.Default()
	cfg.MaxPeers = 2
	cfg.ConnectTimeout = 2 * time.Second
	cfg.IdleTimeout = 2 * time.Second

	eng := New(cfg, tor, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = eng.Run(ctx)
	require.NoError(t, err)
	assert.True(t, eng.PiecesManager().Done())
	assert.Equal(t, piece, eng.PiecesManager().Assembled())
}

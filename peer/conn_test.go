package peer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anteater/leech/internal/bitfield"
	"github.com/anteater/leech/peerwire"
	"github.com/anteater/leech/piecemgr"
)

func pipeDialer(local net.Conn) func(context.Context, string) (net.Conn, error) {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		return local, nil
	}
}

func testConfig(dial func(context.Context, string) (net.Conn, error)) Config {
	return Config{
		ConnectTimeout: time.Second,
		IdleTimeout:    time.Second,
		MaxFrameLength: peerwire.DefaultMaxFrameLength,
		BlockSize:      16384,
		RequestRate:    1000,
		Dial:           dial,
	}
}

func readHandshakeAndReply(t *testing.T, remote net.Conn, infoHash [20]byte) {
	t.Helper()
	_, err := peerwire.ReadHandshake(remote, infoHash)
	require.NoError(t, err)
	hs := peerwire.Handshake{InfoHash: infoHash, PeerID: [20]byte{9}}
	_, err = remote.Write(hs.Serialize())
	require.NoError(t, err)
}

func TestConnScenarioBitfieldThenUnchokeEnablesRequest(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	var infoHash [20]byte
	infoHash[0] = 7
	cfg := testConfig(pipeDialer(local))
	cfg.InfoHash = infoHash

	m := piecemgr.New(make([]byte, 20), 32768, 32768, 16384)
	c := New(cfg, Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 6881})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), m) }()

	readHandshakeAndReply(t, remote, infoHash)

	// Consume the `interested` message the connection sends.
	fr := peerwire.NewReader(remote, peerwire.DefaultMaxFrameLength)
	msg, err := fr.Next()
	require.NoError(t, err)
	require.Equal(t, peerwire.Interested, msg.ID)
	assert.Equal(t, ChokedInterested, c.State())

	bits := bitfield.New(1)
	bits.SetPiece(0)
	bf := &peerwire.Message{ID: peerwire.BitfieldMsg, Payload: bits}
	_, err = remote.Write(bf.Serialize())
	require.NoError(t, err)

	_, err = remote.Write((&peerwire.Message{ID: peerwire.Unchoke}).Serialize())
	require.NoError(t, err)

	req, err := fr.Next()
	require.NoError(t, err)
	require.Equal(t, peerwire.Request, req.ID)
	index, begin, length, err := peerwire.ParseRequest(req)
	require.NoError(t, err)
	assert.Equal(t, 0, index)
	assert.Equal(t, 0, begin)
	assert.Equal(t, 16384, length)

	assert.Eventually(t, func() bool { return c.State() == Active }, time.Second, time.Millisecond)

	remote.Close()
	<-done
	assert.Equal(t, Stopped, c.State())
}

func TestConnScenarioChokeStopsRequests(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	var infoHash [20]byte
	cfg := testConfig(pipeDialer(local))
	cfg.InfoHash = infoHash

	m := piecemgr.New(make([]byte, 20), 16384, 16384, 16384)
	c := New(cfg, Endpoint{IP: net.ParseIP("10.0.0.1"), Port: 1})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), m) }()

	readHandshakeAndReply(t, remote, infoHash)
	fr := peerwire.NewReader(remote, peerwire.DefaultMaxFrameLength)
	_, err := fr.Next() // interested
	require.NoError(t, err)

	bits := bitfield.New(1)
	bits.SetPiece(0)
	_, err = remote.Write((&peerwire.Message{ID: peerwire.BitfieldMsg, Payload: bits}).Serialize())
	require.NoError(t, err)
	_, err = remote.Write((&peerwire.Message{ID: peerwire.Unchoke}).Serialize())
	require.NoError(t, err)

	_, err = fr.Next() // request
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return c.State() == Active }, time.Second, time.Millisecond)

	_, err = remote.Write((&peerwire.Message{ID: peerwire.Choke}).Serialize())
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return c.State() == ChokedInterested }, time.Second, time.Millisecond)

	remote.Close()
	<-done
}

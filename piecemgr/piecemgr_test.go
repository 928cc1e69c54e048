package piecemgr

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anteater/leech/internal/bitfield"
)

func hashesFor(pieces [][]byte) []byte {
	var out []byte
	for _, p := range pieces {
		h := sha1.Sum(p)
		out = append(out, h[:]...)
	}
	return out
}

func TestNextRequestAfterBitfieldAndUnchoke(t *testing.T) {
	piece0 := make([]byte, 16384*2)
	hashes := hashesFor([][]byte{piece0})
	m := New(hashes, len(piece0), 16384*2, 16384)

	bf := bitfield.New(1)
	bf.SetPiece(0)
	m.OnBitfield("peerA", bf)

	b, ok := m.NextRequest("peerA")
	require.True(t, ok)
	assert.Equal(t, 0, b.Index)
	assert.Equal(t, 0, b.Begin)
	assert.Equal(t, 16384, b.Length)
}

func TestNextRequestEmptyWhenPeerHasNothingWeNeed(t *testing.T) {
	piece0 := make([]byte, 100)
	hashes := hashesFor([][]byte{piece0})
	m := New(hashes, len(piece0), 100, 16384)

	_, ok := m.NextRequest("peerA")
	assert.False(t, ok)
}

func TestOnPeerDisconnectReleasesInFlightBlocks(t *testing.T) {
	piece0 := make([]byte, 16384)
	hashes := hashesFor([][]byte{piece0})
	m := New(hashes, len(piece0), 16384, 16384)

	bf := bitfield.New(1)
	bf.SetPiece(0)
	m.OnBitfield("peerA", bf)

	b, ok := m.NextRequest("peerA")
	require.True(t, ok)

	_, ok = m.NextRequest("peerA")
	assert.False(t, ok, "block should be in flight, not re-offered to the same peer")

	m.OnPeerDisconnect("peerA")

	m.OnBitfield("peerB", bf)
	b2, ok := m.NextRequest("peerB")
	require.True(t, ok)
	assert.Equal(t, b.Index, b2.Index)
	assert.Equal(t, b.Begin, b2.Begin)
}

func TestOnBlockAssemblesAndVerifiesPiece(t *testing.T) {
	block1 := make([]byte, 16384)
	block2 := make([]byte, 16384)
	for i := range block1 {
		block1[i] = byte(i)
	}
	for i := range block2 {
		block2[i] = byte(255 - i)
	}
	piece0 := append(append([]byte{}, block1...), block2...)
	hashes := hashesFor([][]byte{piece0})
	m := New(hashes, len(piece0), len(piece0), 16384)

	completed := false
	m.OnComplete(func() { completed = true })

	m.OnBlock(0, 0, block1)
	assert.False(t, m.Done())
	m.OnBlock(0, 16384, block2)
	assert.True(t, m.Done())
	assert.True(t, completed)
	assert.Equal(t, piece0, m.Assembled())
}

func TestOnBlockRejectsHashMismatchAndAllowsRerequest(t *testing.T) {
	piece0 := make([]byte, 16384)
	hashes := hashesFor([][]byte{piece0})
	m := New(hashes, len(piece0), len(piece0), 16384)

	wrong := make([]byte, 16384)
	wrong[0] = 0xFF
	m.OnBlock(0, 0, wrong)
	assert.False(t, m.Done())

	bf := bitfield.New(1)
	bf.SetPiece(0)
	m.OnBitfield("peerA", bf)
	b, ok := m.NextRequest("peerA")
	require.True(t, ok, "mismatching piece must become re-requestable")
	assert.Equal(t, 0, b.Begin)
}

func TestOnBlockDiscardsDuplicateDelivery(t *testing.T) {
	piece0 := make([]byte, 16384)
	hashes := hashesFor([][]byte{piece0})
	m := New(hashes, len(piece0), len(piece0), 16384)

	m.OnBlock(0, 0, piece0)
	assert.True(t, m.Done())

	// A duplicate, late delivery for the same (index, begin) must not
	// panic or disturb the already-verified piece.
	m.OnBlock(0, 0, piece0)
	assert.True(t, m.Done())
}

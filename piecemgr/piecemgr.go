// Package piecemgr implements the piece manager contract consumed by
// the peer engine: tracking peer availability, assigning blocks, and
// verifying assembled pieces against their published SHA-1 hashes.
package piecemgr

import (
	"crypto/sha1"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/anteater/leech/internal/bitfield"
)

var log = logrus.WithField("component", "piecemgr")

// PeerView is the identity a Manager uses to key per-peer state; the
// peer engine is expected to hand back the same value for the
// lifetime of one connection.
type PeerView = string

// Block identifies one in-flight or completed block transfer.
type Block struct {
	Index  int
	Begin  int
	Length int
}

// blockKey identifies a block by (index, begin) alone, matching the
// "duplicates discarded by (index, begin) identity" guarantee of
// spec.md §5 regardless of the length a re-request used.
type blockKey struct {
	Index int
	Begin int
}

type pieceState struct {
	hash      [20]byte
	length    int
	data      []byte
	received  map[int]bool // begin -> received
	done      bool
	availability int
}

// Manager assigns blocks to peers, verifies completed pieces, and
// reclaims requests when peers disconnect. It implements the
// PieceManager contract from spec.md §4.4.5.
type Manager struct {
	mu sync.Mutex

	pieceLength int
	totalLength int
	pieces      []pieceState

	// peerBitfields tracks which pieces each known peer claims.
	peerBitfields map[PeerView]map[int]bool

	// inFlight maps (index,begin) to the peer it was assigned to, so
	// OnPeerDisconnect can release exactly that peer's work. Duplicate
	// OnBlock deliveries are discarded through each piece's received
	// set, not through this map.
	inFlight map[blockKey]PeerView

	blockSize int

	doneCount int
	onComplete func()
}

// New builds a Manager for a torrent with the given piece hashes (20
// bytes each, concatenated), overall content length, piece length and
// block size.
func New(pieceHashes []byte, totalLength int, pieceLength int, blockSize int) *Manager {
	n := len(pieceHashes) / 20
	m := &Manager{
		pieceLength:   pieceLength,
		totalLength:   totalLength,
		pieces:        make([]pieceState, n),
		peerBitfields: make(map[PeerView]map[int]bool),
		inFlight:      make(map[blockKey]PeerView),
		blockSize:     blockSize,
	}
	for i := range m.pieces {
		var h [20]byte
		copy(h[:], pieceHashes[i*20:i*20+20])
		length := pieceLength
		if i == n-1 {
			last := totalLength - pieceLength*(n-1)
			if last > 0 {
				length = last
			}
		}
		m.pieces[i] = pieceState{hash: h, length: length, data: make([]byte, length), received: make(map[int]bool)}
	}
	return m
}

// OnComplete registers a callback invoked exactly once, when every
// piece has verified successfully.
func (m *Manager) OnComplete(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onComplete = fn
}

// Done reports whether every piece has verified.
func (m *Manager) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doneCount == len(m.pieces)
}

// BytesDownloaded returns the total length of every piece verified so
// far, for the `downloaded` counter reported on tracker announces.
func (m *Manager) BytesDownloaded() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, p := range m.pieces {
		if p.done {
			n += int64(p.length)
		}
	}
	return n
}

// Assembled returns the full content blob. Only meaningful once Done
// reports true.
func (m *Manager) Assembled() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, m.totalLength)
	for i, p := range m.pieces {
		begin := i * m.pieceLength
		copy(buf[begin:], p.data)
	}
	return buf
}

// OnBitfield records every piece peer claims to hold.
func (m *Manager) OnBitfield(peer PeerView, bits bitfield.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()
	have := m.peerBitfields[peer]
	if have == nil {
		have = make(map[int]bool)
		m.peerBitfields[peer] = have
	}
	for i := range m.pieces {
		if bits.HasPiece(i) {
			if !have[i] {
				have[i] = true
				m.pieces[i].availability++
			}
		}
	}
}

// OnHave records a single piece peer claims to hold.
func (m *Manager) OnHave(peer PeerView, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.pieces) {
		return
	}
	have := m.peerBitfields[peer]
	if have == nil {
		have = make(map[int]bool)
		m.peerBitfields[peer] = have
	}
	if !have[index] {
		have[index] = true
		m.pieces[index].availability++
	}
}

// NextRequest returns the next block to request from peer: among the
// pieces peer claims to hold and isn't done, tried rarest-first, the
// next un-requested block of the first one with any block still free.
// Pieces of equal availability are tried in index order. No limit is
// placed on how many blocks one peer has in flight at once.
// Returns false when nothing is currently assignable to this peer.
func (m *Manager) NextRequest(peer PeerView) (Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	have := m.peerBitfields[peer]
	candidates := make([]int, 0, len(m.pieces))
	for i, p := range m.pieces {
		if p.done || !have[i] {
			continue
		}
		candidates = append(candidates, i)
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return m.pieces[candidates[a]].availability < m.pieces[candidates[b]].availability
	})

	for _, idx := range candidates {
		p := &m.pieces[idx]
		for begin := 0; begin < p.length; begin += m.blockSize {
			if p.received[begin] {
				continue
			}
			key := blockKey{Index: idx, Begin: begin}
			if _, assigned := m.inFlight[key]; assigned {
				continue
			}
			length := m.blockSize
			if begin+length > p.length {
				length = p.length - begin
			}
			m.inFlight[key] = peer
			return Block{Index: idx, Begin: begin, Length: length}, true
		}
	}
	return Block{}, false
}

// OnBlock delivers a received block. Duplicate deliveries for the
// same (index, begin), from re-scheduling after a timeout, are
// discarded. When a piece is fully received, it is verified against
// its published SHA-1 and either marked complete or discarded and
// made re-requestable.
func (m *Manager) OnBlock(index, begin int, data []byte) {
	m.mu.Lock()
	var fireComplete bool
	func() {
		defer m.mu.Unlock()
		if index < 0 || index >= len(m.pieces) {
			return
		}
		p := &m.pieces[index]
		if p.done {
			return
		}
		delete(m.inFlight, blockKey{Index: index, Begin: begin})
		if p.received[begin] {
			return // duplicate delivery, discard
		}
		if begin+len(data) > len(p.data) {
			return
		}
		copy(p.data[begin:], data)
		p.received[begin] = true

		if !pieceFullyReceived(p, m.blockSize) {
			return
		}

		sum := sha1.Sum(p.data)
		if sum != p.hash {
			log.WithField("piece", index).Warn("piece hash mismatch, re-requesting")
			p.received = make(map[int]bool)
			return
		}
		p.done = true
		m.doneCount++
		if m.doneCount == len(m.pieces) {
			fireComplete = true
		}
	}()
	if fireComplete && m.onComplete != nil {
		m.onComplete()
	}
}

func pieceFullyReceived(p *pieceState, blockSize int) bool {
	for begin := 0; begin < p.length; begin += blockSize {
		if !p.received[begin] {
			return false
		}
	}
	return true
}

// OnPeerDisconnect releases every block that was in flight to peer so
// another peer can pick it up.
func (m *Manager) OnPeerDisconnect(peer PeerView) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, p := range m.inFlight {
		if p == peer {
			delete(m.inFlight, k)
		}
	}
}

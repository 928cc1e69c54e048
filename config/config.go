// Package config holds the tunable knobs of the leecher: peer
// concurrency, timeouts, and the locally advertised identity. It is
// the seam a CLI or environment loader would fill; this package never
// parses flags or env vars itself.
package config

import "time"

// Engine configures the orchestrator and peer engine.
type Engine struct {
	// MaxPeers is the number of peer workers run concurrently.
	// Default 30, recommended upper bound 50.
	MaxPeers int

	// ClientTag is the two-letter client identifier embedded in the
	// generated peer-id, e.g. "GR" for a 'go-rent' leecher.
	ClientTag string

	// ListenPort is advertised to the tracker; binding is optional
	// for a leech-only client.
	ListenPort uint16

	ConnectTimeout  time.Duration
	IdleTimeout     time.Duration
	AnnounceTimeout time.Duration

	// OversizedFrameLimit caps the declared length of a single peer
	// wire frame before it is rejected as malicious/corrupt.
	OversizedFrameLimit uint32

	// BlockSize is the requested block size per spec; the last block
	// of the last piece may be shorter.
	BlockSize int

	// PerPeerRequestRate caps outbound `request` messages per second
	// sent to a single peer.
	PerPeerRequestRate float64

	// DisconnectCooldown is how long a peer whose connection ended in
	// any error (connect, handshake, protocol or I/O) is excluded from
	// re-enqueuing.
	DisconnectCooldown time.Duration
}

// Default returns the engine configuration matching spec defaults.
func Default() Engine {
	return Engine{
		MaxPeers:            30,
		ClientTag:           "GR",
		ListenPort:          6881,
		ConnectTimeout:      30 * time.Second,
		IdleTimeout:         120 * time.Second,
		AnnounceTimeout:     30 * time.Second,
		OversizedFrameLimit: 1 << 20,
		BlockSize:           16 * 1024,
		PerPeerRequestRate:  50,
		DisconnectCooldown:  60 * time.Second,
	}
}

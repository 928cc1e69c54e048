// Package peer drives a single peer connection through the handshake
// and the choke/interested state machine described in spec.md
// §4.4.2/§4.4.3, delivering inbound messages to a PieceManager.
package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/anteater/leech/internal/bitfield"
	"github.com/anteater/leech/peerwire"
	"github.com/anteater/leech/piecemgr"
)

var log = logrus.WithField("component", "peer")

// State is a lifecycle state of spec.md §3/§4.4.3.
type State int

const (
	Idle State = iota
	Connecting
	Handshaking
	ChokedInterested
	Active
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case ChokedInterested:
		return "choked_interested"
	case Active:
		return "active"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PieceManager is the contract the peer engine consumes; implemented
// externally (see package piecemgr).
type PieceManager interface {
	NextRequest(peer piecemgr.PeerView) (piecemgr.Block, bool)
	OnHave(peer piecemgr.PeerView, index int)
	OnBitfield(peer piecemgr.PeerView, bits bitfield.Bitfield)
	OnBlock(index, begin int, data []byte)
	OnPeerDisconnect(peer piecemgr.PeerView)
}

// Endpoint is an opaque remote peer identity: equal iff both fields
// are equal.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprintf("%d", e.Port))
}

// Config bounds a single connection's behavior.
type Config struct {
	InfoHash       [20]byte
	PeerID         [20]byte
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	MaxFrameLength uint32
	BlockSize      int
	RequestRate    float64 // outbound `request` messages per second
	Dial           func(ctx context.Context, addr string) (net.Conn, error)
}

// Conn is one peer connection's state and the task that drives it.
type Conn struct {
	cfg      Config
	endpoint Endpoint

	conn net.Conn

	stateMu sync.RWMutex
	state   State

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	bits bitfield.Bitfield
}

// New constructs a Conn in Idle state for one endpoint. The initial
// view matches spec.md §3's invariants exactly.
func New(cfg Config, endpoint Endpoint) *Conn {
	return &Conn{
		cfg:         cfg,
		endpoint:    endpoint,
		state:       Idle,
		amChoking:   true,
		peerChoking: true,
	}
}

// State reports the connection's current lifecycle state. Safe to
// call concurrently with Run, which is the only writer.
func (c *Conn) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// view returns the identity this connection is known to the piece
// manager by.
func (c *Conn) view() piecemgr.PeerView { return c.endpoint.String() }

func defaultDial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Run drives the connection to completion: connect, handshake, then
// the choke/interested loop, delivering messages to pm until the
// connection is stopped by error, remote close, or context
// cancellation. Run always ends in Stopped with the socket closed.
func (c *Conn) Run(ctx context.Context, pm PieceManager) error {
	defer c.stop(pm)

	c.setState(Connecting)
	dial := c.cfg.Dial
	if dial == nil {
		dial = defaultDial
	}
	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	conn, err := dial(connectCtx, c.endpoint.String())
	if err != nil {
		return fmt.Errorf("peer %s: connect: %w", c.endpoint, err)
	}
	c.conn = conn

	c.setState(Handshaking)
	if err := c.handshake(); err != nil {
		return fmt.Errorf("peer %s: handshake: %w", c.endpoint, err)
	}

	c.peerChoking = true
	c.amInterested = false
	if err := c.send(&peerwire.Message{ID: peerwire.Interested}); err != nil {
		return fmt.Errorf("peer %s: send interested: %w", c.endpoint, err)
	}
	c.amInterested = true
	c.setState(ChokedInterested)

	limiter := rate.NewLimiter(rate.Limit(c.cfg.RequestRate), int(c.cfg.RequestRate)+1)
	fr := peerwire.NewReader(c.conn, c.cfg.MaxFrameLength)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if c.State() == Active {
			if err := c.fillRequests(ctx, pm, limiter); err != nil {
				return err
			}
		}

		c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		msg, err := fr.Next()
		if err != nil {
			return fmt.Errorf("peer %s: read: %w", c.endpoint, err)
		}
		if msg == nil {
			continue // keep-alive
		}
		if err := c.handleMessage(pm, msg); err != nil {
			return fmt.Errorf("peer %s: %w", c.endpoint, err)
		}
	}
}

func (c *Conn) handshake() error {
	c.conn.SetDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	defer c.conn.SetDeadline(time.Time{})

	hs := peerwire.Handshake{InfoHash: c.cfg.InfoHash, PeerID: c.cfg.PeerID}
	if _, err := c.conn.Write(hs.Serialize()); err != nil {
		return err
	}
	_, err := peerwire.ReadHandshake(c.conn, c.cfg.InfoHash)
	return err
}

func (c *Conn) send(m *peerwire.Message) error {
	_, err := c.conn.Write(m.Serialize())
	return err
}

func (c *Conn) handleMessage(pm PieceManager, msg *peerwire.Message) error {
	switch msg.ID {
	case peerwire.Choke:
		c.peerChoking = true
		if c.State() == Active {
			c.setState(ChokedInterested)
		}
	case peerwire.Unchoke:
		c.peerChoking = false
		if c.State() == ChokedInterested {
			c.setState(Active)
		}
	case peerwire.Interested:
		c.peerInterested = true
	case peerwire.NotInterested:
		c.peerInterested = false
	case peerwire.Have:
		index, err := peerwire.ParseHave(msg)
		if err != nil {
			return err
		}
		c.bits.SetPiece(index)
		pm.OnHave(c.view(), index)
	case peerwire.BitfieldMsg:
		c.bits = append(bitfield.Bitfield(nil), msg.Payload...)
		pm.OnBitfield(c.view(), c.bits)
	case peerwire.Piece:
		index, begin, block, err := peerwire.ParsePiece(msg)
		if err != nil {
			return err
		}
		pm.OnBlock(index, begin, block)
	case peerwire.Request, peerwire.Cancel, peerwire.Port:
		// This core is leech-only: upload requests, cancels and DHT
		// port announcements from the remote are accepted and ignored.
	default:
		log.WithFields(logrus.Fields{"peer": c.endpoint.String(), "id": msg.ID}).Debug("unknown message id, skipping")
	}
	return nil
}

// fillRequests asks pm for as many assignable blocks as the rate
// limiter currently allows and sends them as `request` messages.
func (c *Conn) fillRequests(ctx context.Context, pm PieceManager, limiter *rate.Limiter) error {
	for limiter.Allow() {
		block, ok := pm.NextRequest(c.view())
		if !ok {
			return nil
		}
		req := peerwire.FormatRequest(block.Index, block.Begin, block.Length)
		if err := c.send(req); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) stop(pm PieceManager) {
	c.setState(Stopped)
	if c.conn != nil {
		c.conn.Close()
	}
	pm.OnPeerDisconnect(c.view())
}

// Package orchestrator ties the tracker client and the peer engine
// together: announce, refill the peer queue, run N peer workers, and
// repeat until every piece is downloaded.
package orchestrator

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/anteater/leech/config"
	"github.com/anteater/leech/metainfo"
	"github.com/anteater/leech/peer"
	"github.com/anteater/leech/piecemgr"
	"github.com/anteater/leech/tracker"
)

var log = logrus.WithField("component", "orchestrator")

// Engine runs the announce/refill loop and the peer worker pool for
// one torrent download.
type Engine struct {
	cfg    config.Engine
	tor    *metainfo.Torrent
	client *http.Client
	peerID [20]byte

	pm *piecemgr.Manager

	queue chan peer.Endpoint

	downloaded int64
	uploaded   int64

	announceCount      int
	consecutiveNoPeers int

	cooldownMu sync.Mutex
	cooldown   map[string]time.Time
}

// New builds an Engine for tor, ready to Run.
func New(cfg config.Engine, tor *metainfo.Torrent, client *http.Client) *Engine {
	return &Engine{
		cfg:      cfg,
		tor:      tor,
		client:   client,
		peerID:   GeneratePeerID(cfg.ClientTag),
		pm:       piecemgr.New(tor.Info.Pieces, int(tor.TotalSize), int(tor.Info.PieceLength), cfg.BlockSize),
		queue:    make(chan peer.Endpoint, 1024),
		cooldown: make(map[string]time.Time),
	}
}

// GeneratePeerID builds a 20-byte peer-id: "-" + tag + "1234-" followed
// by 12 random alphanumeric bytes. Each call draws a fresh suffix; New
// calls it once per Engine.
func GeneratePeerID(tag string) [20]byte {
	const alnum = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	var id [20]byte
	prefix := "-" + tag + "1234-"
	copy(id[:], prefix)
	for i := len(prefix); i < 20; i++ {
		id[i] = alnum[rand.Intn(len(alnum))]
	}
	return id
}

// PiecesManager exposes the piece manager backing this download, for
// callers (e.g. cmd/leech) that need to read out the assembled blob.
func (e *Engine) PiecesManager() *piecemgr.Manager { return e.pm }

// Run loops announce -> refill peer queue -> sleep until next
// announce, draining the queue with a pool of peer workers, until ctx
// is cancelled or every piece completes. Returns nil on a completed
// download, ctx's error if ctx is cancelled first, or the first fatal
// error (bad metainfo is rejected before Run is ever called; here the
// only fatal condition is the peer queue staying empty for a full
// announce cycle with the tracker reporting no peers across three
// consecutive announces).
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < e.cfg.MaxPeers; i++ {
		g.Go(func() error {
			e.runWorkerPool(gctx)
			return nil
		})
	}

	done := make(chan struct{})
	e.pm.OnComplete(func() { close(done) })

	g.Go(func() error {
		err := e.announceLoop(gctx, done)
		cancel() // the download ended (success or failure); release the peer pool
		return err
	})

	err := g.Wait()
	e.finalAnnounce(context.Background())
	return err
}

// runWorkerPool repeatedly pulls an endpoint off the shared queue and
// drives one peer connection to completion, per spec.md §4.5 ("peer
// engine drains the queue in parallel").
func (e *Engine) runWorkerPool(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ep, ok := <-e.queue:
			if !ok {
				return
			}
			e.runOnePeer(ctx, ep)
		}
	}
}

func (e *Engine) runOnePeer(ctx context.Context, ep peer.Endpoint) {
	cfg := peer.Config{
		InfoHash:       e.tor.InfoHash,
		PeerID:         e.peerID,
		ConnectTimeout: e.cfg.ConnectTimeout,
		IdleTimeout:    e.cfg.IdleTimeout,
		MaxFrameLength: e.cfg.OversizedFrameLimit,
		BlockSize:      e.cfg.BlockSize,
		RequestRate:    e.cfg.PerPeerRequestRate,
	}
	c := peer.New(cfg, ep)
	if err := c.Run(ctx, e.pm); err != nil {
		log.WithFields(logrus.Fields{"peer": ep.String(), "err": err}).Debug("peer connection ended")
		// Per spec.md §7, a protocol/IO error is fatal to this
		// connection only; the endpoint cools down before it can be
		// re-enqueued by a future announce.
		e.markCooldown(ep)
	}
}

func (e *Engine) markCooldown(ep peer.Endpoint) {
	e.cooldownMu.Lock()
	defer e.cooldownMu.Unlock()
	e.cooldown[ep.String()] = time.Now().Add(e.cfg.DisconnectCooldown)
}

func (e *Engine) onCooldown(ep peer.Endpoint) bool {
	e.cooldownMu.Lock()
	defer e.cooldownMu.Unlock()
	until, ok := e.cooldown[ep.String()]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(e.cooldown, ep.String())
		return false
	}
	return true
}

// announceLoop performs the announce -> refill -> sleep cycle of
// spec.md §4.5, retrying failed announces with the exponential backoff
// of announceWithBackoff.
func (e *Engine) announceLoop(ctx context.Context, done <-chan struct{}) error {
	first := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			e.sendEvent(ctx, tracker.EventCompleted)
			return nil
		default:
		}

		event := tracker.EventNone
		if first {
			event = tracker.EventStarted
		}

		resp, interval, err := e.announceWithBackoff(ctx, event)
		first = false
		if err != nil {
			return err // context cancelled during backoff
		}

		if resp != nil {
			if resp.Failed() {
				log.WithField("reason", resp.FailureReason).Warn("tracker refused announce, will retry at interval")
				e.consecutiveNoPeers++
			} else if len(resp.Peers) == 0 {
				e.consecutiveNoPeers++
			} else {
				e.consecutiveNoPeers = 0
				e.refillQueue(resp.Peers)
			}
		}

		if e.queueEmpty() && e.consecutiveNoPeers >= 3 {
			return errNoPeers
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			e.sendEvent(ctx, tracker.EventCompleted)
			return nil
		case <-time.After(interval):
		}
	}
}

// errNoPeers is returned when the peer queue has been empty for a
// whole announce cycle and the tracker has returned no peers for
// three consecutive announces, per spec.md §7's propagation policy.
var errNoPeers = &noPeersError{}

type noPeersError struct{}

func (*noPeersError) Error() string {
	return "orchestrator: no peers available after repeated announces"
}

func (e *Engine) queueEmpty() bool { return len(e.queue) == 0 }

func (e *Engine) refillQueue(peers []tracker.Peer) {
	for _, p := range peers {
		ep := peer.Endpoint{IP: p.IP, Port: p.Port}
		if e.onCooldown(ep) {
			continue
		}
		select {
		case e.queue <- ep:
		default:
			return // queue full; drop rather than block the announce loop
		}
	}
}

// announceWithBackoff performs one announce, retrying transient
// tracker errors with cenkalti/backoff's exponential schedule: delays
// start at 5s and triple per attempt (5s, 15s, 45s, ...), each
// randomized by the library's default ±50%, and are capped at 60s.
// The cap is fixed and does not follow the tracker's announce
// interval. Retries go on until an announce succeeds or ctx ends.
func (e *Engine) announceWithBackoff(ctx context.Context, event tracker.Event) (*tracker.Response, time.Duration, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.Multiplier = 3
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0 // no elapsed-time limit; only ctx stops the retries

	e.downloaded = e.pm.BytesDownloaded()
	var resp *tracker.Response
	stats := tracker.Stats{Uploaded: e.uploaded, Downloaded: e.downloaded, Left: e.remaining()}

	operation := func() error {
		r, err := tracker.Announce(ctx, e.client, e.tor, e.peerID, e.cfg.ListenPort, stats, event)
		if err != nil {
			log.WithError(err).Warn("announce failed, retrying with backoff")
			return err
		}
		resp = r
		return nil
	}

	bo := backoff.WithContext(b, ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, 0, err
	}

	e.announceCount++
	interval := time.Duration(resp.Interval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return resp, interval, nil
}

func (e *Engine) remaining() int64 {
	return e.tor.TotalSize - e.downloaded
}

// sendEvent issues a best-effort announce carrying event, per spec.md
// §9: the client must send `completed` once and `stopped` on
// shutdown, neither of which the distilled reference client ever did.
func (e *Engine) sendEvent(ctx context.Context, event tracker.Event) {
	e.downloaded = e.pm.BytesDownloaded()
	stats := tracker.Stats{Uploaded: e.uploaded, Downloaded: e.downloaded, Left: e.remaining()}
	_, _ = tracker.Announce(ctx, e.client, e.tor, e.peerID, e.cfg.ListenPort, stats, event)
}

// finalAnnounce sends event=stopped on a best-effort basis (no
// retry), per spec.md §5's cancellation contract.
func (e *Engine) finalAnnounce(ctx context.Context) {
	timeoutCtx, cancel := context.WithTimeout(ctx, e.cfg.AnnounceTimeout)
	defer cancel()
	e.sendEvent(timeoutCtx, tracker.EventStopped)
}

// Package tracker implements the HTTP announce exchange: building the
// percent-encoded request URL, issuing the GET, and parsing the
// bencoded response including both compact and dictionary peer forms.
package tracker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/anteater/leech/bencode"
	"github.com/anteater/leech/metainfo"
)

var log = logrus.WithField("component", "tracker")

// Event is the announce event marker.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

// ErrorKind classifies a non-fatal tracker-level failure.
type ErrorKind int

const (
	ErrHTTP ErrorKind = iota
	ErrMalformedResponse
	ErrBadPeers
	ErrNetwork
)

// Error reports a tracker-level failure. These are never fatal to the
// orchestrator; callers retry on the next announce.
type Error struct {
	Kind   ErrorKind
	Status int
	Msg    string
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrHTTP:
		return fmt.Sprintf("tracker: http status %d", e.Status)
	case ErrMalformedResponse:
		return fmt.Sprintf("tracker: malformed response: %s", e.Msg)
	case ErrBadPeers:
		return fmt.Sprintf("tracker: bad peer list: %s", e.Msg)
	case ErrNetwork:
		return fmt.Sprintf("tracker: network error: %s", e.Msg)
	default:
		return "tracker: error"
	}
}

// Peer is one discovered endpoint.
type Peer struct {
	IP   net.IP
	Port uint16
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Stats carries the transfer counters sent on every announce.
type Stats struct {
	Uploaded   int64
	Downloaded int64
	Left       int64
}

// Response is a parsed tracker announce response.
type Response struct {
	FailureReason string // non-empty iff this is a protocol-level refusal
	Interval      int
	MinInterval   int
	WarningMsg    string
	TrackerID     string
	Complete      int
	Incomplete    int
	Peers         []Peer
}

// Failed reports whether the tracker refused the request at the
// protocol level (as opposed to an HTTP or decode failure).
func (r *Response) Failed() bool { return r.FailureReason != "" }

// BuildURL constructs the announce URL with octet-exact percent
// encoding of info_hash and peer_id, per spec.md §6.
func BuildURL(t *metainfo.Torrent, peerID [20]byte, port uint16, stats Stats, event Event) (string, error) {
	base, err := url.Parse(t.Announce)
	if err != nil {
		return "", err
	}
	values := url.Values{
		"port":       {strconv.Itoa(int(port))},
		"uploaded":   {strconv.FormatInt(stats.Uploaded, 10)},
		"downloaded": {strconv.FormatInt(stats.Downloaded, 10)},
		"left":       {strconv.FormatInt(stats.Left, 10)},
		"compact":    {"1"},
	}
	if event != EventNone {
		values.Set("event", string(event))
	}
	base.RawQuery = values.Encode() +
		"&info_hash=" + percentEncode(t.InfoHash[:]) +
		"&peer_id=" + percentEncode(peerID[:])
	return base.String(), nil
}

const unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_.~"

func percentEncode(b []byte) string {
	out := make([]byte, 0, len(b)*3)
	for _, c := range b {
		isUnreserved := false
		for i := 0; i < len(unreserved); i++ {
			if unreserved[i] == c {
				isUnreserved = true
				break
			}
		}
		if isUnreserved {
			out = append(out, c)
		} else {
			out = append(out, fmt.Sprintf("%%%02X", c)...)
		}
	}
	return string(out)
}

// Announce performs one scoped HTTP GET against t's tracker, releasing
// the response body on every exit path including error.
func Announce(ctx context.Context, client *http.Client, t *metainfo.Torrent, peerID [20]byte, port uint16, stats Stats, event Event) (*Response, error) {
	urlStr, err := BuildURL(t, peerID, port, stats, event)
	if err != nil {
		return nil, &Error{Kind: ErrNetwork, Msg: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, &Error{Kind: ErrNetwork, Msg: err.Error()}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &Error{Kind: ErrNetwork, Msg: err.Error()}
	}
	defer resp.Body.Close() // scoped acquisition: released on every exit path

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: ErrHTTP, Status: resp.StatusCode}
	}

	body := make([]byte, 0, 4096)
	buf := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(buf)
		body = append(body, buf[:n]...)
		if rerr != nil {
			break
		}
	}

	top, err := bencode.DecodeFull(body)
	if err != nil {
		return nil, &Error{Kind: ErrMalformedResponse, Msg: err.Error()}
	}
	if top.Type != bencode.TypeDict {
		return nil, &Error{Kind: ErrMalformedResponse, Msg: "top-level value is not a dict"}
	}

	if fr, ok := top.Get("failure reason"); ok && fr.Type == bencode.TypeBytes {
		log.WithField("reason", string(fr.Bytes)).Warn("tracker refused request")
		return &Response{FailureReason: string(fr.Bytes)}, nil
	}

	resp2 := &Response{}
	if iv, ok := top.Get("interval"); ok && iv.Type == bencode.TypeInt {
		resp2.Interval = int(iv.Int)
	}
	if iv, ok := top.Get("min interval"); ok && iv.Type == bencode.TypeInt {
		resp2.MinInterval = int(iv.Int)
	}
	if wm, ok := top.Get("warning message"); ok && wm.Type == bencode.TypeBytes {
		resp2.WarningMsg = string(wm.Bytes)
	}
	if tid, ok := top.Get("tracker id"); ok && tid.Type == bencode.TypeBytes {
		resp2.TrackerID = string(tid.Bytes)
	}
	if c, ok := top.Get("complete"); ok && c.Type == bencode.TypeInt {
		resp2.Complete = int(c.Int)
	}
	if c, ok := top.Get("incomplete"); ok && c.Type == bencode.TypeInt {
		resp2.Incomplete = int(c.Int)
	}

	peersVal, ok := top.Get("peers")
	if !ok {
		return nil, &Error{Kind: ErrBadPeers, Msg: "missing peers key"}
	}

	peers, err := parsePeers(peersVal)
	if err != nil {
		return nil, err
	}
	resp2.Peers = peers

	return resp2, nil
}

func parsePeers(v bencode.Value) ([]Peer, error) {
	switch v.Type {
	case bencode.TypeBytes:
		return decodeCompactPeers(v.Bytes)
	case bencode.TypeList:
		var peers []Peer
		for _, entry := range v.List {
			ipVal, ok := entry.Get("ip")
			if !ok || ipVal.Type != bencode.TypeBytes {
				return nil, &Error{Kind: ErrBadPeers, Msg: "dict peer missing ip"}
			}
			portVal, ok := entry.Get("port")
			if !ok || portVal.Type != bencode.TypeInt {
				return nil, &Error{Kind: ErrBadPeers, Msg: "dict peer missing port"}
			}
			ip := net.ParseIP(string(ipVal.Bytes))
			if ip == nil {
				return nil, &Error{Kind: ErrBadPeers, Msg: "dict peer has unparsable ip"}
			}
			peers = append(peers, Peer{IP: ip, Port: uint16(portVal.Int)})
		}
		return peers, nil
	default:
		return nil, &Error{Kind: ErrBadPeers, Msg: "peers field has unexpected bencode type"}
	}
}

// decodeCompactPeers unpacks a compact peer list: 6 bytes per peer,
// 4-byte IPv4 address followed by 2-byte big-endian port.
func decodeCompactPeers(b []byte) ([]Peer, error) {
	const peerSize = 6
	if len(b)%peerSize != 0 {
		return nil, &Error{Kind: ErrBadPeers, Msg: fmt.Sprintf("compact blob length %d not a multiple of 6", len(b))}
	}
	n := len(b) / peerSize
	peers := make([]Peer, n)
	for i := 0; i < n; i++ {
		off := i * peerSize
		ip := make(net.IP, 4)
		copy(ip, b[off:off+4])
		port := uint16(b[off+4])<<8 | uint16(b[off+5])
		peers[i] = Peer{IP: ip, Port: port}
	}
	return peers, nil
}

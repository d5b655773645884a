package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// DefaultUDPTries and DefaultUDPTimeout are the retry state machine
// defaults from spec.md §4.7: up to udpTries attempts total, each spaced
// udp_timeout seconds apart, matching receive_timeout's fixed re-arm
// (_examples/original_source/src/tracker/tracker_udp.cc:235-249) rather
// than a doubling backoff.
const (
	DefaultUDPTries   = 8
	DefaultUDPTimeout = 15 * time.Second
)

const udpProtocolID int64 = 0x41727101980

const (
	udpActionConnect  int32 = 0
	udpActionAnnounce int32 = 1
	udpActionScrape   int32 = 2
	udpActionError    int32 = 3
)

// validateUDPHost rejects a udp:// tracker URL missing a host or port:
// the announce/connect handshake has nowhere to dial without both.
func validateUDPHost(u *url.URL) error {
	if u.Host == "" {
		return errors.New("udp tracker URL has no host")
	}
	if u.Port() == "" {
		return errors.New("udp tracker URL has no port")
	}
	if _, err := strconv.Atoi(u.Port()); err != nil {
		return errors.Wrap(err, "udp tracker URL has a non-numeric port")
	}
	return nil
}

// UDPTransport is the UDP Transport (BEP 15): a two-phase connect then
// announce binary handshake (Scrape is not supported and always returns
// an error), with its own retry/timeout state
// machine independent of the List's busy tracking. Disown works by
// bumping an atomic generation counter: any response belonging to a
// stale generation is dropped instead of delivered.
type UDPTransport struct {
	url      url.URL
	resolver Resolver
	tries    int
	timeout  time.Duration

	mu         sync.Mutex
	conn       *net.UDPConn
	generation atomic.Int64

	connectionID    int64
	connectionIDSet time.Time
}

// connectionIDLifetime is the 60-second validity window for a connect
// response's connection_id, per BEP 15.
const connectionIDLifetime = 60 * time.Second

// NewUDPTransport constructs a UDPTransport dialing host through
// resolver, making up to tries attempts, each with the same fixed timeout.
func NewUDPTransport(u url.URL, resolver Resolver, tries int, timeout time.Duration) *UDPTransport {
	return &UDPTransport{url: u, resolver: resolver, tries: tries, timeout: timeout}
}

func (t *UDPTransport) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error) {
	gen := t.generation.Load()

	connID, err := t.ensureConnected(ctx, gen)
	if err != nil {
		return AnnounceResponse{}, err
	}

	txID := rand.Int31()
	packet := encodeAnnounceRequest(connID, txID, req)

	resp, err := t.roundTrip(ctx, gen, txID, packet, func(b []byte) (interface{}, error) {
		return decodeAnnounceResponse(b, txID)
	})
	if err != nil {
		return AnnounceResponse{}, err
	}
	return resp.(AnnounceResponse), nil
}

func (t *UDPTransport) Scrape(ctx context.Context) (ScrapeResponse, error) {
	return ScrapeResponse{}, errors.New("udp scrape not supported by this tracker endpoint")
}

func (t *UDPTransport) ensureConnected(ctx context.Context, gen int64) (int64, error) {
	t.mu.Lock()
	if t.connectionID != 0 && time.Since(t.connectionIDSet) < connectionIDLifetime {
		id := t.connectionID
		t.mu.Unlock()
		return id, nil
	}
	t.mu.Unlock()

	txID := rand.Int31()
	packet := make([]byte, 16)
	binary.BigEndian.PutUint64(packet[0:8], uint64(udpProtocolID))
	binary.BigEndian.PutUint32(packet[8:12], uint32(udpActionConnect))
	binary.BigEndian.PutUint32(packet[12:16], uint32(txID))

	resp, err := t.roundTrip(ctx, gen, txID, packet, func(b []byte) (interface{}, error) {
		return decodeConnectResponse(b, txID)
	})
	if err != nil {
		return 0, err
	}
	connID := resp.(int64)

	t.mu.Lock()
	t.connectionID = connID
	t.connectionIDSet = time.Now()
	t.mu.Unlock()
	return connID, nil
}

// roundTrip drives the phase-aware retry state machine: each of up to
// t.tries attempts gets the same fixed t.timeout deadline, tearing the
// socket down and redialing between attempts since a timed-out UDP
// exchange leaves no reliable way to correlate a late reply with this
// attempt.
func (t *UDPTransport) roundTrip(ctx context.Context, gen int64, txID int32, packet []byte, decode func([]byte) (interface{}, error)) (interface{}, error) {
	var lastErr error
	for attempt := 0; attempt < t.tries; attempt++ {
		if t.generation.Load() != gen {
			return nil, errDisowned
		}

		conn, err := t.dial(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		deadline := time.Now().Add(t.timeout)
		_ = conn.SetDeadline(deadline)

		if _, err := conn.Write(packet); err != nil {
			lastErr = err
			t.teardown()
			continue
		}

		buf := make([]byte, 4096)
		n, err := conn.Read(buf)

		if t.generation.Load() != gen {
			return nil, errDisowned
		}

		if err != nil {
			lastErr = err
			t.teardown()
			continue
		}

		if n >= 8 && int32(binary.BigEndian.Uint32(buf[0:4])) == udpActionError {
			if errResp, ok := decodeErrorResponse(buf[:n], txID); ok {
				return nil, errResp
			}
			// transaction_id didn't match this attempt's outstanding
			// request (spec.md §4.7: "silently ignored") -- most likely a
			// late reply from an earlier, already-abandoned attempt racing
			// a fresh one on the same socket. Keep waiting/retrying rather
			// than aborting on a datagram that isn't actually ours.
			continue
		}

		result, err := decode(buf[:n])
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}
	if lastErr == nil {
		lastErr = errors.New("udp tracker request exhausted all retries")
	}
	return nil, errors.Wrap(lastErr, "udp tracker request failed after retries")
}

var errDisowned = errors.New("udp transport was disowned")

func (t *UDPTransport) dial(ctx context.Context) (*net.UDPConn, error) {
	t.mu.Lock()
	if t.conn != nil {
		conn := t.conn
		t.mu.Unlock()
		return conn, nil
	}
	t.mu.Unlock()

	addr, err := t.resolver.ResolveUDPAddr(ctx, t.url.Host)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve udp tracker host %q", t.url.Host)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial udp tracker %q", t.url.Host)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return conn, nil
}

// teardown closes the socket and clears the cached connection_id so the
// next attempt redials and reconnects from scratch.
func (t *UDPTransport) teardown() {
	t.mu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.connectionID = 0
	t.mu.Unlock()
}

// Close aborts any in-flight request by tearing down the socket; it
// does not bump the generation counter, so a subsequent call can reuse
// this Transport.
func (t *UDPTransport) Close() {
	t.teardown()
}

// Disown bumps the generation counter so any in-flight roundTrip
// (running on another goroutine) discards its result instead of
// delivering it, then tears the socket down.
func (t *UDPTransport) Disown() {
	t.generation.Add(1)
	t.teardown()
}

// encodeAnnounceRequest lays out the fixed 98-byte announce packet at
// the exact offsets from spec.md §4.7.
func encodeAnnounceRequest(connID int64, txID int32, req AnnounceRequest) []byte {
	buf := make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], uint64(connID))
	binary.BigEndian.PutUint32(buf[8:12], uint32(udpActionAnnounce))
	binary.BigEndian.PutUint32(buf[12:16], uint32(txID))
	copy(buf[16:36], req.InfoHash[:])
	copy(buf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], req.Downloaded)
	binary.BigEndian.PutUint64(buf[64:72], req.Left)
	binary.BigEndian.PutUint64(buf[72:80], req.Uploaded)
	binary.BigEndian.PutUint32(buf[80:84], uint32(udpAnnounceEvent(req.Event)))
	var ipBits uint32
	if v4 := req.IP.To4(); v4 != nil {
		ipBits = binary.BigEndian.Uint32(v4)
	}
	binary.BigEndian.PutUint32(buf[84:88], ipBits)
	binary.BigEndian.PutUint32(buf[88:92], req.Key)
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}
	binary.BigEndian.PutUint32(buf[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(buf[96:98], req.Port)
	return buf
}

func udpAnnounceEvent(e AnnounceEvent) int32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

func decodeConnectResponse(b []byte, txID int32) (int64, error) {
	if len(b) < 16 {
		return 0, errors.New("udp connect response shorter than 16 bytes")
	}
	action := int32(binary.BigEndian.Uint32(b[0:4]))
	if action != udpActionConnect {
		return 0, fmt.Errorf("udp connect response has unexpected action %d", action)
	}
	gotTx := int32(binary.BigEndian.Uint32(b[4:8]))
	if gotTx != txID {
		return 0, errors.New("udp connect response transaction_id mismatch")
	}
	return int64(binary.BigEndian.Uint64(b[8:16])), nil
}

func decodeAnnounceResponse(b []byte, txID int32) (AnnounceResponse, error) {
	if len(b) < 20 {
		return AnnounceResponse{}, errors.New("udp announce response shorter than 20 bytes")
	}
	action := int32(binary.BigEndian.Uint32(b[0:4]))
	if action != udpActionAnnounce {
		return AnnounceResponse{}, fmt.Errorf("udp announce response has unexpected action %d", action)
	}
	gotTx := int32(binary.BigEndian.Uint32(b[4:8]))
	if gotTx != txID {
		return AnnounceResponse{}, errors.New("udp announce response transaction_id mismatch")
	}

	interval := binary.BigEndian.Uint32(b[8:12])
	leechers := binary.BigEndian.Uint32(b[12:16])
	seeders := binary.BigEndian.Uint32(b[16:20])

	var peers []Peer
	for i := 20; i+6 <= len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		peers = append(peers, Peer{IP: ip, Port: port})
	}

	return AnnounceResponse{
		Interval:   time.Duration(interval) * time.Second,
		Incomplete: int(leechers),
		Complete:   int(seeders),
		Peers:      peers,
	}, nil
}

// decodeErrorResponse decodes a udpActionError datagram. ok is false when
// the packet is too short to carry a transaction_id, or that
// transaction_id doesn't match txID -- per spec.md §4.7 ("Datagrams whose
// transaction_id does not match the current expected id are silently
// ignored") such a packet carries no authority over this attempt and the
// caller should keep waiting/retrying rather than treat it as the
// tracker's answer.
func decodeErrorResponse(b []byte, txID int32) (err error, ok bool) {
	if len(b) < 8 {
		return nil, false
	}
	gotTx := int32(binary.BigEndian.Uint32(b[4:8]))
	if gotTx != txID {
		return nil, false
	}
	msg := bytes.TrimRight(b[8:], "\x00")
	return fmt.Errorf("udp tracker error: %s", string(msg)), true
}

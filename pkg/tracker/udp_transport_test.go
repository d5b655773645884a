package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ValidateUDPHost(t *testing.T) {
	ok, _ := url.Parse("udp://tracker.example.com:80/announce")
	noPort, _ := url.Parse("udp://tracker.example.com/announce")
	noHost, _ := url.Parse("udp:///announce")

	assert.NoError(t, validateUDPHost(ok))
	assert.Error(t, validateUDPHost(noPort))
	assert.Error(t, validateUDPHost(noHost))
}

// fakeUDPTracker is a minimal BEP-15 server good enough to drive
// UDPTransport through one connect+announce round trip.
type fakeUDPTracker struct {
	conn *net.UDPConn
}

func startFakeUDPTracker(t *testing.T) (*fakeUDPTracker, *net.UDPAddr) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	f := &fakeUDPTracker{conn: conn}
	go f.serve()
	return f, conn.LocalAddr().(*net.UDPAddr)
}

func (f *fakeUDPTracker) serve() {
	buf := make([]byte, 4096)
	for {
		n, addr, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		packet := buf[:n]
		action := int32(binary.BigEndian.Uint32(packet[8:12]))
		txID := packet[12:16]

		switch action {
		case udpActionConnect:
			resp := make([]byte, 16)
			binary.BigEndian.PutUint32(resp[0:4], uint32(udpActionConnect))
			copy(resp[4:8], txID)
			binary.BigEndian.PutUint64(resp[8:16], 0xCAFEBABE)
			_, _ = f.conn.WriteToUDP(resp, addr)
		case udpActionAnnounce:
			resp := make([]byte, 26)
			binary.BigEndian.PutUint32(resp[0:4], uint32(udpActionAnnounce))
			copy(resp[4:8], txID)
			binary.BigEndian.PutUint32(resp[8:12], 1800)
			binary.BigEndian.PutUint32(resp[12:16], 2)
			binary.BigEndian.PutUint32(resp[16:20], 3)
			resp[20], resp[21], resp[22], resp[23] = 10, 0, 0, 1
			binary.BigEndian.PutUint16(resp[24:26], 6881)
			_, _ = f.conn.WriteToUDP(resp, addr)
		}
	}
}

func (f *fakeUDPTracker) Close() { _ = f.conn.Close() }

type directUDPResolver struct{ addr *net.UDPAddr }

func (d directUDPResolver) ResolveUDPAddr(ctx context.Context, host string) (*net.UDPAddr, error) {
	return d.addr, nil
}

func Test_UDPTransport_Announce_ShouldConnectThenAnnounce(t *testing.T) {
	srv, addr := startFakeUDPTracker(t)
	defer srv.Close()

	u, _ := url.Parse("udp://tracker.test:1/announce")
	tr := NewUDPTransport(*u, directUDPResolver{addr: addr}, 3, time.Second)

	resp, err := tr.Announce(context.Background(), AnnounceRequest{Port: 6881, NumWant: 50})
	require.NoError(t, err)
	assert.Equal(t, 1800*time.Second, resp.Interval)
	assert.Equal(t, 3, resp.Complete)
	assert.Equal(t, 2, resp.Incomplete)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "10.0.0.1", resp.Peers[0].IP.String())
	assert.EqualValues(t, 6881, resp.Peers[0].Port)
}

func Test_UDPTransport_Scrape_ShouldBeUnsupported(t *testing.T) {
	u, _ := url.Parse("udp://tracker.test:1/announce")
	tr := NewUDPTransport(*u, directUDPResolver{}, 3, time.Second)
	_, err := tr.Scrape(context.Background())
	assert.Error(t, err)
}

func Test_UDPTransport_Disown_ShouldDiscardInFlightResult(t *testing.T) {
	u, _ := url.Parse("udp://tracker.test:1/announce")
	// An address nobody listens on: the read will block until the
	// per-attempt deadline, giving Disown time to fire first.
	deadAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	tr := NewUDPTransport(*u, directUDPResolver{addr: deadAddr}, 1, 5*time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := tr.Announce(context.Background(), AnnounceRequest{Port: 1})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	tr.Disown()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("Announce did not return after Disown")
	}
}

func Test_EncodeAnnounceRequest_ShouldLayOutExactly98Bytes(t *testing.T) {
	req := AnnounceRequest{
		InfoHash:   [20]byte{1, 2, 3},
		PeerID:     [20]byte{4, 5, 6},
		Downloaded: 100,
		Left:       200,
		Uploaded:   300,
		Event:      EventCompleted,
		Key:        42,
		NumWant:    50,
		Port:       6881,
	}
	buf := encodeAnnounceRequest(0xABCD, 7, req)
	require.Len(t, buf, 98)

	assert.EqualValues(t, 0xABCD, binary.BigEndian.Uint64(buf[0:8]))
	assert.EqualValues(t, udpActionAnnounce, int32(binary.BigEndian.Uint32(buf[8:12])))
	assert.EqualValues(t, 7, int32(binary.BigEndian.Uint32(buf[12:16])))
	assert.Equal(t, req.InfoHash[:], buf[16:36])
	assert.Equal(t, req.PeerID[:], buf[36:56])
	assert.EqualValues(t, 100, binary.BigEndian.Uint64(buf[56:64]))
	assert.EqualValues(t, 200, binary.BigEndian.Uint64(buf[64:72]))
	assert.EqualValues(t, 300, binary.BigEndian.Uint64(buf[72:80]))
	assert.EqualValues(t, 1, int32(binary.BigEndian.Uint32(buf[80:84])))
	assert.EqualValues(t, 42, binary.BigEndian.Uint32(buf[88:92]))
	assert.EqualValues(t, 50, int32(binary.BigEndian.Uint32(buf[92:96])))
	assert.EqualValues(t, 6881, binary.BigEndian.Uint16(buf[96:98]))
}

func Test_DecodeErrorResponse_ShouldTrimTrailingNulls(t *testing.T) {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], uint32(udpActionError))
	binary.BigEndian.PutUint32(buf[4:8], uint32(99))
	copy(buf[8:], "bad auth")

	err, ok := decodeErrorResponse(buf, 99)
	require.True(t, ok)
	assert.Contains(t, err.Error(), "bad auth")
}

// Test_DecodeErrorResponse_ShouldIgnoreTransactionIDMismatch pins down
// spec.md §4.7's "Datagrams whose transaction_id does not match the
// current expected id are silently ignored": a stale error reply racing a
// fresh attempt on the same socket must not be reported as this attempt's
// failure.
func Test_DecodeErrorResponse_ShouldIgnoreTransactionIDMismatch(t *testing.T) {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], uint32(udpActionError))
	binary.BigEndian.PutUint32(buf[4:8], uint32(99))
	copy(buf[8:], "bad auth")

	_, ok := decodeErrorResponse(buf, 100)
	assert.False(t, ok)
}

package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ComputeDropDeliminator(t *testing.T) {
	withQuestionNoSlash, _ := url.Parse("http://example.com/announce?passkey=abc")
	withPath, _ := url.Parse("http://example.com/announce")

	assert.False(t, computeDropDeliminator(*withPath))
	assert.True(t, computeDropDeliminator(*withQuestionNoSlash))
}

func Test_ScrapeURLFrom_ShouldOnlyRewriteFinalAnnounceSegment(t *testing.T) {
	ok, found := scrapeURLFrom(mustParseURL("http://example.com/x/announce"))
	require.True(t, found)
	assert.Equal(t, "/x/scrape", ok.Path)

	_, found = scrapeURLFrom(mustParseURL("http://example.com/announce/x"))
	assert.False(t, found)
}

func mustParseURL(s string) url.URL {
	u, err := url.Parse(s)
	if err != nil {
		panic(err)
	}
	return *u
}

func Test_HTTPTransport_BuildAnnounceURL_ShouldAppendWithoutDoubleQuestionMark(t *testing.T) {
	u, _ := url.Parse("http://example.com/announce?passkey=xyz")
	tr := NewHTTPTransport(*u)

	out := tr.buildAnnounceURL(AnnounceRequest{
		InfoHash: [20]byte{1},
		PeerID:   [20]byte{2},
		Port:     6881,
		Event:    EventStarted,
		NumWant:  50,
	})

	assert.Contains(t, out.RawQuery, "passkey=xyz")
	assert.Contains(t, out.RawQuery, "info_hash=")
	assert.Contains(t, out.RawQuery, "event=started")
	assert.Contains(t, out.RawQuery, "numwant=50")
	assert.NotContains(t, out.RawQuery, "??")
}

func Test_HTTPTransport_BuildAnnounceURL_ShouldOmitNumwantOnStopped(t *testing.T) {
	u, _ := url.Parse("http://example.com/announce")
	tr := NewHTTPTransport(*u)

	out := tr.buildAnnounceURL(AnnounceRequest{Event: EventStopped, NumWant: 50, Port: 1})
	assert.NotContains(t, out.RawQuery, "numwant")
	assert.Contains(t, out.RawQuery, "event=stopped")
}

func Test_HTTPTransport_Announce_ShouldParseCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := bencode.Marshal(map[string]interface{}{
			"interval": 1800,
			"peers":    string([]byte{1, 2, 3, 4, 0x1A, 0xE1}),
		})
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL + "/announce")
	tr := NewHTTPTransport(*u)

	resp, err := tr.Announce(context.Background(), AnnounceRequest{Port: 1, Event: EventStarted, NumWant: 50})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "1.2.3.4", resp.Peers[0].IP.String())
	assert.EqualValues(t, 0x1AE1, resp.Peers[0].Port)
}

func Test_HTTPTransport_Announce_ShouldSurfaceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := bencode.Marshal(map[string]interface{}{"failure reason": "banned"})
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL + "/announce")
	tr := NewHTTPTransport(*u)

	resp, err := tr.Announce(context.Background(), AnnounceRequest{Port: 1})
	require.NoError(t, err)
	assert.Equal(t, "banned", resp.FailureReason)
	assert.Empty(t, resp.Peers)
}

func Test_HTTPTransport_Announce_ShouldErrorOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL + "/announce")
	tr := NewHTTPTransport(*u)

	_, err := tr.Announce(context.Background(), AnnounceRequest{Port: 1})
	assert.Error(t, err)
}

func Test_HTTPTransport_Scrape_ShouldFailWhenURLHasNoAnnounceSegment(t *testing.T) {
	u, _ := url.Parse("http://example.com/x")
	tr := NewHTTPTransport(*u)
	_, err := tr.Scrape(context.Background())
	assert.Error(t, err)
}

func Test_DecodeCompactPeers4_ShouldSplitEveryFourPlusTwoBytes(t *testing.T) {
	raw := []byte{1, 2, 3, 4, 0, 80, 5, 6, 7, 8, 0, 81}
	peers := decodeCompactPeers4(raw)
	require.Len(t, peers, 2)
	assert.Equal(t, "1.2.3.4", peers[0].IP.String())
	assert.EqualValues(t, 80, peers[0].Port)
	assert.Equal(t, "5.6.7.8", peers[1].IP.String())
	assert.EqualValues(t, 81, peers[1].Port)
}

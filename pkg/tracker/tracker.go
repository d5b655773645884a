// Package tracker implements the multi-tier tracker announce/scrape
// protocol: a single Tracker endpoint's state machine (Transport), and the
// ordered, grouped List that promotes, cycles, and fails trackers over to
// each other the way a real swarm does when an endpoint goes quiet.
package tracker

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AnnounceEvent mirrors the five states a tracker request can announce,
// the same vocabulary the teacher's pkg/announcer imports from
// anacrolix/torrent/tracker, restated locally so this package owns its
// own wire-adjacent vocabulary instead of depending on that library's
// HTTP client internals.
type AnnounceEvent int

const (
	EventNone AnnounceEvent = iota
	EventStarted
	EventStopped
	EventCompleted
	EventScrape
)

func (e AnnounceEvent) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	case EventScrape:
		return "scrape"
	default:
		return ""
	}
}

// Kind names which Transport variant a Tracker was constructed with.
type Kind int

const (
	KindHTTP Kind = iota
	KindUDP
	KindDHT
)

// Peer is one compact peer record returned by an announce.
type Peer struct {
	IP   net.IP
	Port uint16
}

// AnnounceRequest carries every field a Transport needs to build its
// wire-specific announce, shared by both HTTP query construction and the
// UDP 98-byte binary layout.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Key        uint32
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	NumWant    int
	Event      AnnounceEvent
	IP         net.IP
	Compact    bool

	// TrackerID is a previously server-supplied tracker id (spec.md §4.6)
	// to echo back on subsequent announces; empty until a response has
	// set one. List.SendState fills this in from Tracker.TrackerID
	// before dispatching.
	TrackerID string
}

// AnnounceResponse is a Transport-agnostic announce result.
type AnnounceResponse struct {
	Interval      time.Duration
	MinInterval   time.Duration
	TrackerID     string
	Complete      int
	Incomplete    int
	Downloaded    int
	Peers         []Peer
	FailureReason string
}

// ScrapeResponse is a Transport-agnostic scrape result.
type ScrapeResponse struct {
	Complete   int
	Incomplete int
	Downloaded int
}

// Transport is the per-Kind state machine a Tracker delegates its wire
// work to. Announce and Scrape must not be called concurrently on the
// same Transport; List enforces that via the Tracker's busy flag.
type Transport interface {
	Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error)
	Scrape(ctx context.Context) (ScrapeResponse, error)
	// Close aborts any in-flight request without delivering a result.
	Close()
	// Disown detaches any in-flight request from this Transport so the
	// owning Tracker can be destroyed without waiting for it; a response
	// that arrives afterward is silently dropped.
	Disown()
}

const scrapeCooldown = 10 * time.Minute

// Tracker is a single announce endpoint: its URL, tier membership,
// lifecycle flags, counters, and the Transport that actually speaks its
// wire protocol.
type Tracker struct {
	mu sync.Mutex

	// UUID identifies this tracker in List.Find lookups instead of
	// relying on pointer identity, matching the teacher's
	// trackerAnnouncer.uuid.
	UUID uuid.UUID

	URL       url.URL
	Group     int
	Kind      Kind
	Enabled   bool
	Extra     bool
	CanScrape bool

	LatestEvent AnnounceEvent

	SuccessCounter int
	FailedCounter  int
	ScrapeCounter  int

	SuccessTimeLast time.Time
	FailedTimeLast  time.Time
	ScrapeTimeLast  time.Time

	SuccessTimeNext time.Time
	FailedTimeNext  time.Time

	NormalInterval time.Duration
	MinInterval    time.Duration
	TrackerID      string

	Complete   int
	Incomplete int
	Downloaded int

	Transport Transport

	busy       bool
	busyScrape bool
}

func newTracker(u url.URL, group int, kind Kind, transport Transport, canScrape bool) *Tracker {
	return &Tracker{
		UUID:      uuid.New(),
		URL:       u,
		Group:     group,
		Kind:      kind,
		Enabled:   true,
		CanScrape: canScrape,
		Transport: transport,
	}
}

// IsBusy reports whether an announce or scrape request is currently in
// flight against this tracker.
func (t *Tracker) IsBusy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.busy
}

// IsBusyScrape reports whether the in-flight request (if any) is a
// scrape.
func (t *Tracker) IsBusyScrape() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.busy && t.busyScrape
}

// CanRequestState reports whether this tracker is a candidate for
// send_state: enabled and not currently busy with a non-scrape request.
func (t *Tracker) CanRequestState() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Enabled && (!t.busy || t.busyScrape)
}

func (t *Tracker) setBusy(scrape bool) {
	t.mu.Lock()
	t.busy = true
	t.busyScrape = scrape
	t.mu.Unlock()
}

func (t *Tracker) clearBusy() {
	t.mu.Lock()
	t.busy = false
	t.busyScrape = false
	t.mu.Unlock()
}

// Close aborts the tracker's in-flight request, if any, firing no
// callback. A no-op for DHT trackers, which have no Transport.
func (t *Tracker) Close() {
	if t.Transport != nil {
		t.Transport.Close()
	}
	t.clearBusy()
}

// Disown detaches any in-flight request from this tracker so it can be
// destroyed without waiting for a response.
func (t *Tracker) Disown() {
	if t.Transport != nil {
		t.Transport.Disown()
	}
	t.clearBusy()
}

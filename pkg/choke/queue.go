package choke

import (
	"math"
	"sort"
	"sync"

	"github.com/kastor-labs/torrentcore/pkg/blocklist"
	"go.uber.org/atomic"
)

// Heuristic tags the sort order a Queue applies to its candidates before
// choosing which ones to unchoke. The weighting itself is supplied by the
// caller per-candidate (see AddCandidate); the heuristic only records
// which policy a group's queue was built for, for diagnostics.
type Heuristic int

const (
	UploadLeech Heuristic = iota
	UploadSeed
	DownloadLeech
)

func (h Heuristic) String() string {
	switch h {
	case UploadLeech:
		return "UPLOAD_LEECH"
	case UploadSeed:
		return "UPLOAD_SEED"
	case DownloadLeech:
		return "DOWNLOAD_LEECH"
	default:
		return "UNKNOWN"
	}
}

// Unlimited is passed to Cycle to mean "no cap", matching the manager's
// own use of it when a direction's max_unchoked is 0.
const Unlimited = math.MaxInt32

type candidate struct {
	peer     blocklist.PeerID
	weight   float64
	unchoked bool
}

// Queue is one group's ordered set of unchoke candidates for one
// direction (upload or download). cycle(quota) is its only entry point
// for actually changing choke state; everything else only changes
// membership.
type Queue struct {
	mu         sync.Mutex
	heuristic  Heuristic
	candidates []*candidate
	unchoked   atomic.Int64

	slotUnchoke    func(delta int)
	slotCanUnchoke func() int
	slotConnection func(peer blocklist.PeerID, choked bool)
}

// NewQueue constructs a Queue. slotUnchoke is invoked with the signed net
// change in unchoke count after every Cycle that changes it; slotConnection
// is invoked once per candidate whose choke state flips.
func NewQueue(h Heuristic, slotUnchoke func(delta int), slotCanUnchoke func() int, slotConnection func(peer blocklist.PeerID, choked bool)) *Queue {
	return &Queue{
		heuristic:      h,
		slotUnchoke:    slotUnchoke,
		slotCanUnchoke: slotCanUnchoke,
		slotConnection: slotConnection,
	}
}

func (q *Queue) Heuristic() Heuristic { return q.heuristic }

// AddCandidate registers peer with weight as a candidate for this queue's
// next Cycle. A peer already present has its weight replaced.
func (q *Queue) AddCandidate(peer blocklist.PeerID, weight float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, c := range q.candidates {
		if c.peer == peer {
			c.weight = weight
			return
		}
	}
	q.candidates = append(q.candidates, &candidate{peer: peer, weight: weight})
}

// RemoveCandidate drops peer from this queue. If it was currently
// unchoked, the unchoked count is adjusted but slotConnection is not
// called — the peer is assumed to be leaving the connection set entirely,
// not being explicitly choked.
func (q *Queue) RemoveCandidate(peer blocklist.PeerID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, c := range q.candidates {
		if c.peer == peer {
			if c.unchoked {
				q.unchoked.Sub(1)
			}
			q.candidates = append(q.candidates[:i], q.candidates[i+1:]...)
			return
		}
	}
}

// Requested reports how many candidates are currently waiting for a slot
// in this queue, the proxy balance_unchoked sorts groups by.
func (q *Queue) Requested() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.candidates)
}

func (q *Queue) Unchoked() int { return int(q.unchoked.Load()) }

// Cycle selects up to quota candidates to unchoke (the highest-weight
// ones) and chokes the rest, calling slotConnection for every candidate
// whose state flips. It returns the signed net change in unchoke count
// and reports it to slotUnchoke if non-zero.
func (q *Queue) Cycle(quota int) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	ordered := append([]*candidate(nil), q.candidates...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].weight > ordered[j].weight })

	delta := 0
	unchokedCount := 0
	for i, c := range ordered {
		shouldUnchoke := i < quota
		if shouldUnchoke != c.unchoked {
			if q.slotConnection != nil {
				q.slotConnection(c.peer, !shouldUnchoke)
			}
			c.unchoked = shouldUnchoke
			if shouldUnchoke {
				delta++
			} else {
				delta--
			}
		}
		if shouldUnchoke {
			unchokedCount++
		}
	}

	q.unchoked.Store(int64(unchokedCount))
	if delta != 0 && q.slotUnchoke != nil {
		q.slotUnchoke(delta)
	}
	return delta
}

// MoveConnections migrates peers from src to dst, matching the source's
// choke_queue::move_connections(src, dst, download, entry): a nil src skips
// the removal half (a download just inserted has nowhere to remove from),
// and a nil dst skips the add half (a download being erased has nowhere to
// land). Candidates arrive at dst choked; dst's next Cycle decides their
// fate under its own quota.
func MoveConnections(src, dst *Queue, peers []blocklist.PeerID) {
	for _, p := range peers {
		if src != nil {
			src.RemoveCandidate(p)
		}
		if dst != nil {
			dst.AddCandidate(p, 1)
		}
	}
}

package tracker

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kastor-labs/torrentcore/pkg/duration"
	"github.com/kastor-labs/torrentcore/pkg/errs"
	"github.com/kastor-labs/torrentcore/pkg/logs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// trackerFailedBackoffBase and trackerFailedBackoffCap drive
// FailedTimeNext's doubling backoff (pkg/duration.Min plus a left shift
// by attempt count). No header carrying Tracker's actual
// failed_time_next()/success_time_next() formula survived into
// original_source's filtered excerpt (see DESIGN.md), so this picks the
// module's one remaining doubling-backoff idiom rather than inventing an
// unrelated one.
const (
	trackerFailedBackoffBase = 30 * time.Second
	trackerFailedBackoffCap  = 30 * time.Minute
)

// failedBackoff returns how long after FailedTimeLast a tracker with
// failedCounter consecutive failures should next be retried: doubling from
// trackerFailedBackoffBase, capped at trackerFailedBackoffCap. The shift
// exponent itself is capped at 20, far past the point where the duration
// cap already applies, so a tracker that has failed thousands of times in
// a row can't overflow the shift.
func failedBackoff(failedCounter int) time.Duration {
	shift := failedCounter - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 20 {
		shift = 20
	}
	return duration.Min(trackerFailedBackoffBase<<uint(shift), trackerFailedBackoffCap)
}

// Callbacks receives the lifecycle events a List fires while driving its
// trackers, mirroring pkg/blocklist.Callbacks's shape: a small interface
// the embedder implements rather than a bag of function fields.
type Callbacks interface {
	OnTrackerEnabled(t *Tracker)
	// OnSuccess returns the number of genuinely new peers discovered, so
	// the caller can decide whether to keep polling this tier as eagerly.
	OnSuccess(t *Tracker, peers []Peer) int
	OnFailed(t *Tracker, msg string)
	OnScrapeSuccess(t *Tracker)
	OnScrapeFailed(t *Tracker, msg string)
}

// List is the ordered, tiered TrackerList: one contiguous subsequence per
// group (tier), preferred tracker at the head of each group.
type List struct {
	trackers     []*Tracker
	dhtPermitted bool
	resolver     Resolver
	callbacks    Callbacks

	results chan trackerResult
}

// resultsBuffer bounds how many completed announces/scrapes can sit
// unread before a dispatching goroutine blocks on the channel send — a
// generous multiple of any realistic in-flight tracker count.
const resultsBuffer = 64

// trackerResult is one completed Transport round trip, produced on its
// own goroutine by SendState/SendScrape and consumed single-threaded by
// DrainResults — the channel is the crossing point back into List's
// otherwise single-threaded state, matching spec.md §5's "disk thread
// crosses back into main-thread state via a mutex".
type trackerResult struct {
	tr         *Tracker
	scrape     bool
	resp       AnnounceResponse
	scrapeResp ScrapeResponse
	err        error
}

// NewList constructs an empty List. dhtPermitted gates whether
// InsertURL accepts dht:// schemes; resolver is threaded into every
// UDPTransport this List constructs via InsertURL.
func NewList(dhtPermitted bool, resolver Resolver, callbacks Callbacks) *List {
	return &List{
		dhtPermitted: dhtPermitted,
		resolver:     resolver,
		callbacks:    callbacks,
		results:      make(chan trackerResult, resultsBuffer),
	}
}

// groupEnd returns the index one past the last tracker in group, keeping
// the per-group subsequence contiguous on insert (spec.md §4.5 "appends
// within the group, after its last element").
func (l *List) groupEnd(group int) int {
	pos := len(l.trackers)
	for i, t := range l.trackers {
		if t.Group > group {
			return i
		}
		if t.Group == group {
			pos = i + 1
		}
	}
	return pos
}

func (l *List) groupBounds(group int) (first, last int) {
	first, last = -1, -1
	for i, t := range l.trackers {
		if t.Group == group {
			if first == -1 {
				first = i
			}
			last = i + 1
		}
	}
	return
}

// Insert appends tr within its own Group field, firing OnTrackerEnabled.
func (l *List) Insert(group int, tr *Tracker) {
	tr.Group = group
	pos := l.groupEnd(group)
	l.trackers = append(l.trackers, nil)
	copy(l.trackers[pos+1:], l.trackers[pos:])
	l.trackers[pos] = tr
	if l.callbacks != nil {
		l.callbacks.OnTrackerEnabled(tr)
	}
}

// InsertURL parses rawURL, selects a Transport by scheme, constructs a
// Tracker, and inserts it into group. extra marks the insertion as coming
// from a caller-supplied "extra trackers" list: an unparseable or
// unsupported URL under that flag is an InputError instead of a silent
// skip.
func (l *List) InsertURL(group int, rawURL string, extra bool) (*Tracker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		if extra {
			return nil, errs.WrapInput(err, "tracker: unparseable URL %q", rawURL)
		}
		return nil, nil
	}

	var transport Transport
	var kind Kind
	canScrape := false

	switch {
	case u.Scheme == "http" || u.Scheme == "https":
		kind = KindHTTP
		canScrape = scrapeCapable(u)
		transport = NewHTTPTransport(*u)
	case u.Scheme == "udp":
		kind = KindUDP
		if err := validateUDPHost(u); err != nil {
			if extra {
				return nil, errs.WrapInput(err, "tracker: invalid udp tracker URL %q", rawURL)
			}
			return nil, nil
		}
		transport = NewUDPTransport(*u, l.resolver, DefaultUDPTries, DefaultUDPTimeout)
	case u.Scheme == "dht":
		if !l.dhtPermitted {
			if extra {
				return nil, errs.Input("tracker: dht:// trackers are not permitted")
			}
			return nil, nil
		}
		kind = KindDHT
		transport = nil
	default:
		if extra {
			return nil, errs.Input("tracker: unsupported tracker scheme %q", u.Scheme)
		}
		return nil, nil
	}

	tr := newTracker(*u, group, kind, transport, canScrape)
	tr.Extra = extra
	l.Insert(group, tr)
	return tr, nil
}

// SendState dispatches an announce for event against req (TrackerID is
// filled in from the tracker's last-known value before the request is
// sent). No-op if the tracker is disabled, if event is EventScrape
// (scrapes go through SendScrape), or if the tracker is busy with a
// non-scrape request. If busy with a scrape, the scrape is closed first.
// Returns whether a request was actually dispatched. A DHT tracker (nil
// Transport) has no wire work to do, so it is marked busy/idle but
// dispatches nothing; its announce happens entirely outside this package.
//
// The actual Transport.Announce call runs on its own goroutine; the
// result is delivered back to List by DrainResults, never by this
// goroutine calling ReceiveSuccess/ReceiveFailed directly, since List's
// own state is not safe for concurrent mutation.
func (l *List) SendState(tr *Tracker, event AnnounceEvent, req AnnounceRequest) bool {
	if !tr.Enabled || event == EventScrape {
		return false
	}
	if tr.IsBusy() && !tr.IsBusyScrape() {
		return false
	}
	if tr.IsBusyScrape() {
		tr.Close()
	}

	tr.LatestEvent = event
	tr.setBusy(false)

	if tr.Transport == nil {
		return true
	}

	req.Event = event
	req.TrackerID = tr.TrackerID

	go func() {
		resp, err := tr.Transport.Announce(context.Background(), req)
		l.results <- trackerResult{tr: tr, resp: resp, err: err}
	}()
	return true
}

// SendScrape dispatches a scrape. No-op if busy, disabled, not
// scrape-capable, or scraped within the last 10 minutes. See SendState
// for how the result crosses back into List.
func (l *List) SendScrape(tr *Tracker) bool {
	if tr.IsBusy() || !tr.Enabled || !tr.CanScrape {
		return false
	}
	if !tr.ScrapeTimeLast.IsZero() && time.Since(tr.ScrapeTimeLast) < scrapeCooldown {
		return false
	}
	tr.setBusy(true)

	if tr.Transport == nil {
		return true
	}

	go func() {
		resp, err := tr.Transport.Scrape(context.Background())
		l.results <- trackerResult{tr: tr, scrape: true, scrapeResp: resp, err: err}
	}()
	return true
}

// DrainResults delivers every announce/scrape result currently waiting on
// the results channel to ReceiveSuccess/ReceiveFailed or
// ReceiveScrapeSuccess/ReceiveScrapeFailed, without blocking if none are
// ready. The caller's event loop is expected to call this on whatever
// cadence it already polls tracker state at — this is the single point
// where goroutine-delivered Transport results cross back into List's
// single-threaded state.
func (l *List) DrainResults() {
	for {
		select {
		case res := <-l.results:
			l.deliver(res)
		default:
			return
		}
	}
}

func (l *List) deliver(res trackerResult) {
	if res.scrape {
		if res.err != nil {
			_ = l.ReceiveScrapeFailed(res.tr, res.err.Error())
		} else {
			_ = l.ReceiveScrapeSuccess(res.tr, res.scrapeResp)
		}
		return
	}
	if res.err != nil {
		_ = l.ReceiveFailed(res.tr, res.err.Error())
		return
	}
	if res.resp.FailureReason != "" {
		// spec.md §4.6: absorb interval/min interval/tracker id/complete/
		// incomplete/downloaded even on a failure-reason response, before
		// surfacing the failure.
		res.tr.NormalInterval = res.resp.Interval
		res.tr.MinInterval = res.resp.MinInterval
		if res.resp.TrackerID != "" {
			res.tr.TrackerID = res.resp.TrackerID
		}
		res.tr.Complete = res.resp.Complete
		res.tr.Incomplete = res.resp.Incomplete
		res.tr.Downloaded = res.resp.Downloaded
		_ = l.ReceiveFailed(res.tr, res.resp.FailureReason)
		return
	}
	_ = l.ReceiveSuccess(res.tr, res.resp)
}

// CloseAllExcluding closes every tracker whose LatestEvent is not in
// keep.
func (l *List) CloseAllExcluding(keep map[AnnounceEvent]bool) {
	for _, t := range l.trackers {
		if !keep[t.LatestEvent] {
			t.Close()
		}
	}
}

// DisownAllIncluding disowns every tracker whose LatestEvent is in drop.
func (l *List) DisownAllIncluding(drop map[AnnounceEvent]bool) {
	for _, t := range l.trackers {
		if drop[t.LatestEvent] {
			t.Disown()
		}
	}
}

// FindNextToRequest walks from fromIdx to the end of the list, returning
// the tracker that should be tried next per spec.md §4.5 and the
// original find_next_to_request
// (_examples/original_source/src/torrent/tracker_list.cc:221-244): the
// first request-able tracker is the preferred candidate, returned
// immediately if it isn't failing. Otherwise the scan continues past it
// comparing every failing tracker's FailedTimeNext against the
// preferred's, replacing preferred on a sooner one; the scan stops the
// moment it reaches a healthy tracker, which only replaces preferred if
// its SuccessTimeNext beats the preferred's FailedTimeNext -- a later
// healthy tracker that doesn't beat it never gets a chance to.
func (l *List) FindNextToRequest(fromIdx int) (*Tracker, int) {
	preferredIdx := -1
	for i := fromIdx; i < len(l.trackers); i++ {
		if l.trackers[i].CanRequestState() {
			preferredIdx = i
			break
		}
	}
	if preferredIdx == -1 {
		return nil, -1
	}
	preferred := l.trackers[preferredIdx]
	if preferred.FailedCounter == 0 {
		return preferred, preferredIdx
	}

	for i := preferredIdx + 1; i < len(l.trackers); i++ {
		t := l.trackers[i]
		if !t.CanRequestState() {
			continue
		}

		if t.FailedCounter != 0 {
			if t.FailedTimeNext.Before(preferred.FailedTimeNext) {
				preferred = t
				preferredIdx = i
			}
			continue
		}

		if t.SuccessTimeNext.Before(preferred.FailedTimeNext) {
			preferred = t
			preferredIdx = i
		}
		break
	}

	return preferred, preferredIdx
}

// ReceiveSuccess promotes tr to the front of its group, dedupes and sorts
// the response's peers, persists the server-supplied interval/tracker id/
// complete/incomplete/downloaded fields onto tr (an HTTP tracker's
// announce response carries scrape-shaped totals too, not just a
// dedicated scrape response), updates counters, and reports the
// discovery.
func (l *List) ReceiveSuccess(tr *Tracker, resp AnnounceResponse) error {
	if !tr.IsBusy() || tr.IsBusyScrape() {
		return errs.Internal("tracker: ReceiveSuccess called without a matching outstanding announce")
	}

	addresses := dedupSortPeers(resp.Peers)

	tr.SuccessCounter++
	tr.FailedCounter = 0
	tr.SuccessTimeLast = time.Now()
	tr.NormalInterval = resp.Interval
	tr.MinInterval = resp.MinInterval
	if resp.TrackerID != "" {
		tr.TrackerID = resp.TrackerID
	}
	tr.Complete = resp.Complete
	tr.Incomplete = resp.Incomplete
	tr.Downloaded = resp.Downloaded
	tr.SuccessTimeNext = tr.SuccessTimeLast.Add(tr.NormalInterval)
	tr.FailedTimeNext = time.Time{}
	tr.clearBusy()

	if err := l.Promote(tr); err != nil {
		return err
	}

	logs.GetLogger().Debug("tracker announce succeeded",
		zap.String("url", tr.URL.String()), zap.Int("peers", len(addresses)))

	if l.callbacks != nil {
		l.callbacks.OnSuccess(tr, addresses)
	}
	return nil
}

// ReceiveFailed stamps FailedTimeLast, bumps FailedCounter, projects
// FailedTimeNext from the doubling backoff, and reports the failure.
func (l *List) ReceiveFailed(tr *Tracker, msg string) error {
	if !tr.IsBusy() || tr.IsBusyScrape() {
		return errs.Internal("tracker: ReceiveFailed called without a matching outstanding announce")
	}

	tr.FailedCounter++
	tr.FailedTimeLast = time.Now()
	tr.FailedTimeNext = tr.FailedTimeLast.Add(failedBackoff(tr.FailedCounter))
	tr.clearBusy()

	logs.GetLogger().Debug("tracker announce failed",
		zap.String("url", tr.URL.String()), zap.Int("failedCounter", tr.FailedCounter), zap.String("reason", msg))

	if l.callbacks != nil {
		l.callbacks.OnFailed(tr, msg)
	}
	return nil
}

// ReceiveScrapeSuccess stamps ScrapeTimeLast, absorbs the scrape counts,
// and reports success. Scrape failures never touch FailedCounter and
// successes never touch SuccessCounter — the two counters stay disjoint.
func (l *List) ReceiveScrapeSuccess(tr *Tracker, resp ScrapeResponse) error {
	tr.ScrapeCounter++
	tr.ScrapeTimeLast = time.Now()
	tr.Complete = resp.Complete
	tr.Incomplete = resp.Incomplete
	tr.Downloaded = resp.Downloaded
	tr.clearBusy()

	if l.callbacks != nil {
		l.callbacks.OnScrapeSuccess(tr)
	}
	return nil
}

func (l *List) ReceiveScrapeFailed(tr *Tracker, msg string) error {
	tr.ScrapeTimeLast = time.Now()
	tr.clearBusy()

	if l.callbacks != nil {
		l.callbacks.OnScrapeFailed(tr, msg)
	}
	return nil
}

// Promote swaps tr into the first slot of its own group. A tracker
// already at its group's head is a no-op.
func (l *List) Promote(tr *Tracker) error {
	first, _ := l.groupBounds(tr.Group)
	if first == -1 {
		return errs.Internal("tracker: Promote called on tracker not present in its group")
	}

	idx := -1
	for i := first; i < len(l.trackers); i++ {
		if l.trackers[i] == tr {
			idx = i
			break
		}
		if l.trackers[i].Group != tr.Group {
			break
		}
	}
	if idx == -1 {
		return errs.Internal("tracker: Promote could not locate tracker within its own group")
	}

	if idx == first {
		return nil
	}
	l.trackers[first], l.trackers[idx] = l.trackers[idx], l.trackers[first]
	return nil
}

// CycleGroup rotates group by repeated adjacent swaps: the head moves to
// the tail, everyone else shifts down by one. Applied n times to a group
// of size n is the identity; applied to a 0- or 1-element group is a
// no-op, trivially, since the swap loop never executes.
func (l *List) CycleGroup(group int) {
	first, last := l.groupBounds(group)
	if first == -1 || last-first <= 1 {
		return
	}
	for i := first; i < last-1; i++ {
		l.trackers[i], l.trackers[i+1] = l.trackers[i+1], l.trackers[i]
	}
}

// RandomizeGroupEntries shuffles each group's subsequence independently.
func (l *List) RandomizeGroupEntries() {
	groups := make(map[int]bool)
	for _, t := range l.trackers {
		groups[t.Group] = true
	}
	for g := range groups {
		first, last := l.groupBounds(g)
		if first == -1 {
			continue
		}
		sub := l.trackers[first:last]
		rand.Shuffle(len(sub), func(i, j int) { sub[i], sub[j] = sub[j], sub[i] })
	}
}

// Trackers returns a snapshot copy of the list in order.
func (l *List) Trackers() []*Tracker {
	return append([]*Tracker(nil), l.trackers...)
}

// Find locates a tracker by its UUID instead of pointer identity,
// matching the teacher's trackerAnnouncer.uuid-keyed lookups.
func (l *List) Find(id uuid.UUID) *Tracker {
	for _, t := range l.trackers {
		if t.UUID == id {
			return t
		}
	}
	return nil
}

// CloseAllExcludingConcurrently is CloseAllExcluding, but closes every
// excluded tracker's Transport on its own goroutine via errgroup instead
// of sequentially — a Close that blocks on a slow teardown (a UDP
// socket mid read-deadline) no longer holds up its siblings.
func (l *List) CloseAllExcludingConcurrently(keep map[AnnounceEvent]bool) error {
	var g errgroup.Group
	for _, t := range l.trackers {
		t := t
		if keep[t.LatestEvent] {
			continue
		}
		g.Go(func() error {
			t.Close()
			return nil
		})
	}
	return g.Wait()
}

func dedupSortPeers(peers []Peer) []Peer {
	seen := make(map[string]bool, len(peers))
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		key := fmt.Sprintf("%s:%d", p.IP.String(), p.Port)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := strings.Compare(out[i].IP.String(), out[j].IP.String()); c != 0 {
			return c < 0
		}
		return out[i].Port < out[j].Port
	})
	return out
}

func scrapeCapable(u *url.URL) bool {
	idx := strings.LastIndex(u.Path, "/")
	if idx == -1 {
		return false
	}
	return strings.HasPrefix(u.Path[idx:], "/announce")
}

package choke

import (
	"math"
	"sort"
	"sync"

	"github.com/kastor-labs/torrentcore/pkg/blocklist"
	"github.com/kastor-labs/torrentcore/pkg/errs"
	"github.com/kastor-labs/torrentcore/pkg/logs"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Entry is one download's membership record: which group it belongs to,
// its unchoke priority, and the peer set that membership moves between
// queues.
type Entry struct {
	Download blocklist.PeerID // the download's own identity, reusing the opaque ID type peers use
	Group    int
	Priority uint32
	Conns    ConnectionSet
}

// ResourceManager is the global registry of downloads partitioned by
// ChokeGroup, and the per-tick balancer that redistributes a fixed
// upload/download slot budget across every group's queue.
type ResourceManager struct {
	mu      sync.Mutex
	choker  PeerChoker
	entries []Entry
	groups  []*Group
	byName  map[string]int

	maxUploadUnchoked         atomic.Int64
	maxDownloadUnchoked       atomic.Int64
	currentlyUploadUnchoked   atomic.Int64
	currentlyDownloadUnchoked atomic.Int64
}

// NewResourceManager constructs an empty ResourceManager. choker receives
// every individual choke/unchoke decision the balancer makes.
func NewResourceManager(choker PeerChoker) *ResourceManager {
	return &ResourceManager{
		choker: choker,
		byName: make(map[string]int),
	}
}

// PushGroup appends a new ChokeGroup with the default UPLOAD_LEECH /
// DOWNLOAD_LEECH heuristics.
func (rm *ResourceManager) PushGroup(name string) (*Group, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if name == "" {
		return nil, errs.Input("choke: group name must not be empty")
	}
	if _, exists := rm.byName[name]; exists {
		return nil, errs.Input("choke: duplicate group name %q", name)
	}

	groupIdx := len(rm.groups)
	up := NewQueue(UploadLeech,
		func(delta int) { _ = rm.ReceiveUploadUnchoke(delta) },
		func() int { return rm.retrieveUploadCanUnchoke() },
		func(peer blocklist.PeerID, choked bool) { rm.choker.SetChoked(peer, true, choked) },
	)
	down := NewQueue(DownloadLeech,
		func(delta int) { _ = rm.ReceiveDownloadUnchoke(delta) },
		func() int { return rm.retrieveDownloadCanUnchoke() },
		func(peer blocklist.PeerID, choked bool) { rm.choker.SetChoked(peer, false, choked) },
	)

	g := newGroup(name, up, down)
	rm.groups = append(rm.groups, g)
	rm.byName[name] = groupIdx
	return g, nil
}

func (rm *ResourceManager) groupByName(name string) (*Group, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	idx, err := rm.groupIndex(name)
	if err != nil {
		return nil, err
	}
	return rm.groups[idx], nil
}

func (rm *ResourceManager) groupIndex(name string) (int, error) {
	idx, ok := rm.byName[name]
	if !ok {
		return 0, errs.Input("choke: unknown group %q", name)
	}
	return idx, nil
}

func (rm *ResourceManager) findEntry(download blocklist.PeerID) int {
	for i, e := range rm.entries {
		if e.Download == download {
			return i
		}
	}
	return -1
}

// groupEndPosition returns the slice index one past the last entry
// belonging to groupIdx, preserving contiguity by grouping.
func (rm *ResourceManager) groupEndPosition(groupIdx int) int {
	pos := len(rm.entries)
	for i, e := range rm.entries {
		if e.Group > groupIdx {
			return i
		}
		if e.Group == groupIdx {
			pos = i + 1
		}
	}
	if pos > len(rm.entries) {
		pos = len(rm.entries)
	}
	return pos
}

// rescanGroupBoundaries recomputes every group's [first, last) from
// scratch. Entry storage can relocate on insert/erase, so this is the
// simplest way to keep the invariant exact; given the expected entry
// counts (thousands, not millions) an O(n) rescan per mutation is cheap
// enough to trade for not hand-deriving the incremental shift arithmetic.
func (rm *ResourceManager) rescanGroupBoundaries() {
	for _, g := range rm.groups {
		g.first, g.last = -1, -1
	}
	for i, e := range rm.entries {
		g := rm.groups[e.Group]
		if g.first == -1 {
			g.first = i
		}
		g.last = i + 1
	}
}

// Insert adds download to groupName with the given priority, moving every
// peer in conns into both of the target group's queues.
func (rm *ResourceManager) Insert(download blocklist.PeerID, groupName string, priority uint32, conns ConnectionSet) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	groupIdx, err := rm.groupIndex(groupName)
	if err != nil {
		return err
	}
	if rm.findEntry(download) != -1 {
		return errs.Input("choke: download %q already registered", download)
	}
	if priority >= 65536 {
		return errs.Input("choke: priority %d out of range [0, 65536)", priority)
	}

	pos := rm.groupEndPosition(groupIdx)
	entry := Entry{Download: download, Group: groupIdx, Priority: priority, Conns: conns}
	rm.entries = append(rm.entries, Entry{})
	copy(rm.entries[pos+1:], rm.entries[pos:])
	rm.entries[pos] = entry

	g := rm.groups[groupIdx]
	MoveConnections(nil, g.Up, conns.Peers())
	MoveConnections(nil, g.Down, conns.Peers())

	rm.rescanGroupBoundaries()
	return nil
}

// Erase removes download, evicting its peers from its group's queues.
func (rm *ResourceManager) Erase(download blocklist.PeerID) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	idx := rm.findEntry(download)
	if idx == -1 {
		return errs.Input("choke: download %q not found", download)
	}

	entry := rm.entries[idx]
	g := rm.groups[entry.Group]
	MoveConnections(g.Up, nil, entry.Conns.Peers())
	MoveConnections(g.Down, nil, entry.Conns.Peers())

	rm.entries = append(rm.entries[:idx], rm.entries[idx+1:]...)
	rm.rescanGroupBoundaries()
	return nil
}

// SetGroup moves download from its current group to newGroup, migrating
// its peers between the two groups' queues.
func (rm *ResourceManager) SetGroup(download blocklist.PeerID, newGroupName string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	idx := rm.findEntry(download)
	if idx == -1 {
		return errs.Input("choke: download %q not found", download)
	}
	newGroupIdx, err := rm.groupIndex(newGroupName)
	if err != nil {
		return err
	}

	entry := rm.entries[idx]
	if entry.Group == newGroupIdx {
		return nil
	}

	oldGroup := rm.groups[entry.Group]
	newGroup := rm.groups[newGroupIdx]
	MoveConnections(oldGroup.Up, newGroup.Up, entry.Conns.Peers())
	MoveConnections(oldGroup.Down, newGroup.Down, entry.Conns.Peers())

	rm.entries = append(rm.entries[:idx], rm.entries[idx+1:]...)
	entry.Group = newGroupIdx
	pos := rm.groupEndPosition(newGroupIdx)
	rm.entries = append(rm.entries, Entry{})
	copy(rm.entries[pos+1:], rm.entries[pos:])
	rm.entries[pos] = entry

	rm.rescanGroupBoundaries()
	return nil
}

// SetPriority updates download's priority; p must be in [0, 65536).
func (rm *ResourceManager) SetPriority(download blocklist.PeerID, p uint32) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if p >= 65536 {
		return errs.Input("choke: priority %d out of range [0, 65536)", p)
	}
	idx := rm.findEntry(download)
	if idx == -1 {
		return errs.Input("choke: download %q not found", download)
	}
	rm.entries[idx].Priority = p
	return nil
}

func (rm *ResourceManager) SetMaxUploadUnchoked(m int)   { rm.maxUploadUnchoked.Store(int64(m)) }
func (rm *ResourceManager) SetMaxDownloadUnchoked(m int) { rm.maxDownloadUnchoked.Store(int64(m)) }

// ReceiveUploadUnchoke applies a signed delta to the running upload
// unchoke total; it is wired as every group's upload queue's slotUnchoke.
// A delta that would take the total below zero is rejected and leaves the
// total unchanged, which ReceiveTick's reconciliation then reports.
func (rm *ResourceManager) ReceiveUploadUnchoke(delta int) error {
	return applyUnchokeDelta(&rm.currentlyUploadUnchoked, delta)
}

func (rm *ResourceManager) ReceiveDownloadUnchoke(delta int) error {
	return applyUnchokeDelta(&rm.currentlyDownloadUnchoked, delta)
}

func applyUnchokeDelta(counter *atomic.Int64, delta int) error {
	result := counter.Add(int64(delta))
	if result < 0 {
		counter.Sub(int64(delta))
		return errs.Internal("choke: unchoke count would go negative (delta %d)", delta)
	}
	return nil
}

func (rm *ResourceManager) retrieveUploadCanUnchoke() int {
	return retrieveCanUnchoke(&rm.maxUploadUnchoked, &rm.currentlyUploadUnchoked)
}

func (rm *ResourceManager) retrieveDownloadCanUnchoke() int {
	return retrieveCanUnchoke(&rm.maxDownloadUnchoked, &rm.currentlyDownloadUnchoked)
}

func retrieveCanUnchoke(max, current *atomic.Int64) int {
	m := max.Load()
	if m == 0 {
		return math.MaxInt32
	}
	return int(m - current.Load())
}

func (rm *ResourceManager) RetrieveUploadCanUnchoke() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.retrieveUploadCanUnchoke()
}

func (rm *ResourceManager) RetrieveDownloadCanUnchoke() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.retrieveDownloadCanUnchoke()
}

// ReceiveTick runs balance_unchoked for upload then download, in that
// order, under the manager's own lock so the two can't interleave, then
// reconciles every group's queue totals against the running counters.
func (rm *ResourceManager) ReceiveTick() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if err := rm.balanceUnchoked(true); err != nil {
		logs.GetLogger().Error("choke: upload balance tick failed", zap.Error(err))
		return err
	}
	if err := rm.balanceUnchoked(false); err != nil {
		logs.GetLogger().Error("choke: download balance tick failed", zap.Error(err))
		return err
	}
	return rm.verify()
}

func (rm *ResourceManager) balanceUnchoked(upload bool) error {
	max := rm.maxUploadUnchoked.Load()
	queueOf := func(g *Group) *Queue { return g.Up }
	if !upload {
		max = rm.maxDownloadUnchoked.Load()
		queueOf = func(g *Group) *Queue { return g.Down }
	}

	if max == 0 {
		for _, g := range rm.groups {
			queueOf(g).Cycle(Unlimited)
		}
		return nil
	}

	ordered := append([]*Group(nil), rm.groups...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return queueOf(ordered[i]).Requested() < queueOf(ordered[j]).Requested()
	})

	quota := int(max)
	weight := len(ordered)
	for _, g := range ordered {
		if weight <= 0 {
			return errs.Internal("choke: balanceUnchoked weight reached zero early")
		}
		q := queueOf(g)
		q.Cycle(quota / weight)
		quota -= q.Unchoked()
		weight--
	}
	if weight != 0 {
		return errs.Internal("choke: balanceUnchoked weight did not reach zero")
	}
	return nil
}

// verify reconciles every group's queue-reported unchoked count against
// the manager's running totals.
func (rm *ResourceManager) verify() error {
	var upSum, downSum int64
	for _, g := range rm.groups {
		upSum += int64(g.Up.Unchoked())
		downSum += int64(g.Down.Unchoked())
	}
	if upSum != rm.currentlyUploadUnchoked.Load() {
		return errs.Internal("choke: upload unchoke reconciliation mismatch: groups sum %d, counter %d", upSum, rm.currentlyUploadUnchoked.Load())
	}
	if downSum != rm.currentlyDownloadUnchoked.Load() {
		return errs.Internal("choke: download unchoke reconciliation mismatch: groups sum %d, counter %d", downSum, rm.currentlyDownloadUnchoked.Load())
	}
	return nil
}

// Close validates that every unchoke count has returned to zero, the Go
// stand-in for the source's destructor assertion (spec.md §7, §9).
func (rm *ResourceManager) Close() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.currentlyUploadUnchoked.Load() != 0 || rm.currentlyDownloadUnchoked.Load() != 0 {
		err := errs.Internal("choke: ResourceManager closed with non-zero unchoke counts (%d upload, %d download)",
			rm.currentlyUploadUnchoked.Load(), rm.currentlyDownloadUnchoked.Load())
		logs.GetLogger().Error("choke: ResourceManager closed with outstanding unchokes", zap.Error(err))
		return err
	}
	return nil
}

// Entries returns a snapshot copy of the current entry slice, for tests
// and diagnostics.
func (rm *ResourceManager) Entries() []Entry {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return append([]Entry(nil), rm.entries...)
}

// GroupRange returns the group's current [first, last) bounds.
func (rm *ResourceManager) GroupRange(groupName string) (first, last int, err error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	idx, err := rm.groupIndex(groupName)
	if err != nil {
		return 0, 0, err
	}
	f, l := rm.groups[idx].Range()
	return f, l, nil
}

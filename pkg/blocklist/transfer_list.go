package blocklist

import (
	"sync"
	"time"

	"github.com/kastor-labs/torrentcore/pkg/errs"
	"github.com/kastor-labs/torrentcore/pkg/logs"
	"go.uber.org/zap"
)

// completedEntry is one row of the completedList: the moment a piece's hash
// was last confirmed good. The list exists purely so a caller can answer
// "how many pieces finished in the last N minutes" without re-deriving it
// from elsewhere; TransferList prunes it on its own schedule.
type completedEntry struct {
	at    time.Time
	index int
}

const (
	completedRetain    = 60 * time.Minute
	completedPruneEdge = 30 * time.Minute
)

// TransferList is the in-flight assembly table for a torrent's pieces: one
// BlockList per piece index currently being downloaded, plus the
// hash-failure resolver that decides, on a bad hash, whether enough of the
// block variants agree to retry a specific combination before giving up
// and re-downloading the whole piece from scratch.
type TransferList struct {
	mu sync.Mutex

	blockSize int
	callbacks Callbacks

	byIndex map[int]*BlockList
	order   []int

	completed []completedEntry

	failedCount    int
	succeededCount int
}

// New constructs a TransferList. blockSize is the fixed request size used
// to split every piece into Blocks; callbacks receives piece lifecycle
// events. A nil callbacks is replaced with NopCallbacks.
func New(blockSize int, callbacks Callbacks) *TransferList {
	if callbacks == nil {
		callbacks = NopCallbacks{}
	}
	return &TransferList{
		blockSize: blockSize,
		callbacks: callbacks,
		byIndex:   make(map[int]*BlockList),
	}
}

// Find returns the BlockList in flight for index, or nil.
func (tl *TransferList) Find(index int) *BlockList {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.byIndex[index]
}

// Insert begins tracking pieceIndex, covering pieceLength bytes split into
// Blocks of tl.blockSize. Inserting an index already present fails with
// an *errs.InternalError rather than silently handing back the existing
// BlockList.
func (tl *TransferList) Insert(pieceIndex, pieceLength int) (*BlockList, error) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if _, ok := tl.byIndex[pieceIndex]; ok {
		return nil, errs.Internal("blocklist: Insert on already-tracked piece %d", pieceIndex)
	}

	bl := newBlockList(pieceIndex, pieceLength, tl.blockSize)
	tl.byIndex[pieceIndex] = bl
	tl.order = append(tl.order, pieceIndex)
	tl.callbacks.OnQueued(pieceIndex)
	return bl, nil
}

// Erase drops pieceIndex from the in-flight set without notifying
// callbacks — used once a piece's hash has been confirmed good and the
// caller no longer needs it tracked.
func (tl *TransferList) Erase(pieceIndex int) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.erase(pieceIndex)
}

func (tl *TransferList) erase(pieceIndex int) {
	if _, ok := tl.byIndex[pieceIndex]; !ok {
		return
	}
	delete(tl.byIndex, pieceIndex)
	for i, idx := range tl.order {
		if idx == pieceIndex {
			tl.order = append(tl.order[:i], tl.order[i+1:]...)
			break
		}
	}
}

// Clear drops every in-flight piece, firing OnCanceled for each.
func (tl *TransferList) Clear() {
	tl.mu.Lock()
	order := append([]int(nil), tl.order...)
	tl.byIndex = make(map[int]*BlockList)
	tl.order = nil
	tl.mu.Unlock()

	for _, idx := range order {
		tl.callbacks.OnCanceled(idx)
	}
}

// Finished reports whether pieceIndex is tracked and every Block in it has
// completed assembly. An untracked index is reported unfinished.
func (tl *TransferList) Finished(pieceIndex int) bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	bl, ok := tl.byIndex[pieceIndex]
	return ok && bl.AllFinished()
}

// CompleteBlock records that transfer's bytes are now the leader for its
// Block, copying into chunk at the block's offset. It returns whether this
// call brought the Block to finished (false if the block was already
// finished by an earlier transfer — the caller should discard transfer's
// bytes in that case). When this call also brings the whole piece to
// finished (every Block in its BlockList now assembled), OnCompleted
// fires for the caller's hash worker to pick up — "finished" in spec.md
// §4.2 is piece-level, not block-level, so the callback fires once per
// piece here rather than once per block.
func (tl *TransferList) CompleteBlock(transfer *BlockTransfer, chunk, data []byte) bool {
	tl.mu.Lock()

	b := transfer.block
	justFinished := b.completed(transfer)
	if justFinished {
		copy(chunk[b.piece.Offset:b.piece.Offset+b.piece.Length], data)
	}
	pieceDone := justFinished && b.list.AllFinished()
	pieceIndex := b.list.Index()

	tl.mu.Unlock()

	if pieceDone {
		tl.callbacks.OnCompleted(pieceIndex)
	}
	return justFinished
}

// AddTransfer registers peer as a new source for the Block covering offset
// within pieceIndex's BlockList. It returns nil if pieceIndex or the block
// at that offset isn't tracked.
func (tl *TransferList) AddTransfer(pieceIndex, offset int, peer PeerID) *BlockTransfer {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	bl, ok := tl.byIndex[pieceIndex]
	if !ok {
		return nil
	}
	for _, b := range bl.Blocks() {
		if b.piece.Offset == offset {
			return b.addTransfer(peer)
		}
	}
	return nil
}

// HashFailed reports that the fully assembled chunk for pieceIndex did not
// match its expected hash. chunk is mutated in place: on a productive
// retry it is rewritten with the most popular surviving variant per block
// and OnCompleted fires again so the caller re-hashes; otherwise every
// block in the piece is reset for redownload from scratch.
//
// The resolver only ever attempts one retry round per piece (Attempt goes
// 0 -> 1 and no further): a second failure after a retry, or a first
// failure where no block's variant history yields a safe majority choice,
// both fall through to a full redownload.
func (tl *TransferList) HashFailed(pieceIndex int, chunk []byte) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	bl, ok := tl.byIndex[pieceIndex]
	if !ok {
		return panicOnInternal(errs.Internal("blocklist: HashFailed on untracked piece %d", pieceIndex))
	}
	if !bl.AllFinished() {
		return panicOnInternal(errs.Internal("blocklist: HashFailed on piece %d before assembly completed", pieceIndex))
	}

	tl.failedCount++
	bl.Failed++

	if bl.Attempt == 0 {
		promoted := tl.updateFailed(bl, chunk)
		size := len(bl.Blocks())

		if promoted > 0 && promoted < size {
			bl.Attempt = 1
			tl.retryMostPopular(bl, chunk)
			logs.GetLogger().Debug("blocklist: retrying piece with promoted block variants",
				zap.Int("piece", pieceIndex), zap.Int("promotedBlocks", promoted), zap.Int("totalBlocks", size))
			tl.callbacks.OnCompleted(pieceIndex)
			return nil
		}
	}

	logs.GetLogger().Debug("blocklist: piece hash failed, redownloading from scratch",
		zap.Int("piece", pieceIndex), zap.Int("attempt", bl.Attempt))
	bl.doAllFailed()
	return nil
}

// updateFailed records chunk's per-block byte ranges into each Block's
// FailedList and returns how many blocks' variant was promoted: tied for
// the maximum refcount with another entry before this delivery, and the
// sole leader after it (see FailedList.recordAndPromote).
func (tl *TransferList) updateFailed(bl *BlockList, chunk []byte) int {
	promotedCount := 0
	for _, b := range bl.Blocks() {
		fl := b.ensureFailedList()
		slice := chunk[b.piece.Offset : b.piece.Offset+b.piece.Length]
		idx, promoted := fl.recordAndPromote(slice)
		b.current = idx
		if b.leader != nil {
			b.leader.failedIndex = idx
		}
		if promoted {
			promotedCount++
		}
	}
	return promotedCount
}

// retryMostPopular rewrites chunk with each block's most popular recorded
// variant, for the blocks where that differs from what's in chunk now.
func (tl *TransferList) retryMostPopular(bl *BlockList, chunk []byte) {
	for _, b := range bl.Blocks() {
		if b.failed == nil {
			continue
		}
		best := b.failed.reverseMaxElement()
		if best == -1 || best == b.current {
			continue
		}
		buf := b.failed.bufferAt(best)
		copy(chunk[b.piece.Offset:b.piece.Offset+b.piece.Length], buf)
		b.current = best
	}
}

// HashSucceeded reports that pieceIndex's fully assembled chunk matched
// its expected hash. If the piece had ever failed a hash, every transfer
// whose recorded variant does not match the now-verified bytes is reported
// as corrupt via OnCorrupt, once per distinct peer. The piece is then
// dropped from the in-flight set and appended to the completed log.
func (tl *TransferList) HashSucceeded(pieceIndex int, chunk []byte) error {
	tl.mu.Lock()

	bl, ok := tl.byIndex[pieceIndex]
	if !ok {
		tl.mu.Unlock()
		return panicOnInternal(errs.Internal("blocklist: HashSucceeded on untracked piece %d", pieceIndex))
	}
	if !bl.AllFinished() {
		tl.mu.Unlock()
		return panicOnInternal(errs.Internal("blocklist: HashSucceeded on piece %d before assembly completed", pieceIndex))
	}

	var badPeers []PeerID
	if bl.Failed > 0 {
		badPeers = tl.markFailedPeers(bl, chunk)
	}

	tl.succeededCount++
	tl.recordCompleted(pieceIndex)
	tl.erase(pieceIndex)

	tl.mu.Unlock()

	if len(badPeers) > 0 {
		logs.GetLogger().Info("blocklist: peers sent corrupt data for piece",
			zap.Int("piece", pieceIndex), zap.Int("peerCount", len(badPeers)))
	}
	for _, peer := range badPeers {
		tl.callbacks.OnCorrupt(peer)
	}
	return nil
}

// markFailedPeers identifies, for each block, the FailedList entry that
// matches the now-verified bytes, then collects every distinct peer whose
// transfer was recorded against a different entry.
func (tl *TransferList) markFailedPeers(bl *BlockList, chunk []byte) []PeerID {
	seen := make(map[PeerID]bool)
	var bad []PeerID

	for _, b := range bl.Blocks() {
		if b.failed == nil {
			continue
		}
		slice := chunk[b.piece.Offset : b.piece.Offset+b.piece.Length]
		goodIdx := b.failed.find(slice)

		for _, t := range b.transfers {
			if t.failedIndex == -1 || t.failedIndex == goodIdx {
				continue
			}
			if !seen[t.Peer] {
				seen[t.Peer] = true
				bad = append(bad, t.Peer)
			}
		}
	}
	return bad
}

// recordCompleted appends index to the completed log and prunes entries
// that have aged past completedRetain, keeping the trim boundary at
// completedPruneEdge so the log doesn't thrash pruning one entry at a time
// right at the retention edge.
func (tl *TransferList) recordCompleted(index int) {
	now := time.Now()
	tl.completed = append(tl.completed, completedEntry{at: now, index: index})

	if len(tl.completed) == 0 {
		return
	}
	if now.Sub(tl.completed[0].at) <= completedRetain {
		return
	}

	cut := 0
	for cut < len(tl.completed) && now.Sub(tl.completed[cut].at) > completedPruneEdge {
		cut++
	}
	if cut > 0 {
		tl.completed = append([]completedEntry(nil), tl.completed[cut:]...)
	}
}

// CompletedSince returns the indices recorded as completed at or after
// since.
func (tl *TransferList) CompletedSince(since time.Time) []int {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	var out []int
	for _, e := range tl.completed {
		if !e.at.Before(since) {
			out = append(out, e.index)
		}
	}
	return out
}

// FailedCount and SucceededCount report lifetime totals across every piece
// this TransferList has ever tracked, including ones since erased.
func (tl *TransferList) FailedCount() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.failedCount
}

func (tl *TransferList) SucceededCount() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.succeededCount
}

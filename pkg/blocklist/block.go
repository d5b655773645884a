package blocklist

// BlockTransfer is one peer's attempt at delivering one Block. Multiple
// transfers may coexist per Block while peers race; at most one is ever
// the leader (the transfer whose bytes are currently written into the
// chunk buffer) at a given moment.
type BlockTransfer struct {
	Peer  PeerID
	valid bool
	// failedIndex is which FailedList entry this transfer's bytes matched,
	// or -1 if none has been recorded yet (no hash failure has happened
	// for this block, or this transfer predates one).
	failedIndex int

	block *Block
}

func (t *BlockTransfer) Valid() bool      { return t.valid }
func (t *BlockTransfer) FailedIndex() int { return t.failedIndex }

// Block belongs to exactly one BlockList and covers one Piece range within
// it. It tracks every in-flight transfer attempting to fill it, which one
// is currently the leader, the distinct byte-variants ever received
// (FailedList, allocated lazily — most blocks never fail a hash and never
// need one), and whether assembly has completed.
type Block struct {
	piece     Piece
	list      *BlockList
	transfers []*BlockTransfer
	leader    *BlockTransfer
	failed    *FailedList
	current   int // index into failed.entries of the variant presently in the chunk buffer, or -1
	finished  bool
}

func newBlock(list *BlockList, piece Piece) *Block {
	return &Block{piece: piece, list: list, current: -1}
}

func (b *Block) Piece() Piece { return b.piece }

func (b *Block) Finished() bool { return b.finished }

// addTransfer registers a new peer's attempt at this block and returns the
// handle the caller threads bytes through.
func (b *Block) addTransfer(peer PeerID) *BlockTransfer {
	t := &BlockTransfer{Peer: peer, valid: true, failedIndex: -1, block: b}
	b.transfers = append(b.transfers, t)
	return t
}

// completed marks transfer as the one whose bytes landed in the chunk
// buffer and reports whether this call is what caused the block to cross
// into the finished state. Idempotent: a block that is already finished
// always returns false, regardless of which transfer is passed.
func (b *Block) completed(transfer *BlockTransfer) bool {
	if b.finished {
		return false
	}
	b.finished = true
	if b.leader == nil {
		b.leader = transfer
	}
	return true
}

// ensureFailedList lazily allocates the FailedList the first time a block
// needs one — the overwhelming majority of blocks never fail a hash and
// never touch it.
func (b *Block) ensureFailedList() *FailedList {
	if b.failed == nil {
		b.failed = newFailedList()
	}
	return b.failed
}

// resetForRedownload clears in-flight state so the block can be requested
// from scratch. The FailedList's history of previously seen variants is
// preserved, and so is the transfer log: a transfer that loses a race or
// belongs to an earlier failed round still carries the failedIndex it was
// stamped with, which markFailedPeers needs to name a corrupt peer long
// after that round's CompleteBlock call returned. Only the block's
// completion/leadership state is reset.
func (b *Block) resetForRedownload() {
	b.finished = false
	b.leader = nil
}

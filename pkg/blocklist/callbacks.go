package blocklist

// Callbacks is the interface TransferList's embedder implements to react
// to piece-level events. Re-expressed as an interface (per the teacher's
// dependency-injection style and the spec's own design note) rather than a
// set of function-valued struct fields, so the call graph is visible
// statically instead of being wired up at construction time through
// anonymous closures.
type Callbacks interface {
	// OnQueued fires when a piece is first delegated to the TransferList.
	OnQueued(index int)
	// OnCompleted fires once per piece, when the Block that completes the
	// last unfinished range of the piece crosses into the finished state
	// (not once per Block), and again after a hash-failure retry rewrites
	// the chunk buffer from the most popular variant (to trigger a re-hash).
	OnCompleted(index int)
	// OnCanceled fires once per in-flight piece when the TransferList is
	// cleared.
	OnCanceled(index int)
	// OnCorrupt fires once per peer identified as having supplied a block
	// variant that did not match the eventually-verified piece.
	OnCorrupt(peer PeerID)
}

// NopCallbacks is a Callbacks implementation that does nothing; useful in
// tests that only exercise the internal bookkeeping.
type NopCallbacks struct{}

func (NopCallbacks) OnQueued(int)      {}
func (NopCallbacks) OnCompleted(int)   {}
func (NopCallbacks) OnCanceled(int)    {}
func (NopCallbacks) OnCorrupt(PeerID)  {}

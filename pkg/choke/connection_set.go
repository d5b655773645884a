// Package choke implements the fleet-wide unchoke scheduler: groups of
// downloads share per-direction candidate queues, and a ResourceManager
// balances a fixed upload/download slot budget across every group on each
// tick. The connection inventory itself (peer sockets, rate meters) is an
// external collaborator; this package only ever sees it through the two
// interfaces below, the way the teacher's bandwidth dispatcher only ever
// sees a claimer through ISwarm/IBandwidthClaimable rather than owning the
// torrent directly.
package choke

import "github.com/kastor-labs/torrentcore/pkg/blocklist"

// ConnectionSet is the peer inventory behind one ResourceManager entry.
// Inserting, erasing, or re-grouping an entry moves every peer this
// returns between the affected ChokeQueues.
type ConnectionSet interface {
	Peers() []blocklist.PeerID
}

// PeerChoker applies a choke/unchoke decision to one peer on one
// direction. ChokeQueue.Cycle calls this for every candidate whose state
// flips; it never touches the peer directly.
type PeerChoker interface {
	SetChoked(peer blocklist.PeerID, upload bool, choked bool)
}

// Package election designates a single cloud gateway among the
// LAN-discovered peers. Every node periodically applies the same
// deterministic rule (the lexicographically smallest live node id wins)
// to its own peer view, so the cluster converges on one gateway without
// extra message rounds. Subscribers are notified whenever this node's
// gateway role flips.
package election

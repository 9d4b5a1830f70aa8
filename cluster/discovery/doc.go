// Package discovery announces this node on the local network over UDP
// broadcast and surfaces {nodeId, host, port} observations of other
// nodes. The adapter owns its socket per instance, ignores its own
// broadcasts, and releases the socket on Stop. Consumers (peer registry,
// orchestrator, gossip, election) subscribe with a callback.
package discovery

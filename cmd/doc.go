// Package cmd implements the command-line interface of the dDoc node. It
// provides a hierarchical command structure for running a node and for
// local tooling.
//
// The package is organized into several subpackages:
//
//   - serve: starts a node (store, sync server, orchestrator, gossip,
//     discovery, gateway election)
//   - perf: local store and resolver micro-benchmarks
//   - util: shared utilities for command-line processing (internal use)
//
// See ddoc -help for a list of all commands.
package cmd

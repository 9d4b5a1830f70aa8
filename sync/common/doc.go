// Package common contains the data structures shared across the sync
// layer: the protocol Message with its factory functions and wire
// conversions, the node and client configuration structs, the error
// taxonomy of the replication stack, and the logging facade.
package common
